package control

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradecore/src/dispatcher"
	"tradecore/src/keymanager"
	"tradecore/src/marketdata"
	"tradecore/src/model"
	"tradecore/src/strategy"
)

// Service is the operator-facing control surface. An external REST facade
// calls it for strategy lifecycle, manual orders and key administration; the
// service validates and delegates, it holds no state of its own.
type Service struct {
	runtime    *strategy.Runtime
	ingestor   *marketdata.Ingestor
	dispatcher *dispatcher.Dispatcher
	keys       *keymanager.Manager
	log        *logger.Entry
}

func NewService(runtime *strategy.Runtime, ingestor *marketdata.Ingestor, dispatcher *dispatcher.Dispatcher, keys *keymanager.Manager) *Service {
	return &Service{
		runtime:    runtime,
		ingestor:   ingestor,
		dispatcher: dispatcher,
		keys:       keys,
		log:        logger.WithField("component", "control"),
	}
}

// CreateStrategyRequest names everything needed to register an instance.
type CreateStrategyRequest struct {
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Params    strategy.Params `json:"params"`
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
}

// CreateStrategy registers a stopped strategy instance and makes sure its
// market-data stream exists. The stream is claimed first so a bad venue
// fails before any instance is created.
func (s *Service) CreateStrategy(req CreateStrategyRequest) (string, error) {
	if err := s.ingestor.AddStream(req.Venue, req.Symbol, req.Timeframe); err != nil {
		return "", err
	}

	id, err := s.runtime.Add(req.UserID, req.Kind, req.Params, req.Venue, req.Symbol, req.Timeframe)
	if err != nil {
		return "", err
	}

	s.log.WithFields(logger.Fields{
		"strategy_id": id,
		"kind":        req.Kind,
		"user_id":     req.UserID,
	}).Info("strategy created")
	return id, nil
}

func (s *Service) StartStrategy(ctx context.Context, id string) error {
	return s.runtime.Start(ctx, id)
}

func (s *Service) StopStrategy(id string) error {
	return s.runtime.Stop(id)
}

func (s *Service) ListStrategies() []strategy.InstanceInfo {
	return s.runtime.List()
}

func (s *Service) StrategyPosition(id string) (model.Position, error) {
	return s.runtime.Position(id)
}

// PlaceManualOrder routes an operator order through the same executors and
// venue-minimum check as strategy orders.
func (s *Service) PlaceManualOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error) {
	status, err := s.dispatcher.Manual(ctx, req)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"venue":  req.Venue,
			"symbol": req.Symbol,
		}).Warn("manual order rejected")
		return status, err
	}

	s.log.WithFields(logger.Fields{
		"client_id": req.ClientID,
		"venue":     req.Venue,
		"symbol":    req.Symbol,
		"state":     status.State,
	}).Info("manual order placed")
	return status, nil
}

func (s *Service) CreateKey(ctx context.Context, p keymanager.CreateParams, req keymanager.RequestContext) (*model.APIKey, error) {
	return s.keys.Create(ctx, p, req)
}

func (s *Service) GetKey(ctx context.Context, keyID string, req keymanager.RequestContext) (*model.APIKey, error) {
	return s.keys.Get(ctx, keyID, req)
}

func (s *Service) RotateKey(ctx context.Context, keyID string, grace time.Duration, req keymanager.RequestContext) (*model.APIKey, error) {
	return s.keys.Rotate(ctx, keyID, grace, req)
}

func (s *Service) RevokeKey(ctx context.Context, keyID string, req keymanager.RequestContext) error {
	return s.keys.Revoke(ctx, keyID, req)
}

func (s *Service) ApproveKey(ctx context.Context, keyID string, req keymanager.RequestContext) error {
	return s.keys.Approve(ctx, keyID, req)
}

func (s *Service) MarkKeyCompromised(ctx context.Context, keyID, details string, req keymanager.RequestContext) error {
	return s.keys.MarkCompromised(ctx, keyID, details, req)
}

func (s *Service) ExpiringKeys(ctx context.Context, window time.Duration) ([]*model.APIKey, error) {
	return s.keys.Expiring(ctx, window)
}
