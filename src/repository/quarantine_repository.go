package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradecore/src/database"
	"tradecore/src/model"
)

// QuarantineRepository stores orders whose exchange-side outcome could not
// be confirmed. Quarantined orders never feed position updates; an operator
// resolves them by hand.
type QuarantineRepository struct {
	db *gorm.DB
}

func NewQuarantineRepository() *QuarantineRepository {
	return &QuarantineRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance, for tests.
func (r *QuarantineRepository) WithDB(db *gorm.DB) *QuarantineRepository {
	return &QuarantineRepository{db: db}
}

// Add inserts a quarantined order. A repeated client id is a no-op so the
// dispatcher can quarantine idempotently.
func (r *QuarantineRepository) Add(ctx context.Context, order *model.QuarantinedOrder) error {
	err := r.db.WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "QuarantineRepository",
			"op":        "Add",
			"client_id": order.ClientID,
		}).WithError(err).Error("Failed to quarantine order")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "QuarantineRepository",
		"op":        "Add",
		"client_id": order.ClientID,
		"reason":    order.Reason,
	}).Warn("Order quarantined")
	return nil
}

// FindByClientID returns (nil, nil) when no row matches.
func (r *QuarantineRepository) FindByClientID(ctx context.Context, clientID string) (*model.QuarantinedOrder, error) {
	var order model.QuarantinedOrder
	err := r.db.WithContext(ctx).Where("client_id = ?", clientID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Unresolved lists the orders still waiting for an operator, oldest first.
func (r *QuarantineRepository) Unresolved(ctx context.Context) ([]model.QuarantinedOrder, error) {
	var orders []model.QuarantinedOrder
	err := r.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "QuarantineRepository",
			"op":   "Unresolved",
		}).WithError(err).Error("Failed to list quarantined orders")
		return nil, err
	}
	return orders, nil
}

// Resolve marks one order handled. Returns gorm.ErrRecordNotFound when the
// client id is unknown.
func (r *QuarantineRepository) Resolve(ctx context.Context, clientID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.QuarantinedOrder{}).
		Where("client_id = ? AND resolved = ?", clientID, false).
		Update("resolved", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "QuarantineRepository",
		"op":        "Resolve",
		"client_id": clientID,
	}).Info("Quarantined order resolved")
	return nil
}
