package keymanager

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradecore/src/model"
)

// Sweeper runs the periodic key-lifecycle jobs: expiring overdue keys,
// logging upcoming expiries and, when enabled, rotating keys ahead of their
// expiry date.
type Sweeper struct {
	manager *Manager
	config  *Config
	log     *logger.Entry
}

func NewSweeper(manager *Manager, config *Config) *Sweeper {
	return &Sweeper{
		manager: manager,
		config:  config,
		log:     logger.WithField("component", "keysweeper"),
	}
}

// Run blocks until ctx is cancelled. Each job runs once at startup and then
// on its own interval.
func (s *Sweeper) Run(ctx context.Context) {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"expiration", s.config.ExpirationSweepInterval, s.sweepExpired},
		{"notification", s.config.NotificationSweepInterval, s.sweepNotifications},
	}
	if s.config.AutoRotationEnabled {
		jobs = append(jobs, struct {
			name     string
			interval time.Duration
			run      func(context.Context)
		}{"auto_rotation", s.config.AutoRotationSweepInterval, s.sweepAutoRotation})
	}

	for _, job := range jobs {
		go func(name string, interval time.Duration, run func(context.Context)) {
			run(ctx)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					run(ctx)
				}
			}
		}(job.name, job.interval, job.run)
	}

	<-ctx.Done()
}

func (s *Sweeper) sweepExpired(ctx context.Context) {
	expired, err := s.manager.ProcessExpired(ctx)
	if err != nil {
		s.log.WithError(err).Error("expiration sweep failed")
		return
	}
	if expired > 0 {
		s.log.WithField("expired", expired).Info("expiration sweep moved keys")
	}
}

func (s *Sweeper) sweepNotifications(ctx context.Context) {
	window := time.Duration(s.config.ExpiryNotifyWindowDays) * 24 * time.Hour
	keys, err := s.manager.Expiring(ctx, window)
	if err != nil {
		s.log.WithError(err).Error("notification sweep failed")
		return
	}
	for _, key := range keys {
		s.log.WithFields(logger.Fields{
			"key_id":     key.KeyID,
			"user_id":    key.UserID,
			"venue":      key.Venue,
			"expires_at": key.ExpiresAt,
		}).Warn("api key expiring soon")
	}
}

func (s *Sweeper) sweepAutoRotation(ctx context.Context) {
	lead := time.Duration(s.config.AutoRotationLeadDays) * 24 * time.Hour
	keys, err := s.manager.Expiring(ctx, lead)
	if err != nil {
		s.log.WithError(err).Error("auto rotation sweep failed")
		return
	}
	for _, key := range keys {
		if key.Status != model.KeyStatusActive {
			continue
		}
		if _, err := s.manager.Rotate(ctx, key.KeyID, 0, RequestContext{Actor: "system", Admin: true}); err != nil {
			s.log.WithError(err).WithField("key_id", key.KeyID).Error("auto rotation failed")
			continue
		}
		s.log.WithField("key_id", key.KeyID).Info("auto rotated key ahead of expiry")
	}
}
