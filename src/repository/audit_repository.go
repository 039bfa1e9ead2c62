package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradecore/src/database"
	"tradecore/src/model"
)

// AuditRepository persists the key-manager and dispatcher audit trail.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a repository on the main read/write database.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance, for tests and
// transactional sessions.
func (r *AuditRepository) WithDB(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Write inserts one audit record. Implements keymanager.AuditSink.
func (r *AuditRepository) Write(ctx context.Context, record *model.AuditRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "AuditRepository",
			"op":     "Write",
			"action": record.Action,
		}).WithError(err).Error("Failed to write audit record")
		return err
	}
	return nil
}

// AuditSearchOptions narrows a Search. Zero-valued fields are ignored.
type AuditSearchOptions struct {
	UserID       string
	Action       string
	ResourceID   string
	Severity     string
	CreatedAfter *time.Time
	Limit        int
}

// Search returns matching records, newest first.
func (r *AuditRepository) Search(ctx context.Context, opts AuditSearchOptions) ([]model.AuditRecord, error) {
	query := r.db.WithContext(ctx).Model(&model.AuditRecord{})

	if opts.UserID != "" {
		query = query.Where("user_id = ?", opts.UserID)
	}
	if opts.Action != "" {
		query = query.Where("action = ?", opts.Action)
	}
	if opts.ResourceID != "" {
		query = query.Where("resource_id = ?", opts.ResourceID)
	}
	if opts.Severity != "" {
		query = query.Where("severity = ?", opts.Severity)
	}
	if opts.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *opts.CreatedAfter)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var records []model.AuditRecord
	if err := query.Order("created_at DESC, id DESC").Find(&records).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "AuditRepository",
			"op":   "Search",
		}).WithError(err).Error("Failed to search audit records")
		return nil, err
	}
	return records, nil
}
