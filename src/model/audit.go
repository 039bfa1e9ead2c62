package model

import "time"

const (
	AuditSeverityNormal   = "normal"
	AuditSeverityHigh     = "high"
	AuditSeverityCritical = "critical"
)

const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
)

// AuditRecord is one row of the relational audit log. Every key-manager
// operation writes one; severity high and critical entries must only carry
// masked secret material.
type AuditRecord struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	UserID       string         `gorm:"size:64;index" json:"user_id"`
	Action       string         `gorm:"size:64;not null" json:"action"`
	ResourceType string         `gorm:"size:64;not null" json:"resource_type"`
	ResourceID   string         `gorm:"size:64;index" json:"resource_id"`
	Details      map[string]any `gorm:"serializer:json" json:"details,omitempty"`
	IP           string         `gorm:"size:45" json:"ip,omitempty"`
	Severity     string         `gorm:"size:16;not null;default:normal" json:"severity"`
	Status       string         `gorm:"size:16;not null;default:success" json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}

// QuarantinedOrder is an order whose exchange-side outcome could not be
// confirmed. It is excluded from position updates and waits for an operator.
type QuarantinedOrder struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ClientID        string    `gorm:"size:64;uniqueIndex" json:"client_id"`
	StrategyID      string    `gorm:"size:64;index" json:"strategy_id"`
	Venue           string    `gorm:"size:32;not null" json:"venue"`
	Symbol          string    `gorm:"size:32;not null" json:"symbol"`
	Side            string    `gorm:"size:8;not null" json:"side"`
	Amount          float64   `gorm:"not null" json:"amount"`
	ExchangeOrderID string    `gorm:"size:64" json:"exchange_order_id,omitempty"`
	Reason          string    `gorm:"size:255" json:"reason"`
	Resolved        bool      `gorm:"not null;default:false" json:"resolved"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (QuarantinedOrder) TableName() string {
	return "quarantined_orders"
}
