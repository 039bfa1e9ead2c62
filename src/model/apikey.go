package model

import "time"

const (
	KeyStatusPending     = "pending"
	KeyStatusActive      = "active"
	KeyStatusRotating    = "rotating"
	KeyStatusExpired     = "expired"
	KeyStatusRevoked     = "revoked"
	KeyStatusCompromised = "compromised"
	KeyStatusSuspended   = "suspended"
)

// RotationMetadata links the two keys of a rotation. The predecessor stays
// valid until GracePeriodEnds; the sweeper expires it afterwards.
type RotationMetadata struct {
	SuccessorID     string    `json:"successor_id,omitempty"`
	PredecessorID   string    `json:"predecessor_id,omitempty"`
	GracePeriodEnds time.Time `json:"grace_period_ends,omitempty"`
	RotatedAt       time.Time `json:"rotated_at,omitempty"`
}

// APIKey is one per-(user, venue) exchange credential. Material is opaque
// secret material, encrypted at rest by the key store. Version backs the
// store's optimistic concurrency check.
type APIKey struct {
	KeyID          string            `json:"key_id"`
	UserID         string            `json:"user_id"`
	Venue          string            `json:"venue"`
	Material       string            `json:"material"`
	Status         string            `json:"status"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Permissions    []string          `json:"permissions,omitempty"`
	IPRestrictions []string          `json:"ip_restrictions,omitempty"`
	Rotation       *RotationMetadata `json:"rotation_metadata,omitempty"`
	UsageCount     int64             `json:"usage_count"`
	LastUsedAt     *time.Time        `json:"last_used_at,omitempty"`
	LastUsedIP     string            `json:"last_used_ip,omitempty"`
}

// Usable reports whether the status still admits validation. Expiry and IP
// checks are the key manager's job.
func (k *APIKey) Usable() bool {
	return k.Status == KeyStatusActive || k.Status == KeyStatusRotating
}

// Terminal statuses never transition again.
func (k *APIKey) Terminal() bool {
	return k.Status == KeyStatusCompromised || k.Status == KeyStatusRevoked
}

func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.IPRestrictions) == 0 {
		return true
	}
	for _, allowed := range k.IPRestrictions {
		if allowed == ip {
			return true
		}
	}
	return false
}
