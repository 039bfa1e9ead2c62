package keymanager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

// AuditSink receives one record per key-manager operation. The relational
// audit repository implements it; tests use a slice-backed sink.
type AuditSink interface {
	Write(ctx context.Context, record *model.AuditRecord) error
}

type nopAudit struct{}

func (nopAudit) Write(context.Context, *model.AuditRecord) error { return nil }

// RequestContext identifies who asked for a mutation. Admins may act on any
// user's keys; everyone else only on their own.
type RequestContext struct {
	Actor string
	IP    string
	Admin bool
}

func (r RequestContext) mayActOn(key *model.APIKey) bool {
	return r.Admin || r.Actor == key.UserID
}

type CreateParams struct {
	UserID          string
	Venue           string
	Material        string // empty means generate
	ExpiryDays      int    // 0 means the configured default
	Permissions     []string
	IPRestrictions  []string
	RequireApproval bool // key is born pending and needs an admin Approve
}

// Manager owns the API key lifecycle: create, rotate with a grace window,
// revoke, compromise, expiry sweeps and per-request validation. All secret
// material leaving the manager through logs or audit details is masked.
type Manager struct {
	store  Store
	config *Config
	audit  AuditSink
	log    *logger.Entry

	now   func() time.Time
	locks sync.Map
}

func NewManager(store Store, config *Config, audit AuditSink) *Manager {
	if audit == nil {
		audit = nopAudit{}
	}
	return &Manager{
		store:  store,
		config: config,
		audit:  audit,
		log:    logger.WithField("component", "keymanager"),
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) lockFor(keyID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(keyID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) writeAudit(ctx context.Context, req RequestContext, action, keyID, severity, status string, details map[string]any) {
	record := &model.AuditRecord{
		UserID:       req.Actor,
		Action:       action,
		ResourceType: "api_key",
		ResourceID:   keyID,
		Details:      details,
		IP:           req.IP,
		Severity:     severity,
		Status:       status,
		CreatedAt:    m.now(),
	}
	if err := m.audit.Write(ctx, record); err != nil {
		m.log.WithError(err).WithField("action", action).Error("audit write failed")
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, ErrKeyNotFound) {
		return exchange.E(exchange.KindNotFound, op, "api key not found")
	}
	if errors.Is(err, ErrVersionConflict) {
		return exchange.E(exchange.KindBadState, op, "concurrent modification, retry")
	}
	return exchange.Wrap(exchange.KindTransient, op, err)
}

// usableExists reports whether (user, venue) already has a usable key.
func (m *Manager) usableExists(ctx context.Context, op, userID, venue string) error {
	ids, err := m.store.KeysFor(ctx, userID, venue)
	if err != nil {
		return storeErr(op, err)
	}
	for _, id := range ids {
		current, err := m.store.Get(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return storeErr(op, err)
		}
		if current.Usable() {
			return exchange.E(exchange.KindBadState, op, "a usable key already exists for this venue, rotate it instead")
		}
	}
	return nil
}

// Create provisions a fresh key, active unless approval is required. At most
// one usable key may exist per (user, venue); a create that would add a
// second one is rejected, rotation is the path to replace the incumbent.
func (m *Manager) Create(ctx context.Context, p CreateParams, req RequestContext) (*model.APIKey, error) {
	const op = "keymanager.Create"

	if p.UserID == "" || p.Venue == "" {
		return nil, exchange.E(exchange.KindInvalidParams, op, "user id and venue are required")
	}
	if !req.Admin && req.Actor != p.UserID {
		return nil, exchange.E(exchange.KindUnauthorized, op, "cannot create keys for another user")
	}

	if err := m.usableExists(ctx, op, p.UserID, p.Venue); err != nil {
		return nil, err
	}

	material := p.Material
	var err error
	if material == "" {
		if material, err = GenerateMaterial(); err != nil {
			return nil, exchange.Wrap(exchange.KindUnknown, op, err)
		}
	}

	expiryDays := p.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = m.config.DefaultExpiryDays
	}

	status := model.KeyStatusActive
	if p.RequireApproval {
		status = model.KeyStatusPending
	}

	now := m.now()
	key := &model.APIKey{
		KeyID:          uuid.NewString(),
		UserID:         p.UserID,
		Venue:          p.Venue,
		Material:       material,
		Status:         status,
		Version:        1,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(expiryDays) * 24 * time.Hour),
		Permissions:    p.Permissions,
		IPRestrictions: p.IPRestrictions,
	}

	if err := m.store.Put(ctx, key, 0); err != nil {
		return nil, storeErr(op, err)
	}

	m.writeAudit(ctx, req, "api_key.create", key.KeyID, model.AuditSeverityNormal, model.AuditStatusSuccess, map[string]any{
		"venue":      p.Venue,
		"user_id":    p.UserID,
		"material":   MaskSecret(material),
		"status":     status,
		"expires_at": key.ExpiresAt,
	})
	m.log.WithFields(logger.Fields{"key_id": key.KeyID, "venue": p.Venue, "status": status}).Info("api key created")
	return key, nil
}

// Approve activates a key that was created behind approval. Admin only; the
// one-usable-key rule is re-checked because keys may have appeared while the
// request sat pending.
func (m *Manager) Approve(ctx context.Context, keyID string, req RequestContext) error {
	const op = "keymanager.Approve"

	if !req.Admin {
		return exchange.E(exchange.KindUnauthorized, op, "approval needs an admin")
	}

	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return storeErr(op, err)
	}
	if key.Status != model.KeyStatusPending {
		return exchange.E(exchange.KindBadState, op, "key is "+key.Status+", expected pending")
	}
	if err := m.usableExists(ctx, op, key.UserID, key.Venue); err != nil {
		return err
	}

	expected := key.Version
	key.Status = model.KeyStatusActive
	key.Version++
	if err := m.store.Put(ctx, key, expected); err != nil {
		return storeErr(op, err)
	}

	m.writeAudit(ctx, req, "api_key.approve", keyID, model.AuditSeverityNormal, model.AuditStatusSuccess, map[string]any{
		"venue":   key.Venue,
		"user_id": key.UserID,
	})
	m.log.WithFields(logger.Fields{"key_id": keyID, "venue": key.Venue}).Info("api key approved")
	return nil
}

// Get returns the record with its material masked. Only the credential source
// hands out plaintext material.
func (m *Manager) Get(ctx context.Context, keyID string, req RequestContext) (*model.APIKey, error) {
	const op = "keymanager.Get"

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if !req.mayActOn(key) {
		return nil, exchange.E(exchange.KindUnauthorized, op, "not your key")
	}
	masked := *key
	masked.Material = MaskSecret(key.Material)
	return &masked, nil
}

// Rotate replaces an active key with a successor. The predecessor moves to
// rotating and keeps validating until the grace window ends; the sweeper then
// expires it.
func (m *Manager) Rotate(ctx context.Context, keyID string, grace time.Duration, req RequestContext) (*model.APIKey, error) {
	const op = "keymanager.Rotate"

	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	pred, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if !req.mayActOn(pred) {
		return nil, exchange.E(exchange.KindUnauthorized, op, "not your key")
	}
	if pred.Status != model.KeyStatusActive {
		return nil, exchange.E(exchange.KindBadState, op, "only active keys rotate, current status is "+pred.Status)
	}

	if grace <= 0 {
		grace = time.Duration(m.config.RotationGraceHours) * time.Hour
	}

	material, err := GenerateMaterial()
	if err != nil {
		return nil, exchange.Wrap(exchange.KindUnknown, op, err)
	}

	now := m.now()
	successor := &model.APIKey{
		KeyID:          uuid.NewString(),
		UserID:         pred.UserID,
		Venue:          pred.Venue,
		Material:       material,
		Status:         model.KeyStatusActive,
		Version:        pred.Version + 1,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(m.config.DefaultExpiryDays) * 24 * time.Hour),
		Permissions:    pred.Permissions,
		IPRestrictions: pred.IPRestrictions,
		Rotation: &model.RotationMetadata{
			PredecessorID: pred.KeyID,
			RotatedAt:     now,
		},
	}

	if err := m.store.Snapshot(ctx, pred); err != nil {
		return nil, storeErr(op, err)
	}

	// The predecessor is demoted before the successor is written so that no
	// interleaving or partial failure ever leaves two active keys for one
	// (user, venue).
	expected := pred.Version
	pred.Status = model.KeyStatusRotating
	pred.Version++
	pred.Rotation = &model.RotationMetadata{
		SuccessorID:     successor.KeyID,
		GracePeriodEnds: now.Add(grace),
		RotatedAt:       now,
	}
	if err := m.store.Put(ctx, pred, expected); err != nil {
		return nil, storeErr(op, err)
	}

	if err := m.store.Put(ctx, successor, 0); err != nil {
		// put the predecessor back so the rotation can be retried
		restored := *pred
		restored.Status = model.KeyStatusActive
		restored.Rotation = nil
		restored.Version++
		if rbErr := m.store.Put(ctx, &restored, pred.Version); rbErr != nil {
			m.log.WithError(rbErr).WithField("key_id", pred.KeyID).
				Error("rotation rollback failed, key left rotating")
		}
		return nil, storeErr(op, err)
	}

	m.writeAudit(ctx, req, "api_key.rotate", pred.KeyID, model.AuditSeverityHigh, model.AuditStatusSuccess, map[string]any{
		"successor_id":      successor.KeyID,
		"grace_period_ends": pred.Rotation.GracePeriodEnds,
	})
	m.log.WithFields(logger.Fields{
		"key_id":       pred.KeyID,
		"successor_id": successor.KeyID,
		"grace_ends":   pred.Rotation.GracePeriodEnds,
	}).Info("api key rotated")
	return successor, nil
}

// Revoke permanently disables a key. Terminal, no way back.
func (m *Manager) Revoke(ctx context.Context, keyID string, req RequestContext) error {
	return m.terminate(ctx, keyID, req, model.KeyStatusRevoked, "api_key.revoke", model.AuditSeverityHigh, "")
}

// MarkCompromised flags a key whose material may have leaked. Terminal, and
// the audit trail records the incident details at critical severity.
func (m *Manager) MarkCompromised(ctx context.Context, keyID, details string, req RequestContext) error {
	return m.terminate(ctx, keyID, req, model.KeyStatusCompromised, "api_key.compromised", model.AuditSeverityCritical, details)
}

func (m *Manager) terminate(ctx context.Context, keyID string, req RequestContext, status, action, severity, incident string) error {
	op := "keymanager." + strings.TrimPrefix(action, "api_key.")

	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return storeErr(op, err)
	}
	if !req.mayActOn(key) {
		return exchange.E(exchange.KindUnauthorized, op, "not your key")
	}
	if key.Terminal() {
		return exchange.E(exchange.KindBadState, op, "key already "+key.Status)
	}

	if err := m.store.Snapshot(ctx, key); err != nil {
		return storeErr(op, err)
	}

	expected := key.Version
	key.Status = status
	key.Version++
	if err := m.store.Put(ctx, key, expected); err != nil {
		return storeErr(op, err)
	}

	details := map[string]any{
		"venue":    key.Venue,
		"user_id":  key.UserID,
		"material": MaskSecret(key.Material),
	}
	if incident != "" {
		details["incident"] = incident
	}
	m.writeAudit(ctx, req, action, keyID, severity, model.AuditStatusSuccess, details)
	m.log.WithFields(logger.Fields{"key_id": keyID, "status": status}).Warn("api key disabled")
	return nil
}

// Suspend takes an active key out of service without ending its lifecycle;
// Resume puts it back.
func (m *Manager) Suspend(ctx context.Context, keyID string, req RequestContext) error {
	return m.flip(ctx, keyID, req, model.KeyStatusActive, model.KeyStatusSuspended, "api_key.suspend")
}

func (m *Manager) Resume(ctx context.Context, keyID string, req RequestContext) error {
	return m.flip(ctx, keyID, req, model.KeyStatusSuspended, model.KeyStatusActive, "api_key.resume")
}

func (m *Manager) flip(ctx context.Context, keyID string, req RequestContext, from, to, action string) error {
	op := "keymanager." + strings.TrimPrefix(action, "api_key.")

	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return storeErr(op, err)
	}
	if !req.mayActOn(key) {
		return exchange.E(exchange.KindUnauthorized, op, "not your key")
	}
	if key.Status != from {
		return exchange.E(exchange.KindBadState, op, "key is "+key.Status+", expected "+from)
	}

	expected := key.Version
	key.Status = to
	key.Version++
	if err := m.store.Put(ctx, key, expected); err != nil {
		return storeErr(op, err)
	}

	m.writeAudit(ctx, req, action, keyID, model.AuditSeverityNormal, model.AuditStatusSuccess, nil)
	return nil
}

// Validate checks presented material and returns the key id it maps to.
// Denials are errors; store outages deny too unless fail-open is configured.
func (m *Manager) Validate(ctx context.Context, material, ip string) (string, error) {
	const op = "keymanager.Validate"

	deny := func(reason string) (string, error) {
		return "", exchange.E(exchange.KindUnauthorized, op, reason)
	}

	keyID, err := m.store.LookupMaterial(ctx, material)
	if errors.Is(err, ErrKeyNotFound) {
		return deny("unknown key material")
	}
	if err != nil {
		return m.validateOutage(op, err)
	}

	key, err := m.store.Get(ctx, keyID)
	if errors.Is(err, ErrKeyNotFound) {
		return deny("unknown key material")
	}
	if err != nil {
		return m.validateOutage(op, err)
	}

	now := m.now()
	switch {
	case !key.Usable():
		return deny("key is " + key.Status)
	case !key.ExpiresAt.IsZero() && now.After(key.ExpiresAt):
		return deny("key expired")
	case key.Status == model.KeyStatusRotating && key.Rotation != nil && now.After(key.Rotation.GracePeriodEnds):
		return deny("rotation grace period ended")
	case !key.AllowsIP(ip):
		return deny("ip not allowed")
	}

	// usage tracking is best effort; a concurrent mutation wins over the
	// counter bump
	expected := key.Version
	key.UsageCount++
	key.LastUsedAt = &now
	key.LastUsedIP = ip
	key.Version++
	if err := m.store.Put(ctx, key, expected); err != nil && !errors.Is(err, ErrVersionConflict) {
		m.log.WithError(err).WithField("key_id", keyID).Warn("usage tracking write failed")
	}

	return keyID, nil
}

func (m *Manager) validateOutage(op string, err error) (string, error) {
	if m.config.ValidationFailOpen {
		m.log.WithError(err).Warn("key store unavailable, validation failing open")
		return "", nil
	}
	return "", exchange.Wrap(exchange.KindTransient, op, err)
}

// Expiring lists usable keys whose expiry falls inside the window.
func (m *Manager) Expiring(ctx context.Context, window time.Duration) ([]*model.APIKey, error) {
	const op = "keymanager.Expiring"

	now := m.now()
	ids, err := m.store.ExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		return nil, storeErr(op, err)
	}

	var keys []*model.APIKey
	for _, id := range ids {
		key, err := m.store.Get(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, storeErr(op, err)
		}
		if key.Usable() {
			key.Material = MaskSecret(key.Material)
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// ProcessExpired expires active keys past their expiry time and rotating
// keys whose grace window has ended. Returns how many keys it moved.
func (m *Manager) ProcessExpired(ctx context.Context) (int, error) {
	const op = "keymanager.ProcessExpired"

	now := m.now()
	pastExpiry, err := m.store.ExpiringBetween(ctx, time.Unix(0, 0), now)
	if err != nil {
		return 0, storeErr(op, err)
	}
	pastGrace, err := m.store.GraceEndedBefore(ctx, now)
	if err != nil {
		return 0, storeErr(op, err)
	}

	seen := make(map[string]bool)
	expired := 0
	for _, id := range append(pastExpiry, pastGrace...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		moved, err := m.expireOne(ctx, id, now)
		if err != nil {
			m.log.WithError(err).WithField("key_id", id).Error("expiry sweep failed for key")
			continue
		}
		if moved {
			expired++
		}
	}
	return expired, nil
}

func (m *Manager) expireOne(ctx context.Context, keyID string, now time.Time) (bool, error) {
	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := m.store.Get(ctx, keyID)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !key.Usable() {
		return false, nil
	}

	due := !key.ExpiresAt.IsZero() && now.After(key.ExpiresAt)
	if key.Status == model.KeyStatusRotating && key.Rotation != nil && now.After(key.Rotation.GracePeriodEnds) {
		due = true
	}
	if !due {
		return false, nil
	}

	if err := m.store.Snapshot(ctx, key); err != nil {
		return false, err
	}

	expected := key.Version
	key.Status = model.KeyStatusExpired
	key.Version++
	if err := m.store.Put(ctx, key, expected); err != nil {
		return false, err
	}

	m.writeAudit(ctx, RequestContext{Actor: "system"}, "api_key.expire", keyID, model.AuditSeverityNormal, model.AuditStatusSuccess, map[string]any{
		"venue":   key.Venue,
		"user_id": key.UserID,
	})
	return true, nil
}

// CredentialSource adapts the manager for the exchange connectors: it
// resolves the newest usable key for (user, venue) and splits its material
// into key and secret. Material is stored as "apiKey:apiSecret".
func (m *Manager) CredentialSource(userID string) exchange.CredentialSource {
	return &managerCredentials{manager: m, userID: userID}
}

type managerCredentials struct {
	manager *Manager
	userID  string
}

func (c *managerCredentials) Credentials(ctx context.Context, venue string) (exchange.Credentials, error) {
	const op = "keymanager.Credentials"

	ids, err := c.manager.store.KeysFor(ctx, c.userID, venue)
	if err != nil {
		return exchange.Credentials{}, storeErr(op, err)
	}

	var newest *model.APIKey
	for _, id := range ids {
		key, err := c.manager.store.Get(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return exchange.Credentials{}, storeErr(op, err)
		}
		if key.Status != model.KeyStatusActive {
			continue
		}
		if newest == nil || key.Version > newest.Version {
			newest = key
		}
	}
	if newest == nil {
		return exchange.Credentials{}, exchange.E(exchange.KindAuthFailed, op, "no active key for venue "+venue)
	}

	apiKey, apiSecret, found := strings.Cut(newest.Material, ":")
	if !found {
		// opaque generated material doubles as both halves
		return exchange.Credentials{APIKey: apiKey, APISecret: apiKey}, nil
	}
	return exchange.Credentials{APIKey: apiKey, APISecret: apiSecret}, nil
}
