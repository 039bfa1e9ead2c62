package keys

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradecore/src/database"
	"tradecore/src/exchange"
	"tradecore/src/keymanager"
	"tradecore/src/repository"
)

// Keys is the key-manager admin command. Every action talks straight to the
// redis store as an admin actor; audit records land in the database when it
// is enabled.
type Keys struct {
	Log *logger.Entry
}

func (k *Keys) manager(ctx context.Context) (*keymanager.Manager, error) {
	const op = "keys.manager"

	config := keymanager.GetConfig()
	if config.EncryptionKey == "" {
		return nil, exchange.E(exchange.KindInvalidParams, op, "ENCRYPTION_KEY is required")
	}

	cipher, err := keymanager.NewCipher(config.EncryptionKey, config.EncryptionSalt)
	if err != nil {
		return nil, exchange.Wrap(exchange.KindInvalidParams, op, err)
	}

	store := keymanager.NewRedisStore(config, cipher)
	if err := store.Ping(ctx); err != nil {
		return nil, exchange.Wrap(exchange.KindTransient, op, fmt.Errorf("key store unreachable: %w", err))
	}

	var audit keymanager.AuditSink
	if database.GetConfig().EnableDB {
		if err := database.InitMainDB(); err != nil {
			return nil, exchange.Wrap(exchange.KindTransient, op, err)
		}
		audit = repository.NewAuditRepository()
	}

	return keymanager.NewManager(store, config, audit), nil
}

func adminContext() keymanager.RequestContext {
	return keymanager.RequestContext{Actor: "cli", Admin: true}
}

// Create mints a key and prints its material. This is the only time the
// plaintext leaves the manager.
func (k *Keys) Create(ctx context.Context, user, venue string, expiryDays int, requireApproval bool) error {
	m, err := k.manager(ctx)
	if err != nil {
		return err
	}

	key, err := m.Create(ctx, keymanager.CreateParams{
		UserID:          user,
		Venue:           venue,
		ExpiryDays:      expiryDays,
		RequireApproval: requireApproval,
	}, adminContext())
	if err != nil {
		return err
	}

	fmt.Printf("key_id:     %s\n", key.KeyID)
	fmt.Printf("material:   %s\n", key.Material)
	fmt.Printf("status:     %s\n", key.Status)
	fmt.Printf("expires_at: %s\n", key.ExpiresAt.Format(time.RFC3339))
	fmt.Println("store the material now, it will not be shown again")
	return nil
}

// Approve activates a pending key.
func (k *Keys) Approve(ctx context.Context, keyID string) error {
	m, err := k.manager(ctx)
	if err != nil {
		return err
	}
	if err := m.Approve(ctx, keyID, adminContext()); err != nil {
		return err
	}
	fmt.Printf("key %s approved\n", keyID)
	return nil
}

func (k *Keys) Rotate(ctx context.Context, keyID string, graceHours int) error {
	m, err := k.manager(ctx)
	if err != nil {
		return err
	}

	successor, err := m.Rotate(ctx, keyID, time.Duration(graceHours)*time.Hour, adminContext())
	if err != nil {
		return err
	}

	fmt.Printf("key_id:     %s\n", successor.KeyID)
	fmt.Printf("material:   %s\n", successor.Material)
	fmt.Printf("expires_at: %s\n", successor.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("predecessor %s validates until its grace window ends\n", keyID)
	return nil
}

func (k *Keys) Revoke(ctx context.Context, keyID string) error {
	m, err := k.manager(ctx)
	if err != nil {
		return err
	}
	if err := m.Revoke(ctx, keyID, adminContext()); err != nil {
		return err
	}
	fmt.Printf("key %s revoked\n", keyID)
	return nil
}

func (k *Keys) MarkCompromised(ctx context.Context, keyID, details string) error {
	m, err := k.manager(ctx)
	if err != nil {
		return err
	}
	if err := m.MarkCompromised(ctx, keyID, details, adminContext()); err != nil {
		return err
	}
	fmt.Printf("key %s marked compromised\n", keyID)
	return nil
}

func (k *Keys) ListExpiring(ctx context.Context, days int) error {
	m, err := k.manager(ctx)
	if err != nil {
		return err
	}

	keys, err := m.Expiring(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Printf("no keys expire within %d days\n", days)
		return nil
	}
	for _, key := range keys {
		fmt.Printf("%s  user=%s venue=%s status=%s expires=%s\n",
			key.KeyID, key.UserID, key.Venue, key.Status, key.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
