package keymanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tradecore/src/model"
)

var (
	ErrKeyNotFound     = errors.New("api key not found")
	ErrVersionConflict = errors.New("api key version conflict")
)

// Store persists API key records. Put is a compare-and-swap on the record's
// stored version; expectedVersion 0 means "create, must not exist".
type Store interface {
	Get(ctx context.Context, keyID string) (*model.APIKey, error)
	Put(ctx context.Context, key *model.APIKey, expectedVersion int) error
	LookupMaterial(ctx context.Context, material string) (string, error)
	KeysFor(ctx context.Context, userID, venue string) ([]string, error)
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]string, error)
	GraceEndedBefore(ctx context.Context, t time.Time) ([]string, error)
	Snapshot(ctx context.Context, key *model.APIKey) error
	Ping(ctx context.Context) error
}

const (
	recordKeyPrefix   = "apikey:"
	backupKeyPrefix   = "apikey:backup:"
	materialKeyPrefix = "apikey:mat:"
	userSetPrefix     = "apikeys:user:"
	expiryZSet        = "apikeys:expiry"
	graceZSet         = "apikeys:grace"

	backupTTL = 7 * 24 * time.Hour
)

func materialHash(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// RedisStore keeps records as JSON at apikey:{id} with the secret material
// encrypted, plus an expiry ZSET, a grace ZSET for rotating keys, per
// (user, venue) membership sets and a material-hash lookup index.
type RedisStore struct {
	client *redis.Client
	cipher *Cipher
}

func NewRedisStore(config *Config, cipher *Cipher) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr(),
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	return &RedisStore{client: client, cipher: cipher}
}

// NewRedisStoreWithClient wires an existing client, for tests.
func NewRedisStoreWithClient(client *redis.Client, cipher *Cipher) *RedisStore {
	return &RedisStore{client: client, cipher: cipher}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) encode(key *model.APIKey) ([]byte, error) {
	record := *key
	if s.cipher != nil && record.Material != "" {
		enc, err := s.cipher.Encrypt(record.Material)
		if err != nil {
			return nil, fmt.Errorf("encrypt material: %w", err)
		}
		record.Material = enc
	}
	return json.Marshal(&record)
}

func (s *RedisStore) decode(payload []byte) (*model.APIKey, error) {
	var record model.APIKey
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if s.cipher != nil && record.Material != "" {
		plain, err := s.cipher.Decrypt(record.Material)
		if err != nil {
			return nil, fmt.Errorf("decrypt material: %w", err)
		}
		record.Material = plain
	}
	return &record, nil
}

func (s *RedisStore) Get(ctx context.Context, keyID string) (*model.APIKey, error) {
	payload, err := s.client.Get(ctx, recordKeyPrefix+keyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key record: %w", err)
	}
	return s.decode(payload)
}

func (s *RedisStore) Put(ctx context.Context, key *model.APIKey, expectedVersion int) error {
	payload, err := s.encode(key)
	if err != nil {
		return err
	}

	recordKey := recordKeyPrefix + key.KeyID

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, recordKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return fmt.Errorf("read current record: %w", err)
		default:
			var stored struct {
				Version int `json:"version"`
			}
			if err := json.Unmarshal(current, &stored); err != nil {
				return fmt.Errorf("decode current record: %w", err)
			}
			if stored.Version != expectedVersion {
				return ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, payload, 0)
			pipe.SAdd(ctx, userSetPrefix+key.UserID+":"+key.Venue, key.KeyID)
			if !key.ExpiresAt.IsZero() {
				pipe.ZAdd(ctx, expiryZSet, redis.Z{Score: float64(key.ExpiresAt.Unix()), Member: key.KeyID})
			}
			if key.Status == model.KeyStatusRotating && key.Rotation != nil {
				pipe.ZAdd(ctx, graceZSet, redis.Z{Score: float64(key.Rotation.GracePeriodEnds.Unix()), Member: key.KeyID})
			} else {
				pipe.ZRem(ctx, graceZSet, key.KeyID)
			}
			if key.Material != "" {
				pipe.Set(ctx, materialKeyPrefix+materialHash(key.Material), key.KeyID, 0)
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, recordKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func (s *RedisStore) LookupMaterial(ctx context.Context, material string) (string, error) {
	keyID, err := s.client.Get(ctx, materialKeyPrefix+materialHash(material)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup material: %w", err)
	}
	return keyID, nil
}

func (s *RedisStore) KeysFor(ctx context.Context, userID, venue string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, userSetPrefix+userID+":"+venue).Result()
	if err != nil {
		return nil, fmt.Errorf("list user keys: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryZSet, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range expiry index: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) GraceEndedBefore(ctx context.Context, t time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, graceZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range grace index: %w", err)
	}
	return ids, nil
}

// Snapshot writes a rollback copy of the record before a mutation. Backups
// age out on their own.
func (s *RedisStore) Snapshot(ctx context.Context, key *model.APIKey) error {
	payload, err := s.encode(key)
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	return s.client.SetEx(ctx, backupKeyPrefix+key.KeyID+":"+stamp, payload, backupTTL).Err()
}
