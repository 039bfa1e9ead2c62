package keymanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/model"
)

func TestRedisStoreGetDecryptsMaterial(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cipher, err := NewCipher("platform-secret", "salt")
	require.NoError(t, err)
	store := NewRedisStoreWithClient(client, cipher)

	sealed, err := cipher.Encrypt("pub-abc:sec-def")
	require.NoError(t, err)
	record := model.APIKey{
		KeyID:    "k1",
		UserID:   "u1",
		Venue:    "binance",
		Material: sealed,
		Status:   model.KeyStatusActive,
		Version:  1,
	}
	payload, err := json.Marshal(&record)
	require.NoError(t, err)

	mock.ExpectGet("apikey:k1").SetVal(string(payload))

	got, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "pub-abc:sec-def", got.Material)
	assert.Equal(t, model.KeyStatusActive, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreGetMissing(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(client, nil)

	mock.ExpectGet("apikey:absent").RedisNil()

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreLookupMaterial(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(client, nil)

	mock.ExpectGet("apikey:mat:" + materialHash("material-1")).SetVal("k1")

	keyID, err := store.LookupMaterial(context.Background(), "material-1")
	require.NoError(t, err)
	assert.Equal(t, "k1", keyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreExpiringBetween(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(client, nil)

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(14 * 24 * time.Hour)
	mock.ExpectZRangeByScore(expiryZSet, &redis.ZRangeBy{
		Min: "1748736000",
		Max: "1749945600",
	}).SetVal([]string{"k1", "k2"})

	ids, err := store.ExpiringBetween(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
