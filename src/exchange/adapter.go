package exchange

import (
	"context"

	"tradecore/src/model"
)

// Adapter is the venue-agnostic capability set every connector implements.
// All calls honor ctx cancellation and map venue failures into the Kind
// taxonomy. PlaceOrder is not idempotent here; the reliable executor layers
// client-id deduplication on top.
type Adapter interface {
	Venue() string

	GetTicker(ctx context.Context, symbol string) (model.Ticker, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error
	GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (model.OrderStatus, error)
	GetBalance(ctx context.Context, currency string) ([]model.Balance, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderStatus, error)

	// GetKlines returns up to limit historical closed bars, oldest first.
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error)

	// SubscribeKlines streams bars until ctx is cancelled or the transport
	// drops; the channel is closed either way. Resubscribing after a drop is
	// the ingestor's job, which keeps reconnect backoff policy in one place.
	SubscribeKlines(ctx context.Context, symbol, timeframe string) (<-chan model.Bar, error)
}

// Credentials is the decrypted material a connector signs requests with.
type Credentials struct {
	APIKey    string
	APISecret string
}

// CredentialSource resolves the current signing credentials for a venue.
// The key manager implements this; rotation makes the result change between
// calls, so connectors must resolve per request batch, not cache forever.
type CredentialSource interface {
	Credentials(ctx context.Context, venue string) (Credentials, error)
}

// StaticCredentials is a CredentialSource for fixed key material (testnet
// runs and tests).
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(_ context.Context, _ string) (Credentials, error) {
	return Credentials(s), nil
}
