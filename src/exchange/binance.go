package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradecore/src/model"
)

const (
	defaultBinanceBaseURL        = "https://api.binance.com"
	defaultBinanceTestnetBaseURL = "https://testnet.binance.vision"
	defaultBinanceWSBaseURL      = "wss://stream.binance.com:9443"

	binanceRecvWindowMs = 5000
)

// Binance is the spot REST connector. All signed endpoints resolve
// credentials through the CredentialSource per call, so a rotated key is
// picked up without a restart.
type Binance struct {
	baseURL string
	wsURL   string
	creds   CredentialSource
	http    *resty.Client
	limiter *rate.Limiter
}

type BinanceOption func(*Binance)

func WithBinanceBaseURL(baseURL string) BinanceOption {
	return func(b *Binance) { b.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithBinanceTestnet() BinanceOption {
	return func(b *Binance) { b.baseURL = defaultBinanceTestnetBaseURL }
}

func WithBinanceRateLimit(perMinute int) BinanceOption {
	return func(b *Binance) {
		if perMinute > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/10+1)
		}
	}
}

func NewBinance(creds CredentialSource, opts ...BinanceOption) *Binance {
	b := &Binance{
		baseURL: defaultBinanceBaseURL,
		wsURL:   defaultBinanceWSBaseURL,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(20), 10),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.http = resty.New().
		SetBaseURL(b.baseURL).
		SetTimeout(5 * time.Second).
		SetHeader("Accept", "application/json")

	return b
}

func (b *Binance) Venue() string { return "binance" }

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapBinanceError folds transport and venue failures into the taxonomy.
func mapBinanceError(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Wrap(KindCancelled, op, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Wrap(KindTransient, op, err)
		}
		return Wrap(KindTransient, op, err)
	}

	code := resp.StatusCode()
	if code == 200 {
		return nil
	}

	var apiErr binanceAPIError
	_ = json.Unmarshal(resp.Body(), &apiErr)
	base := fmt.Errorf("HTTP %d code=%d %s", code, apiErr.Code, apiErr.Msg)

	switch {
	case code == 429 || code == 418 || apiErr.Code == -1003:
		retryAfter := time.Duration(0)
		if s := resp.Header().Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return RateLimitedError(op, retryAfter, base)
	case code == 401 || code == 403 || apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
		return Wrap(KindAuthFailed, op, base)
	case apiErr.Code == -2013: // Order does not exist
		return Wrap(KindNotFound, op, base)
	case code >= 500:
		return Wrap(KindTransient, op, base)
	default:
		return Wrap(KindPermanent, op, base)
	}
}

func (b *Binance) wait(ctx context.Context, op string) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return Wrap(KindCancelled, op, err)
	}
	return nil
}

func (b *Binance) sign(ctx context.Context, params url.Values) (apiKey, query string, err error) {
	creds, err := b.creds.Credentials(ctx, b.Venue())
	if err != nil {
		return "", "", Wrap(KindAuthFailed, "binance.sign", err)
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(binanceRecvWindowMs))

	encoded := params.Encode()
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	_, _ = mac.Write([]byte(encoded))

	return creds.APIKey, encoded + "&signature=" + hex.EncodeToString(mac.Sum(nil)), nil
}

func (b *Binance) doPublic(ctx context.Context, op, method, path string, params url.Values, out any) error {
	if err := b.wait(ctx, op); err != nil {
		return err
	}

	req := b.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryString(params.Encode())
	}

	resp, err := req.Execute(method, path)
	if mapped := mapBinanceError(op, resp, err); mapped != nil {
		return mapped
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return Wrap(KindUnknown, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (b *Binance) doSigned(ctx context.Context, op, method, path string, params url.Values, out any) error {
	if err := b.wait(ctx, op); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}

	apiKey, query, err := b.sign(ctx, params)
	if err != nil {
		return err
	}

	resp, err := b.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", apiKey).
		SetQueryString(query).
		Execute(method, path)
	if mapped := mapBinanceError(op, resp, err); mapped != nil {
		return mapped
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return Wrap(KindUnknown, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

type binanceTicker24h struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
	Last     string `json:"lastPrice"`
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	const op = "binance.GetTicker"

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))

	var raw binanceTicker24h
	if err := b.doPublic(ctx, op, "GET", "/api/v3/ticker/24hr", params, &raw); err != nil {
		return model.Ticker{}, err
	}

	return model.Ticker{
		Symbol: raw.Symbol,
		Bid:    parseFloat(raw.BidPrice),
		Ask:    parseFloat(raw.AskPrice),
		Last:   parseFloat(raw.Last),
		Raw:    map[string]any{"ticker24h": raw},
	}, nil
}

type binanceOrderResponse struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func (b *Binance) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error) {
	const op = "binance.PlaceOrder"

	if req.Amount <= 0 {
		return model.OrderStatus{}, E(KindPermanent, op, "amount must be positive")
	}
	if req.Type == model.OrderTypeLimit && req.Price == nil {
		return model.OrderStatus{}, E(KindPermanent, op, "limit order requires a price")
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", strings.ToUpper(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	params.Set("newOrderRespType", "FULL")
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.Type == model.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(*req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}

	var raw binanceOrderResponse
	if err := b.doSigned(ctx, op, "POST", "/api/v3/order", params, &raw); err != nil {
		return model.OrderStatus{}, err
	}

	logger.WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"order_id": raw.OrderID,
		"status":   raw.Status,
	}).Debug("binance order placed")

	return b.toOrderStatus(raw), nil
}

func (b *Binance) toOrderStatus(raw binanceOrderResponse) model.OrderStatus {
	filled := parseFloat(raw.ExecutedQty)
	avg := 0.0
	fee := 0.0
	if len(raw.Fills) > 0 {
		var qty, notional float64
		for _, f := range raw.Fills {
			q := parseFloat(f.Qty)
			qty += q
			notional += q * parseFloat(f.Price)
			fee += parseFloat(f.Commission)
		}
		if qty > 0 {
			avg = notional / qty
		}
	} else if filled > 0 {
		if quote := parseFloat(raw.CummulativeQuoteQty); quote > 0 {
			avg = quote / filled
		}
	}

	return model.OrderStatus{
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		State:           mapBinanceOrderState(raw.Status),
		FilledAmount:    filled,
		AvgFillPrice:    avg,
		Fee:             fee,
		Raw:             map[string]any{"order": raw},
	}
}

func mapBinanceOrderState(status string) string {
	switch status {
	case "NEW":
		return model.OrderStateOpen
	case "PARTIALLY_FILLED":
		return model.OrderStatePartiallyFilled
	case "FILLED":
		return model.OrderStateFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderStateCanceled
	case "REJECTED":
		return model.OrderStateRejected
	case "PENDING_NEW":
		return model.OrderStatePending
	default:
		return model.OrderStateUnknown
	}
}

func (b *Binance) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	const op = "binance.CancelOrder"

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	return b.doSigned(ctx, op, "DELETE", "/api/v3/order", params, nil)
}

func (b *Binance) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (model.OrderStatus, error) {
	const op = "binance.GetOrderStatus"

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	var raw binanceOrderResponse
	if err := b.doSigned(ctx, op, "GET", "/api/v3/order", params, &raw); err != nil {
		return model.OrderStatus{}, err
	}
	return b.toOrderStatus(raw), nil
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (b *Binance) GetBalance(ctx context.Context, currency string) ([]model.Balance, error) {
	const op = "binance.GetBalance"

	var raw binanceAccount
	if err := b.doSigned(ctx, op, "GET", "/api/v3/account", nil, &raw); err != nil {
		return nil, err
	}

	currency = strings.ToUpper(currency)
	var out []model.Balance
	for _, bal := range raw.Balances {
		if currency != "" && bal.Asset != currency {
			continue
		}
		free := parseFloat(bal.Free)
		locked := parseFloat(bal.Locked)
		if currency == "" && free == 0 && locked == 0 {
			continue
		}
		out = append(out, model.Balance{Currency: bal.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderStatus, error) {
	const op = "binance.GetOpenOrders"

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", NormalizeSymbol(symbol))
	}

	var raw []binanceOrderResponse
	if err := b.doSigned(ctx, op, "GET", "/api/v3/openOrders", params, &raw); err != nil {
		return nil, err
	}

	out := make([]model.OrderStatus, 0, len(raw))
	for _, o := range raw {
		out = append(out, b.toOrderStatus(o))
	}
	return out, nil
}

func (b *Binance) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	const op = "binance.GetKlines"

	if limit <= 0 {
		limit = 100
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("interval", NormalizeTimeframe(timeframe))
	params.Set("limit", strconv.Itoa(limit))

	var rows [][]any
	if err := b.doPublic(ctx, op, "GET", "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}

	bars := make([]model.Bar, 0, len(rows))
	for _, row := range rows {
		// [openTime, open, high, low, close, volume, closeTime, ...]
		if len(row) < 6 {
			continue
		}
		ts, ok := row[0].(float64)
		if !ok {
			continue
		}
		bars = append(bars, model.Bar{
			Venue:     b.Venue(),
			Symbol:    NormalizeSymbol(symbol),
			Timeframe: NormalizeTimeframe(timeframe),
			TsMs:      int64(ts),
			Open:      parseFloat(anyString(row[1])),
			High:      parseFloat(anyString(row[2])),
			Low:       parseFloat(anyString(row[3])),
			Close:     parseFloat(anyString(row[4])),
			Volume:    parseFloat(anyString(row[5])),
			Closed:    true,
		})
	}
	return bars, nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func anyString(v any) string {
	s, _ := v.(string)
	return s
}
