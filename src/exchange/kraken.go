package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradecore/src/model"
)

// Kraken Futures REST: /derivatives + /api/v3, charts under /api/charts/v1.
const (
	defaultKrakenBaseURL   = "https://futures.kraken.com/derivatives"
	defaultKrakenChartsURL = "https://futures.kraken.com/api/charts/v1"
	krakenAPIV3Prefix      = "/api/v3"
)

// Kraken is the futures REST connector. Klines are served by polling the
// charts endpoint since Kraken's public websocket does not carry the
// timeframes we normalize to.
type Kraken struct {
	baseURL   string
	chartsURL string
	creds     CredentialSource
	http      *resty.Client
	charts    *resty.Client
	limiter   *rate.Limiter
}

type KrakenOption func(*Kraken)

func WithKrakenBaseURL(baseURL string) KrakenOption {
	return func(k *Kraken) { k.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithKrakenRateLimit(perMinute int) KrakenOption {
	return func(k *Kraken) {
		if perMinute > 0 {
			k.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/10+1)
		}
	}
}

func NewKraken(creds CredentialSource, opts ...KrakenOption) *Kraken {
	k := &Kraken{
		baseURL:   defaultKrakenBaseURL,
		chartsURL: defaultKrakenChartsURL,
		creds:     creds,
		limiter:   rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(k)
	}

	k.http = resty.New().
		SetBaseURL(k.baseURL).
		SetTimeout(5 * time.Second).
		SetHeader("Accept", "application/json")
	k.charts = resty.New().
		SetBaseURL(k.chartsURL).
		SetTimeout(5 * time.Second).
		SetHeader("Accept", "application/json")

	return k
}

func (k *Kraken) Venue() string { return "kraken" }

// Authent per Kraken Futures docs:
// base64(hmac-sha512(base64decode(secret), sha256(postData + nonce + endpointPath))).
func krakenAuthent(postData, nonce, endpointPath, apiSecretB64 string) (string, error) {
	sum := sha256.Sum256([]byte(postData + nonce + endpointPath))

	secret, err := base64.StdEncoding.DecodeString(apiSecretB64)
	if err != nil {
		return "", fmt.Errorf("base64 decode api secret: %w", err)
	}

	mac := hmac.New(sha512.New, secret)
	_, _ = mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Sign exactly what is sent: spaces as %20, keys and values sorted.
func krakenEncodeValues(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := v[key]
		sort.Strings(vals)
		ek := strings.ReplaceAll(url.QueryEscape(key), "+", "%20")
		for _, val := range vals {
			parts = append(parts, ek+"="+strings.ReplaceAll(url.QueryEscape(val), "+", "%20"))
		}
	}
	return strings.Join(parts, "&")
}

type krakenBaseResp struct {
	Result string   `json:"result"`
	Error  string   `json:"error,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func mapKrakenError(op string, resp *resty.Response, err error, venueErr string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Wrap(KindCancelled, op, err)
		}
		return Wrap(KindTransient, op, err)
	}

	if resp != nil && resp.StatusCode() != 200 {
		code := resp.StatusCode()
		base := fmt.Errorf("HTTP %d: %s", code, resp.String())
		switch {
		case code == 429:
			return RateLimitedError(op, 0, base)
		case code == 401 || code == 403:
			return Wrap(KindAuthFailed, op, base)
		case code >= 500:
			return Wrap(KindTransient, op, base)
		default:
			return Wrap(KindPermanent, op, base)
		}
	}

	if venueErr == "" {
		return nil
	}

	base := fmt.Errorf("kraken futures error: %s", venueErr)
	switch {
	case strings.Contains(venueErr, "apiLimitExceeded"):
		return RateLimitedError(op, 0, base)
	case strings.Contains(venueErr, "authenticationError"),
		strings.Contains(venueErr, "invalidApiKey"),
		strings.Contains(venueErr, "nonceBelowThreshold"):
		return Wrap(KindAuthFailed, op, base)
	case strings.Contains(venueErr, "orderNotFound"):
		return Wrap(KindNotFound, op, base)
	default:
		return Wrap(KindPermanent, op, base)
	}
}

func (k *Kraken) doRequest(ctx context.Context, op, method, endpoint string, params url.Values, auth bool, out any) error {
	if k.limiter != nil {
		if err := k.limiter.Wait(ctx); err != nil {
			return Wrap(KindCancelled, op, err)
		}
	}

	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	httpPath := krakenAPIV3Prefix + endpoint
	postData := krakenEncodeValues(params)

	req := k.http.R().SetContext(ctx)

	if auth {
		creds, err := k.creds.Credentials(ctx, k.Venue())
		if err != nil {
			return Wrap(KindAuthFailed, op, err)
		}

		nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
		authent, err := krakenAuthent(postData, nonce, httpPath, creds.APISecret)
		if err != nil {
			return Wrap(KindAuthFailed, op, err)
		}

		req = req.
			SetHeader("APIKey", creds.APIKey).
			SetHeader("Nonce", nonce).
			SetHeader("Authent", authent)
	}

	if postData != "" {
		req = req.SetQueryString(postData)
	}

	resp, err := req.Execute(method, httpPath)
	if mapped := mapKrakenError(op, resp, err, ""); mapped != nil {
		return mapped
	}

	raw := resp.Body()

	// Kraken returns HTTP 200 with {result:"error", error:"..."} on failures.
	var base krakenBaseResp
	if err := json.Unmarshal(raw, &base); err != nil {
		return Wrap(KindUnknown, op, fmt.Errorf("decode response: %w", err))
	}
	if strings.EqualFold(base.Result, "error") {
		msg := base.Error
		if msg == "" && len(base.Errors) > 0 {
			msg = strings.Join(base.Errors, "; ")
		}
		return mapKrakenError(op, nil, nil, msg)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Wrap(KindUnknown, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

type krakenTickerResp struct {
	Ticker struct {
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Last float64 `json:"last"`
	} `json:"ticker"`
}

func (k *Kraken) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	const op = "kraken.GetTicker"

	var raw krakenTickerResp
	if err := k.doRequest(ctx, op, "GET", "/tickers/"+krakenSymbol(symbol), nil, false, &raw); err != nil {
		return model.Ticker{}, err
	}

	return model.Ticker{
		Symbol: NormalizeSymbol(symbol),
		Bid:    raw.Ticker.Bid,
		Ask:    raw.Ticker.Ask,
		Last:   raw.Ticker.Last,
		Raw:    map[string]any{"ticker": raw.Ticker},
	}, nil
}

type krakenSendOrderResp struct {
	SendStatus struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"sendStatus"`
}

func (k *Kraken) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error) {
	const op = "kraken.PlaceOrder"

	if req.Amount <= 0 {
		return model.OrderStatus{}, E(KindPermanent, op, "amount must be positive")
	}

	ordType := "mkt"
	params := url.Values{}
	params.Set("symbol", krakenSymbol(req.Symbol))
	params.Set("side", strings.ToLower(req.Side))
	params.Set("size", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	if req.Type == model.OrderTypeLimit {
		if req.Price == nil {
			return model.OrderStatus{}, E(KindPermanent, op, "limit order requires a price")
		}
		ordType = "lmt"
		params.Set("limitPrice", strconv.FormatFloat(*req.Price, 'f', -1, 64))
	}
	params.Set("orderType", ordType)
	if req.ClientID != "" {
		params.Set("cliOrdId", req.ClientID)
	}

	var raw krakenSendOrderResp
	if err := k.doRequest(ctx, op, "POST", "/sendorder", params, true, &raw); err != nil {
		return model.OrderStatus{}, err
	}

	logger.WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"order_id": raw.SendStatus.OrderID,
		"status":   raw.SendStatus.Status,
	}).Debug("kraken order placed")

	state := model.OrderStateOpen
	switch raw.SendStatus.Status {
	case "placed":
		state = model.OrderStateOpen
	case "cancelled":
		state = model.OrderStateCanceled
	case "rejected", "insufficientAvailableFunds", "wouldCauseLiquidation":
		state = model.OrderStateRejected
	default:
		state = model.OrderStateUnknown
	}

	return model.OrderStatus{
		ExchangeOrderID: raw.SendStatus.OrderID,
		State:           state,
		Raw:             map[string]any{"sendStatus": raw.SendStatus},
	}, nil
}

func (k *Kraken) CancelOrder(ctx context.Context, exchangeOrderID, _ string) error {
	const op = "kraken.CancelOrder"

	params := url.Values{}
	params.Set("order_id", exchangeOrderID)
	return k.doRequest(ctx, op, "POST", "/cancelorder", params, true, nil)
}

type krakenOrderStatusResp struct {
	Orders []struct {
		Order struct {
			OrderID   string  `json:"orderId"`
			Filled    float64 `json:"filled"`
			LimitPric float64 `json:"limitPrice"`
		} `json:"order"`
		Status string `json:"status"`
	} `json:"orders"`
}

func (k *Kraken) GetOrderStatus(ctx context.Context, exchangeOrderID, _ string) (model.OrderStatus, error) {
	const op = "kraken.GetOrderStatus"

	params := url.Values{}
	params.Set("orderIds", exchangeOrderID)

	var raw krakenOrderStatusResp
	if err := k.doRequest(ctx, op, "POST", "/orders/status", params, true, &raw); err != nil {
		return model.OrderStatus{}, err
	}
	if len(raw.Orders) == 0 {
		return model.OrderStatus{}, E(KindNotFound, op, "order %s not found", exchangeOrderID)
	}

	o := raw.Orders[0]
	state := model.OrderStateUnknown
	switch o.Status {
	case "ENTERED_BOOK", "UNTOUCHED":
		state = model.OrderStateOpen
	case "PARTIALLY_FILLED":
		state = model.OrderStatePartiallyFilled
	case "FULLY_EXECUTED", "FILLED":
		state = model.OrderStateFilled
	case "CANCELLED", "CANCELED":
		state = model.OrderStateCanceled
	case "REJECTED":
		state = model.OrderStateRejected
	}

	return model.OrderStatus{
		ExchangeOrderID: o.Order.OrderID,
		State:           state,
		FilledAmount:    o.Order.Filled,
		AvgFillPrice:    o.Order.LimitPric,
		Raw:             map[string]any{"order": o},
	}, nil
}

type krakenAccountsResp struct {
	Accounts map[string]struct {
		Currency string             `json:"currency"`
		Balances map[string]float64 `json:"balances"`
		Auxiliary struct {
			AvailableFunds float64 `json:"af"`
		} `json:"auxiliary"`
	} `json:"accounts"`
}

func (k *Kraken) GetBalance(ctx context.Context, currency string) ([]model.Balance, error) {
	const op = "kraken.GetBalance"

	var raw krakenAccountsResp
	if err := k.doRequest(ctx, op, "GET", "/accounts", nil, true, &raw); err != nil {
		return nil, err
	}

	currency = strings.ToUpper(currency)
	var out []model.Balance
	for _, acct := range raw.Accounts {
		for cur, bal := range acct.Balances {
			cur = strings.ToUpper(cur)
			if currency != "" && cur != currency {
				continue
			}
			out = append(out, model.Balance{Currency: cur, Free: bal})
		}
	}
	return out, nil
}

type krakenOpenOrdersResp struct {
	OpenOrders []struct {
		OrderID      string  `json:"order_id"`
		Symbol       string  `json:"symbol"`
		Side         string  `json:"side"`
		FilledSize   float64 `json:"filledSize"`
		UnfilledSize float64 `json:"unfilledSize"`
		LimitPrice   float64 `json:"limitPrice"`
	} `json:"openOrders"`
}

func (k *Kraken) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderStatus, error) {
	const op = "kraken.GetOpenOrders"

	var raw krakenOpenOrdersResp
	if err := k.doRequest(ctx, op, "GET", "/openorders", nil, true, &raw); err != nil {
		return nil, err
	}

	want := NormalizeSymbol(symbol)
	var out []model.OrderStatus
	for _, o := range raw.OpenOrders {
		if symbol != "" && NormalizeSymbol(o.Symbol) != want {
			continue
		}
		state := model.OrderStateOpen
		if o.FilledSize > 0 {
			state = model.OrderStatePartiallyFilled
		}
		out = append(out, model.OrderStatus{
			ExchangeOrderID: o.OrderID,
			State:           state,
			FilledAmount:    o.FilledSize,
			AvgFillPrice:    o.LimitPrice,
			Raw:             map[string]any{"openOrder": o},
		})
	}
	return out, nil
}

type krakenCandlesResp struct {
	Candles []struct {
		Time   int64  `json:"time"`
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

func (k *Kraken) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	const op = "kraken.GetKlines"

	if limit <= 0 {
		limit = 100
	}
	tf := NormalizeTimeframe(timeframe)

	resp, err := k.charts.R().
		SetContext(ctx).
		Get("/trade/" + krakenSymbol(symbol) + "/" + tf)
	if mapped := mapKrakenError(op, resp, err, ""); mapped != nil {
		return nil, mapped
	}

	var raw krakenCandlesResp
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, Wrap(KindUnknown, op, fmt.Errorf("decode response: %w", err))
	}

	candles := raw.Candles
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	bars := make([]model.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, model.Bar{
			Venue:     k.Venue(),
			Symbol:    NormalizeSymbol(symbol),
			Timeframe: tf,
			TsMs:      c.Time,
			Open:      parseFloat(c.Open),
			High:      parseFloat(c.High),
			Low:       parseFloat(c.Low),
			Close:     parseFloat(c.Close),
			Volume:    parseFloat(c.Volume),
			Closed:    true,
		})
	}
	return bars, nil
}

// SubscribeKlines polls the charts endpoint once per timeframe tick and
// emits bars newer than the last seen timestamp.
func (k *Kraken) SubscribeKlines(ctx context.Context, symbol, timeframe string) (<-chan model.Bar, error) {
	tf := NormalizeTimeframe(timeframe)
	interval := TimeframeDuration(tf)

	out := make(chan model.Bar, 128)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastTs int64
		for {
			bars, err := k.GetKlines(ctx, symbol, tf, 3)
			if err != nil {
				if IsKind(err, KindCancelled) {
					return
				}
				logger.WithError(err).WithField("symbol", symbol).Warn("kraken kline poll failed")
			}
			for _, bar := range bars {
				if bar.TsMs <= lastTs {
					continue
				}
				lastTs = bar.TsMs
				select {
				case out <- bar:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

// krakenSymbol maps the internal symbol to Kraken's perpetual naming,
// e.g. BTCUSDT -> PF_XBTUSD is left to configuration; here we only uppercase.
func krakenSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
