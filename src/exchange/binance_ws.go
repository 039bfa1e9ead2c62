package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/model"
)

const (
	binancePongWait     = 60 * time.Second
	binancePingInterval = 30 * time.Second
)

type binanceKlineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// SubscribeKlines opens one websocket per stream and forwards parsed bars.
// The channel closes on ctx cancellation or transport failure.
func (b *Binance) SubscribeKlines(ctx context.Context, symbol, timeframe string) (<-chan model.Bar, error) {
	const op = "binance.SubscribeKlines"

	sym := NormalizeSymbol(symbol)
	tf := NormalizeTimeframe(timeframe)
	streamURL := fmt.Sprintf("%s/ws/%s@kline_%s", b.wsURL, strings.ToLower(sym), tf)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Wrap(KindCancelled, op, ctx.Err())
		}
		return nil, Wrap(KindTransient, op, err)
	}

	out := make(chan model.Bar, 128)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(binancePongWait))
	})

	// Writer side: keepalive pings plus closing the socket on ctx done so
	// the blocked ReadMessage below unblocks promptly.
	go func() {
		ticker := time.NewTicker(binancePingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(binancePongWait))
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.WithError(err).WithField("stream", streamURL).Warn("binance kline socket closed")
				}
				return
			}

			var event binanceKlineEvent
			if err := json.Unmarshal(payload, &event); err != nil || event.EventType != "kline" {
				continue
			}

			bar := model.Bar{
				Venue:     b.Venue(),
				Symbol:    NormalizeSymbol(event.Symbol),
				Timeframe: NormalizeTimeframe(event.Kline.Interval),
				TsMs:      event.Kline.OpenTime,
				Open:      parseFloat(event.Kline.Open),
				High:      parseFloat(event.Kline.High),
				Low:       parseFloat(event.Kline.Low),
				Close:     parseFloat(event.Kline.Close),
				Volume:    parseFloat(event.Kline.Volume),
				Closed:    event.Kline.Closed,
			}

			select {
			case out <- bar:
			case <-ctx.Done():
				return
			default:
				// Consumer stalled; the ingestor's per-subscriber buffers do
				// the accounted dropping, here we just shed the update.
				logger.WithField("stream", streamURL).Warn("kline buffer full, shedding update")
			}
		}
	}()

	return out, nil
}
