// Package ingest maintains the upstream market data connection. It speaks
// the Alpaca-style stream protocol: greeting, auth, subscribe, then a stream
// of trade frames that get published into the price store.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/pricestore"
	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// readDeadline is the rolling per-read deadline during streaming. The feed
// is expected to deliver at least heartbeat traffic well inside this window.
const readDeadline = 90 * time.Second

// DefaultSymbols are subscribed when the configuration names none.
var DefaultSymbols = []string{"AAPL", "TSLA", "MSFT", "NVDA", "SPY"}

// Client ingests trades from the upstream feed and publishes them to the
// price store. Run reconnects forever with exponential backoff.
type Client struct {
	url     string
	key     string
	secret  string
	symbols []string
	prices  pricestore.Store
	log     *logger.Logger
}

// NewClient creates an ingestion client for the feed at url.
func NewClient(url, key, secret string, symbols []string, prices pricestore.Store, log *logger.Logger) *Client {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}

	return &Client{
		url:     url,
		key:     key,
		secret:  secret,
		symbols: symbols,
		prices:  prices,
		log:     log,
	}
}

// feedFrame is one element of the feed's JSON array messages. The feed
// multiplexes trades, control and error frames through the same shape.
type feedFrame struct {
	T  string  `json:"T"`
	S  string  `json:"S"`
	P  float64 `json:"p"`
	Sz float64 `json:"s"`
	Ts string  `json:"t"`
}

// newReconnectBackoff returns the session retry schedule: 1s doubling up to
// a 60s ceiling, no jitter.
func newReconnectBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
	}
}

// Run maintains the feed connection until ctx is cancelled. Each session
// failure waits out an exponential backoff; reaching the subscribed state
// resets it, so a healthy feed always reconnects after the minimum delay.
func (c *Client) Run(ctx context.Context) {
	b := newReconnectBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runSession(ctx, b)
		if err == nil {
			// Session ended by ctx cancellation.
			return
		}

		delay := b.Duration()
		c.log.Error("feed session ended",
			zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runSession runs one connect-auth-subscribe-stream cycle. It returns nil
// only when ctx ends the session; every other exit is an error that the
// caller backs off on.
func (c *Client) runSession(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFeedDisconnected, "failed to dial feed", err)
	}

	defer func() {
		conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	// Cancellation must unblock a read in flight, not wait out its deadline.
	watchDone := make(chan struct{})
	defer close(watchDone)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	// The feed greets on connect before accepting auth.
	if _, _, err := conn.ReadMessage(); err != nil {
		return errors.Wrap(errors.ErrCodeFeedDisconnected, "failed to read greeting", err)
	}

	if err := c.authenticate(conn); err != nil {
		return err
	}

	if err := c.subscribeSymbols(conn); err != nil {
		return err
	}

	c.log.Info("feed connected and subscribed", zap.Strings("symbols", c.symbols))
	b.Reset()

	return c.streamTrades(ctx, conn)
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	authMsg, err := json.Marshal(map[string]string{
		"action": "auth",
		"key":    c.key,
		"secret": c.secret,
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to marshal auth message", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, authMsg); err != nil {
		return errors.Wrap(errors.ErrCodeFeedDisconnected, "failed to send auth", err)
	}

	_, resp, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(errors.ErrCodeFeedDisconnected, "failed to read auth response", err)
	}

	var frames []feedFrame
	if err := json.Unmarshal(resp, &frames); err != nil {
		return errors.Wrap(errors.ErrCodeFeedAuthFailed, "malformed auth response", err)
	}

	if len(frames) == 0 || frames[0].T != "success" {
		return errors.Newf(errors.ErrCodeFeedAuthFailed, "feed rejected credentials: %s", string(resp))
	}

	return nil
}

func (c *Client) subscribeSymbols(conn *websocket.Conn) error {
	subMsg, err := json.Marshal(map[string]any{
		"action": "subscribe",
		"trades": c.symbols,
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to marshal subscribe message", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, subMsg); err != nil {
		return errors.Wrap(errors.ErrCodeFeedDisconnected, "failed to send subscribe", err)
	}

	// Subscription ack.
	if _, _, err := conn.ReadMessage(); err != nil {
		return errors.Wrap(errors.ErrCodeFeedDisconnected, "failed to read subscribe ack", err)
	}

	return nil
}

// streamTrades reads frames until ctx is cancelled or a read fails. Each
// read refreshes the deadline, so a silent feed eventually errors out and
// triggers a reconnect.
func (c *Client) streamTrades(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline)) //nolint:errcheck

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(errors.ErrCodeFeedDisconnected, "feed read failed", err)
		}

		var frames []feedFrame
		if err := json.Unmarshal(data, &frames); err != nil {
			// Non-array control traffic. Skip.
			continue
		}

		for _, frame := range frames {
			if frame.T != "t" {
				continue
			}

			ts, err := time.Parse(time.RFC3339Nano, frame.Ts)
			if err != nil {
				ts = time.Now()
			}

			tick := types.PriceTick{
				Symbol:    frame.S,
				Price:     frame.P,
				Size:      frame.Sz,
				Timestamp: ts,
			}

			if err := c.prices.Publish(ctx, tick); err != nil {
				c.log.Error("failed to publish tick",
					zap.String("symbol", tick.Symbol), zap.Error(err))
			}
		}
	}
}
