// Package pricestore caches the last known price per symbol with a freshness
// TTL and fans published ticks out to symbol-scoped subscribers. It bridges
// the market-data ingestion client to both the execution engine (pull) and
// the websocket hub (push).
package pricestore

import (
	"context"
	"time"

	"github.com/papertrade-lab/papertrade/internal/types"
)

// TTL after which a cached last price is considered stale and self-expires.
const LastPriceTTL = 60 * time.Second

// Store is the price cache and pub/sub contract.
type Store interface {
	// Publish caches tick as the symbol's last price (with TTL) and
	// broadcasts it to live subscribers, as one unit from the caller's
	// perspective.
	Publish(ctx context.Context, tick types.PriceTick) error
	// GetLastPrice returns the most recent tick for symbol, or (nil, nil)
	// when no fresh quote exists. Absence is not an error: callers must
	// distinguish "no current quote" from a transport failure.
	GetLastPrice(ctx context.Context, symbol string) (*types.PriceTick, error)
	// Subscribe returns a stream of raw tick payloads for symbol. The
	// stream closes when ctx is cancelled, which also unsubscribes.
	Subscribe(ctx context.Context, symbol string) (<-chan []byte, error)
}

func lastPriceKey(symbol string) string {
	return "last_price:" + symbol
}

func channelName(symbol string) string {
	return "prices." + symbol
}
