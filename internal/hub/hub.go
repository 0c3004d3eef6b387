// Package hub fans price updates out to websocket clients. A single actor
// goroutine owns all subscription state, so no locks are needed: every
// mutation arrives over a channel and is applied in Run's loop.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/pricestore"
)

// commandBuffer sizes the hub's inbound channels. Pumps sending commands may
// briefly block when the buffer fills; the actor loop drains quickly.
const commandBuffer = 64

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdUnregister
	cmdSubscribe
	cmdUnsubscribe
)

// command is one client lifecycle mutation. All commands travel over a
// single channel so a client's register always lands before its unregister,
// whichever goroutine sent each.
type command struct {
	kind   commandKind
	client *Client
	symbol string
}

// Hub routes published price updates to the clients subscribed to each
// symbol. One upstream bridge per symbol is started lazily on the first
// subscription and torn down when the last subscriber leaves.
type Hub struct {
	clients       map[*Client]bool
	subs          map[string]map[*Client]bool
	bridgeCancels map[string]context.CancelFunc

	commands chan command
	deliver  chan delivery

	prices pricestore.Store
	log    *logger.Logger
}

type delivery struct {
	symbol string
	data   []byte
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub(prices pricestore.Store, log *logger.Logger) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subs:          make(map[string]map[*Client]bool),
		bridgeCancels: make(map[string]context.CancelFunc),
		commands:      make(chan command, commandBuffer),
		deliver:       make(chan delivery, commandBuffer),
		prices:        prices,
		log:           log,
	}
}

// Run processes hub commands until ctx is cancelled. All state mutation
// happens here, on this one goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-h.commands:
			switch cmd.kind {
			case cmdRegister:
				h.clients[cmd.client] = true
			case cmdUnregister:
				h.removeClient(cmd.client)
			case cmdSubscribe:
				h.addSubscription(ctx, cmd)
			case cmdUnsubscribe:
				h.removeSubscription(cmd.symbol, cmd.client)
			}

		case d := <-h.deliver:
			h.fanOut(d.symbol, d.data)
		}
	}
}

// addSubscription records the subscription and, on the first subscriber for
// a symbol, starts the upstream bridge.
func (h *Hub) addSubscription(ctx context.Context, cmd command) {
	if _, ok := h.subs[cmd.symbol]; !ok {
		h.subs[cmd.symbol] = make(map[*Client]bool)

		bridgeCtx, cancel := context.WithCancel(ctx)
		h.bridgeCancels[cmd.symbol] = cancel

		go h.runBridge(bridgeCtx, cmd.symbol)
	}

	h.subs[cmd.symbol][cmd.client] = true
}

// removeSubscription drops one client's subscription; the last subscriber
// leaving tears the symbol's bridge down.
func (h *Hub) removeSubscription(symbol string, client *Client) {
	clients, ok := h.subs[symbol]
	if !ok {
		return
	}

	delete(clients, client)

	if len(clients) == 0 {
		if cancel, ok := h.bridgeCancels[symbol]; ok {
			cancel()
			delete(h.bridgeCancels, symbol)
		}

		delete(h.subs, symbol)
	}
}

// removeClient drops the client from every symbol and closes its send
// channel, which terminates its write pump.
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)

	for symbol, clients := range h.subs {
		if clients[client] {
			h.removeSubscription(symbol, client)
		}
	}

	close(client.send)
}

// runBridge forwards one symbol's upstream price messages into the actor
// loop. It exits when its context is cancelled or the upstream closes.
func (h *Hub) runBridge(ctx context.Context, symbol string) {
	ch, err := h.prices.Subscribe(ctx, symbol)
	if err != nil {
		h.log.Error("price subscription failed",
			zap.String("symbol", symbol), zap.Error(err))

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}

			select {
			case h.deliver <- delivery{symbol: symbol, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fanOut delivers data to every subscriber of symbol. Delivery is
// non-blocking: a client whose buffer is full misses the update rather than
// stalling the hub.
func (h *Hub) fanOut(symbol string, data []byte) {
	for client := range h.subs[symbol] {
		select {
		case client.send <- data:
		default:
		}
	}
}
