package types

import "time"

// PriceTick is one timestamped price/size observation for a symbol.
// Ticks are ephemeral: cached with a TTL and fanned out to subscribers,
// never persisted long-term.
type PriceTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}
