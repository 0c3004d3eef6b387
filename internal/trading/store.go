package trading

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade-lab/papertrade/internal/types"
)

// Store opens portfolio-scoped transactions for the execution engine.
// Implementations: Postgres (production) and in-memory (tests, local mode).
type Store interface {
	// ExecuteTx runs fn inside one transaction. A non-nil error from fn
	// rolls everything back; otherwise the transaction commits. No partial
	// mutation is ever observable outside the transaction.
	ExecuteTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of reads and writes available inside one execution
// transaction. GetPortfolioForUpdate must be called first: it takes the
// exclusive portfolio lock that serializes concurrent executions against
// the same portfolio.
type Tx interface {
	// GetPortfolioForUpdate loads the portfolio and acquires an exclusive
	// lock on it for the remainder of the transaction.
	GetPortfolioForUpdate(ctx context.Context, id uuid.UUID) (*types.Portfolio, error)
	// GetPosition returns the portfolio's position for symbol, or
	// (nil, nil) when none exists.
	GetPosition(ctx context.Context, portfolioID uuid.UUID, symbol string) (*types.Position, error)
	// CreateOrder persists a new order row and fills in its timestamps.
	CreateOrder(ctx context.Context, order *types.Order) error
	// MarkOrderFilled transitions an order to its terminal filled state.
	MarkOrderFilled(ctx context.Context, id uuid.UUID, fillPrice, filledQty float64, filledAt time.Time) error
	// UpsertPosition adds quantity at price to the portfolio's position for
	// symbol, creating it if absent and recomputing the weighted-average
	// cost if present.
	UpsertPosition(ctx context.Context, portfolioID uuid.UUID, symbol string, quantity, price float64) error
	// SetPositionQuantity overwrites the position's quantity. AvgCost is
	// untouched.
	SetPositionQuantity(ctx context.Context, portfolioID uuid.UUID, symbol string, quantity float64) error
	// DeletePosition removes the position row. Positions never persist
	// with quantity zero.
	DeletePosition(ctx context.Context, portfolioID uuid.UUID, symbol string) error
	// SetCashBalance overwrites the portfolio's cash balance.
	SetCashBalance(ctx context.Context, portfolioID uuid.UUID, balance float64) error
	// InsertLedgerEntry appends one audit ledger entry.
	InsertLedgerEntry(ctx context.Context, entry *types.LedgerEntry) error
}
