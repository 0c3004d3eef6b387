package types

import (
	"time"

	"github.com/google/uuid"
)

type EntryType string

const (
	EntryTypeDeposit    EntryType = "deposit"
	EntryTypeWithdrawal EntryType = "withdrawal"
	EntryTypeTradeBuy   EntryType = "trade_buy"
	EntryTypeTradeSell  EntryType = "trade_sell"
	EntryTypeFee        EntryType = "fee"
)

// User is an account that owns exactly one portfolio.
type User struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	Email        string    `db:"email"         json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}

// Portfolio holds a user's cash. CashBalance never goes below zero; the
// execution engine checks affordability before committing a buy and the
// portfolio row is the serialization point for all order execution.
type Portfolio struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	UserID      uuid.UUID `db:"user_id"      json:"user_id"`
	Name        string    `db:"name"         json:"name"`
	CashBalance float64   `db:"cash_balance" json:"cash_balance"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// Position is a holding of one symbol. Quantity is always > 0: a position
// reduced to zero is deleted, not stored. AvgCost is a weighted average
// recomputed on every buy and untouched by sells.
type Position struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	PortfolioID uuid.UUID `db:"portfolio_id" json:"portfolio_id"`
	Symbol      string    `db:"symbol"       json:"symbol"`
	Quantity    float64   `db:"quantity"     json:"quantity"`
	AvgCost     float64   `db:"avg_cost"     json:"avg_cost"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// LedgerEntry is one append-only, balance-affecting event. The sum of Amount
// over a portfolio's entries reconciles to its current cash balance.
type LedgerEntry struct {
	ID           int64      `db:"id"            json:"id"`
	PortfolioID  uuid.UUID  `db:"portfolio_id"  json:"portfolio_id"`
	OrderID      *uuid.UUID `db:"order_id"      json:"order_id,omitempty"`
	EntryType    EntryType  `db:"entry_type"    json:"entry_type"`
	Amount       float64    `db:"amount"        json:"amount"`
	BalanceAfter float64    `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}
