// Package memory is an in-memory implementation of the trading store. A
// per-portfolio mutex stands in for the database row lock, giving the same
// serialization guarantee as SELECT ... FOR UPDATE. Used by the engine tests
// and as a no-Postgres development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade-lab/papertrade/internal/trading"
	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// Store holds all state behind a single mutex; transactions stage their
// writes and apply them atomically on commit.
type Store struct {
	mu         sync.Mutex
	portfolios map[uuid.UUID]*types.Portfolio
	positions  map[uuid.UUID]map[string]*types.Position
	orders     map[uuid.UUID]*types.Order
	ledger     []*types.LedgerEntry
	ledgerSeq  int64

	// rowLocks serialize transactions per portfolio, mirroring the
	// exclusive row lock the Postgres store takes.
	rowLocks map[uuid.UUID]*sync.Mutex
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		portfolios: make(map[uuid.UUID]*types.Portfolio),
		positions:  make(map[uuid.UUID]map[string]*types.Position),
		orders:     make(map[uuid.UUID]*types.Order),
		rowLocks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// ExecuteTx implements trading.Store. Writes staged by fn are applied only
// when fn returns nil; any acquired portfolio locks are released afterwards.
func (s *Store) ExecuteTx(ctx context.Context, fn func(tx trading.Tx) error) error {
	memTx := &memoryTx{store: s}
	defer memTx.release()

	if err := fn(memTx); err != nil {
		return err
	}

	memTx.commit()

	return nil
}

type memoryTx struct {
	store *Store
	locks []*sync.Mutex
	ops   []func(s *Store)
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for _, op := range tx.ops {
		op(tx.store)
	}
}

func (tx *memoryTx) release() {
	for i := len(tx.locks) - 1; i >= 0; i-- {
		tx.locks[i].Unlock()
	}

	tx.locks = nil
}

// GetPortfolioForUpdate implements trading.Tx. It blocks until the
// portfolio's lock is available, then reads the committed state.
func (tx *memoryTx) GetPortfolioForUpdate(ctx context.Context, id uuid.UUID) (*types.Portfolio, error) {
	tx.store.mu.Lock()
	lock, ok := tx.store.rowLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		tx.store.rowLocks[id] = lock
	}
	tx.store.mu.Unlock()

	lock.Lock()
	tx.locks = append(tx.locks, lock)

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	portfolio, ok := tx.store.portfolios[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePortfolioNotFound, "portfolio %s not found", id)
	}

	clone := *portfolio

	return &clone, nil
}

func (tx *memoryTx) GetPosition(ctx context.Context, portfolioID uuid.UUID, symbol string) (*types.Position, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	position, ok := tx.store.positions[portfolioID][symbol]
	if !ok {
		return nil, nil
	}

	clone := *position

	return &clone, nil
}

func (tx *memoryTx) CreateOrder(ctx context.Context, order *types.Order) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	tx.ops = append(tx.ops, func(s *Store) {
		clone := *order
		s.orders[order.ID] = &clone
	})

	return nil
}

func (tx *memoryTx) MarkOrderFilled(ctx context.Context, id uuid.UUID, fillPrice, filledQty float64, filledAt time.Time) error {
	tx.ops = append(tx.ops, func(s *Store) {
		order, ok := s.orders[id]
		if !ok {
			return
		}

		order.Status = types.OrderStatusFilled
		order.FillPrice = &fillPrice
		order.FilledQty = filledQty
		order.FilledAt = &filledAt
		order.UpdatedAt = filledAt
	})

	return nil
}

func (tx *memoryTx) UpsertPosition(ctx context.Context, portfolioID uuid.UUID, symbol string, quantity, price float64) error {
	tx.ops = append(tx.ops, func(s *Store) {
		bySymbol, ok := s.positions[portfolioID]
		if !ok {
			bySymbol = make(map[string]*types.Position)
			s.positions[portfolioID] = bySymbol
		}

		now := time.Now().UTC()

		position, ok := bySymbol[symbol]
		if !ok {
			bySymbol[symbol] = &types.Position{
				ID:          uuid.New(),
				PortfolioID: portfolioID,
				Symbol:      symbol,
				Quantity:    quantity,
				AvgCost:     price,
				CreatedAt:   now,
				UpdatedAt:   now,
			}

			return
		}

		oldQty := decimal.NewFromFloat(position.Quantity)
		oldAvg := decimal.NewFromFloat(position.AvgCost)
		addQty := decimal.NewFromFloat(quantity)
		addPrice := decimal.NewFromFloat(price)

		newQty := oldQty.Add(addQty)
		newAvg := oldQty.Mul(oldAvg).Add(addQty.Mul(addPrice)).Div(newQty)

		position.Quantity = newQty.InexactFloat64()
		position.AvgCost = newAvg.InexactFloat64()
		position.UpdatedAt = now
	})

	return nil
}

func (tx *memoryTx) SetPositionQuantity(ctx context.Context, portfolioID uuid.UUID, symbol string, quantity float64) error {
	tx.ops = append(tx.ops, func(s *Store) {
		position, ok := s.positions[portfolioID][symbol]
		if !ok {
			return
		}

		position.Quantity = quantity
		position.UpdatedAt = time.Now().UTC()
	})

	return nil
}

func (tx *memoryTx) DeletePosition(ctx context.Context, portfolioID uuid.UUID, symbol string) error {
	tx.ops = append(tx.ops, func(s *Store) {
		delete(s.positions[portfolioID], symbol)
	})

	return nil
}

func (tx *memoryTx) SetCashBalance(ctx context.Context, portfolioID uuid.UUID, balance float64) error {
	tx.ops = append(tx.ops, func(s *Store) {
		portfolio, ok := s.portfolios[portfolioID]
		if !ok {
			return
		}

		portfolio.CashBalance = balance
		portfolio.UpdatedAt = time.Now().UTC()
	})

	return nil
}

func (tx *memoryTx) InsertLedgerEntry(ctx context.Context, entry *types.LedgerEntry) error {
	tx.ops = append(tx.ops, func(s *Store) {
		s.ledgerSeq++

		clone := *entry
		clone.ID = s.ledgerSeq
		clone.CreatedAt = time.Now().UTC()
		s.ledger = append(s.ledger, &clone)
	})

	return nil
}

// SeedPortfolio inserts a portfolio directly, bypassing transactions.
func (s *Store) SeedPortfolio(portfolio types.Portfolio) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := portfolio
	s.portfolios[portfolio.ID] = &clone
}

// SeedPosition inserts a position directly, bypassing transactions.
func (s *Store) SeedPosition(position types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol, ok := s.positions[position.PortfolioID]
	if !ok {
		bySymbol = make(map[string]*types.Position)
		s.positions[position.PortfolioID] = bySymbol
	}

	clone := position
	bySymbol[position.Symbol] = &clone
}

// Portfolio returns the committed portfolio state, or nil.
func (s *Store) Portfolio(id uuid.UUID) *types.Portfolio {
	s.mu.Lock()
	defer s.mu.Unlock()

	portfolio, ok := s.portfolios[id]
	if !ok {
		return nil
	}

	clone := *portfolio

	return &clone
}

// Position returns the committed position state, or nil.
func (s *Store) Position(portfolioID uuid.UUID, symbol string) *types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	position, ok := s.positions[portfolioID][symbol]
	if !ok {
		return nil
	}

	clone := *position

	return &clone
}

// Orders returns the portfolio's orders, newest first.
func (s *Store) Orders(portfolioID uuid.UUID) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []types.Order

	for _, order := range s.orders {
		if order.PortfolioID == portfolioID {
			orders = append(orders, *order)
		}
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	return orders
}

// LedgerEntries returns the portfolio's ledger entries in append order.
func (s *Store) LedgerEntries(portfolioID uuid.UUID) []types.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []types.LedgerEntry

	for _, entry := range s.ledger {
		if entry.PortfolioID == portfolioID {
			entries = append(entries, *entry)
		}
	}

	return entries
}
