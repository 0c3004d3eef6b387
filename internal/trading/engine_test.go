package trading_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"
	"pgregory.net/rapid"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/store/memory"
	"github.com/papertrade-lab/papertrade/internal/trading"
	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// fakePriceStore is an in-memory pricestore.Store good enough for the engine,
// which only pulls last prices.
type fakePriceStore struct {
	mu    sync.Mutex
	ticks map[string]types.PriceTick
}

func newFakePriceStore() *fakePriceStore {
	return &fakePriceStore{ticks: make(map[string]types.PriceTick)}
}

func (f *fakePriceStore) Publish(ctx context.Context, tick types.PriceTick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[tick.Symbol] = tick

	return nil
}

func (f *fakePriceStore) GetLastPrice(ctx context.Context, symbol string) (*types.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tick, ok := f.ticks[symbol]
	if !ok {
		return nil, nil
	}

	return &tick, nil
}

func (f *fakePriceStore) Subscribe(ctx context.Context, symbol string) (<-chan []byte, error) {
	out := make(chan []byte)
	close(out)

	return out, nil
}

type EngineTestSuite struct {
	suite.Suite

	store  *memory.Store
	prices *fakePriceStore
	engine *trading.Engine

	portfolioID uuid.UUID
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (suite *EngineTestSuite) SetupTest() {
	suite.store = memory.NewStore()
	suite.prices = newFakePriceStore()
	suite.engine = trading.NewEngine(suite.store, suite.prices, logger.NewNopLogger())

	suite.portfolioID = uuid.New()
	suite.store.SeedPortfolio(types.Portfolio{
		ID:          suite.portfolioID,
		UserID:      uuid.New(),
		Name:        "default",
		CashBalance: 10000,
	})
}

func (suite *EngineTestSuite) publish(symbol string, price float64) {
	suite.NoError(suite.prices.Publish(context.Background(), types.PriceTick{
		Symbol:    symbol,
		Price:     price,
		Size:      1,
		Timestamp: time.Now(),
	}))
}

func (suite *EngineTestSuite) request(side types.OrderSide, symbol string, qty float64) types.OrderRequest {
	return types.OrderRequest{
		PortfolioID: suite.portfolioID,
		Symbol:      symbol,
		Side:        side,
		OrderType:   types.OrderTypeMarket,
		Quantity:    qty,
		LimitPrice:  optional.None[float64](),
	}
}

func (suite *EngineTestSuite) TestBuyFillsAndDebitsCash() {
	suite.publish("AAPL", 100)

	order, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideBuy, "AAPL", 10))
	suite.Require().NoError(err)

	suite.Equal(types.OrderStatusFilled, order.Status)
	suite.Require().NotNil(order.FillPrice)
	suite.Equal(100.0, *order.FillPrice)
	suite.Equal(10.0, order.FilledQty)
	suite.NotNil(order.FilledAt)
	suite.Nil(order.RejectReason)

	portfolio := suite.store.Portfolio(suite.portfolioID)
	suite.Equal(9000.0, portfolio.CashBalance)

	position := suite.store.Position(suite.portfolioID, "AAPL")
	suite.Require().NotNil(position)
	suite.Equal(10.0, position.Quantity)
	suite.Equal(100.0, position.AvgCost)

	entries := suite.store.LedgerEntries(suite.portfolioID)
	suite.Require().Len(entries, 1)
	suite.Equal(types.EntryTypeTradeBuy, entries[0].EntryType)
	suite.Equal(-1000.0, entries[0].Amount)
	suite.Equal(9000.0, entries[0].BalanceAfter)
	suite.Require().NotNil(entries[0].OrderID)
	suite.Equal(order.ID, *entries[0].OrderID)
}

func (suite *EngineTestSuite) TestBuyRecomputesWeightedAverageCost() {
	suite.publish("AAPL", 100)
	_, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideBuy, "AAPL", 10))
	suite.Require().NoError(err)

	suite.publish("AAPL", 200)
	_, err = suite.engine.Execute(context.Background(), suite.request(types.OrderSideBuy, "AAPL", 30))
	suite.Require().NoError(err)

	position := suite.store.Position(suite.portfolioID, "AAPL")
	suite.Require().NotNil(position)
	suite.Equal(40.0, position.Quantity)
	// (10*100 + 30*200) / 40
	suite.InDelta(175.0, position.AvgCost, 1e-9)
}

func (suite *EngineTestSuite) TestSellCreditsCashAndKeepsAvgCost() {
	suite.store.SeedPosition(types.Position{
		ID:          uuid.New(),
		PortfolioID: suite.portfolioID,
		Symbol:      "TSLA",
		Quantity:    20,
		AvgCost:     150,
	})
	suite.publish("TSLA", 250)

	order, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideSell, "TSLA", 5))
	suite.Require().NoError(err)
	suite.Equal(types.OrderStatusFilled, order.Status)

	portfolio := suite.store.Portfolio(suite.portfolioID)
	suite.Equal(11250.0, portfolio.CashBalance)

	position := suite.store.Position(suite.portfolioID, "TSLA")
	suite.Require().NotNil(position)
	suite.Equal(15.0, position.Quantity)
	suite.Equal(150.0, position.AvgCost)

	entries := suite.store.LedgerEntries(suite.portfolioID)
	suite.Require().Len(entries, 1)
	suite.Equal(types.EntryTypeTradeSell, entries[0].EntryType)
	suite.Equal(1250.0, entries[0].Amount)
	suite.Equal(11250.0, entries[0].BalanceAfter)
}

func (suite *EngineTestSuite) TestSellEntirePositionDeletesRow() {
	suite.store.SeedPosition(types.Position{
		ID:          uuid.New(),
		PortfolioID: suite.portfolioID,
		Symbol:      "TSLA",
		Quantity:    20,
		AvgCost:     150,
	})
	suite.publish("TSLA", 200)

	order, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideSell, "TSLA", 20))
	suite.Require().NoError(err)
	suite.Equal(types.OrderStatusFilled, order.Status)

	suite.Nil(suite.store.Position(suite.portfolioID, "TSLA"))
	suite.Equal(14000.0, suite.store.Portfolio(suite.portfolioID).CashBalance)
}

func (suite *EngineTestSuite) TestBuyInsufficientFundsRejectsAndCommits() {
	suite.publish("AAPL", 100)

	order, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideBuy, "AAPL", 500))
	suite.Require().NoError(err)

	suite.Equal(types.OrderStatusRejected, order.Status)
	suite.Require().NotNil(order.RejectReason)
	suite.Equal(types.RejectReasonInsufficientFunds, *order.RejectReason)
	suite.Nil(order.FillPrice)
	suite.Zero(order.FilledQty)

	// State untouched, but the rejected order is durable.
	suite.Equal(10000.0, suite.store.Portfolio(suite.portfolioID).CashBalance)
	suite.Nil(suite.store.Position(suite.portfolioID, "AAPL"))
	suite.Empty(suite.store.LedgerEntries(suite.portfolioID))

	orders := suite.store.Orders(suite.portfolioID)
	suite.Require().Len(orders, 1)
	suite.Equal(types.OrderStatusRejected, orders[0].Status)
}

func (suite *EngineTestSuite) TestSellRejections() {
	suite.publish("TSLA", 200)

	tests := []struct {
		name    string
		heldQty float64
		sellQty float64
	}{
		{name: "no position at all", heldQty: 0, sellQty: 1},
		{name: "more than held", heldQty: 5, sellQty: 6},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			suite.publish("TSLA", 200)

			if tt.heldQty > 0 {
				suite.store.SeedPosition(types.Position{
					ID:          uuid.New(),
					PortfolioID: suite.portfolioID,
					Symbol:      "TSLA",
					Quantity:    tt.heldQty,
					AvgCost:     100,
				})
			}

			order, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideSell, "TSLA", tt.sellQty))
			suite.Require().NoError(err)

			suite.Equal(types.OrderStatusRejected, order.Status)
			suite.Require().NotNil(order.RejectReason)
			suite.Equal(types.RejectReasonInsufficientPosition, *order.RejectReason)

			suite.Equal(10000.0, suite.store.Portfolio(suite.portfolioID).CashBalance)

			position := suite.store.Position(suite.portfolioID, "TSLA")
			if tt.heldQty > 0 {
				suite.Require().NotNil(position)
				suite.Equal(tt.heldQty, position.Quantity)
			} else {
				suite.Nil(position)
			}
		})
	}
}

func (suite *EngineTestSuite) TestNoQuoteFailsWithoutSideEffects() {
	order, err := suite.engine.Execute(context.Background(), suite.request(types.OrderSideBuy, "NVDA", 1))
	suite.Nil(order)
	suite.Require().Error(err)
	suite.Equal(errors.ErrCodeNoQuote, errors.GetCode(err))

	suite.Empty(suite.store.Orders(suite.portfolioID))
	suite.Equal(10000.0, suite.store.Portfolio(suite.portfolioID).CashBalance)
}

func (suite *EngineTestSuite) TestValidationFailsFast() {
	suite.publish("AAPL", 100)

	req := suite.request(types.OrderSideBuy, "AAPL", -1)

	order, err := suite.engine.Execute(context.Background(), req)
	suite.Nil(order)
	suite.Require().Error(err)
	suite.Equal(errors.ErrCodeInvalidOrderRequest, errors.GetCode(err))
	suite.Empty(suite.store.Orders(suite.portfolioID))
}

func (suite *EngineTestSuite) TestUnknownPortfolioFails() {
	suite.publish("AAPL", 100)

	req := suite.request(types.OrderSideBuy, "AAPL", 1)
	req.PortfolioID = uuid.New()

	order, err := suite.engine.Execute(context.Background(), req)
	suite.Nil(order)
	suite.Require().Error(err)
	suite.Equal(errors.ErrCodePortfolioNotFound, errors.GetCode(err))
}

// Two concurrent orders that are each affordable alone, but not together,
// must resolve as exactly one fill and one rejection.
func (suite *EngineTestSuite) TestConcurrentOrdersSerializeOnPortfolio() {
	suite.publish("AAPL", 100)

	// Each order costs 6000 against a 10000 balance.
	req := suite.request(types.OrderSideBuy, "AAPL", 60)

	var wg sync.WaitGroup

	results := make([]*types.Order, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = suite.engine.Execute(context.Background(), req)
		}(i)
	}

	wg.Wait()

	suite.Require().NoError(errs[0])
	suite.Require().NoError(errs[1])

	filled, rejected := 0, 0

	for _, order := range results {
		switch order.Status {
		case types.OrderStatusFilled:
			filled++
		case types.OrderStatusRejected:
			rejected++
		}
	}

	suite.Equal(1, filled)
	suite.Equal(1, rejected)

	portfolio := suite.store.Portfolio(suite.portfolioID)
	suite.Equal(4000.0, portfolio.CashBalance)
	suite.GreaterOrEqual(portfolio.CashBalance, 0.0)
}

// Property: over any sequence of affordable buys, avg cost stays the
// quantity-weighted average of fills and the ledger reconciles with cash.
func TestEngineBuyProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := memory.NewStore()
		prices := newFakePriceStore()
		engine := trading.NewEngine(store, prices, logger.NewNopLogger())

		portfolioID := uuid.New()
		initialCash := 1e9
		store.SeedPortfolio(types.Portfolio{
			ID:          portfolioID,
			UserID:      uuid.New(),
			Name:        "prop",
			CashBalance: initialCash,
		})

		numBuys := rapid.IntRange(1, 8).Draw(t, "num_buys")

		totalQty := 0.0
		totalCost := 0.0

		for i := 0; i < numBuys; i++ {
			price := float64(rapid.IntRange(1, 1000).Draw(t, "price"))
			qty := float64(rapid.IntRange(1, 100).Draw(t, "qty"))

			err := prices.Publish(context.Background(), types.PriceTick{
				Symbol: "AAPL", Price: price, Size: 1, Timestamp: time.Now(),
			})
			if err != nil {
				t.Fatalf("publish: %v", err)
			}

			order, err := engine.Execute(context.Background(), types.OrderRequest{
				PortfolioID: portfolioID,
				Symbol:      "AAPL",
				Side:        types.OrderSideBuy,
				OrderType:   types.OrderTypeMarket,
				Quantity:    qty,
				LimitPrice:  optional.None[float64](),
			})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}

			if order.Status != types.OrderStatusFilled {
				t.Fatalf("expected fill, got %s", order.Status)
			}

			totalQty += qty
			totalCost += price * qty
		}

		position := store.Position(portfolioID, "AAPL")
		if position == nil {
			t.Fatalf("expected position to exist")
		}

		wantAvg := totalCost / totalQty
		if diff := position.AvgCost - wantAvg; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("avg cost %f, want %f", position.AvgCost, wantAvg)
		}

		// Ledger reconciliation: initial cash + sum(amounts) == cash.
		sum := 0.0
		for _, entry := range store.LedgerEntries(portfolioID) {
			sum += entry.Amount
		}

		cash := store.Portfolio(portfolioID).CashBalance
		if diff := initialCash + sum - cash; diff > 1e-3 || diff < -1e-3 {
			t.Fatalf("ledger does not reconcile: initial %f + sum %f != cash %f", initialCash, sum, cash)
		}
	})
}
