// Package trading implements the order execution engine: orders execute
// against the latest cached quote, with cash, position and ledger mutations
// applied all-or-nothing under a portfolio-scoped lock.
package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/pricestore"
	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// Engine executes order requests against the price store and the portfolio
// store. Safe for concurrent use; concurrent executions against the same
// portfolio are serialized by the store's portfolio lock.
type Engine struct {
	store  Store
	prices pricestore.Store
	log    *logger.Logger
}

// NewEngine creates an execution engine.
func NewEngine(store Store, prices pricestore.Store, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		prices: prices,
		log:    log,
	}
}

// Execute validates req, fills it at the latest cached price and commits the
// resulting state changes in one transaction.
//
// A business rejection (insufficient funds or position) is not an error: the
// rejected order is committed for audit and returned with a reason. Errors
// are returned only for malformed requests, missing quotes and storage
// failures; in those cases no state change is observable.
func (e *Engine) Execute(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tick, err := e.prices.GetLastPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	if tick == nil {
		return nil, errors.Newf(errors.ErrCodeNoQuote, "no price data available for symbol %s", req.Symbol)
	}

	fillPrice := tick.Price
	cost := decimal.NewFromFloat(fillPrice).Mul(decimal.NewFromFloat(req.Quantity))

	order := newOrderFromRequest(req)

	err = e.store.ExecuteTx(ctx, func(tx Tx) error {
		portfolio, err := tx.GetPortfolioForUpdate(ctx, req.PortfolioID)
		if err != nil {
			return err
		}

		cash := decimal.NewFromFloat(portfolio.CashBalance)

		// Affordability checks. A failed check still writes the order so
		// the rejection itself is durable and auditable.
		var position *types.Position

		if req.Side == types.OrderSideBuy {
			if cash.LessThan(cost) {
				return rejectOrder(ctx, tx, order, types.RejectReasonInsufficientFunds)
			}
		} else {
			position, err = tx.GetPosition(ctx, req.PortfolioID, req.Symbol)
			if err != nil {
				return err
			}

			if position == nil || position.Quantity < req.Quantity {
				return rejectOrder(ctx, tx, order, types.RejectReasonInsufficientPosition)
			}
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		var (
			newBalance decimal.Decimal
			amount     decimal.Decimal
			entryType  types.EntryType
		)

		if req.Side == types.OrderSideBuy {
			newBalance = cash.Sub(cost)
			amount = cost.Neg()
			entryType = types.EntryTypeTradeBuy

			if err := tx.UpsertPosition(ctx, req.PortfolioID, req.Symbol, req.Quantity, fillPrice); err != nil {
				return err
			}
		} else {
			newBalance = cash.Add(cost)
			amount = cost
			entryType = types.EntryTypeTradeSell

			newQty := decimal.NewFromFloat(position.Quantity).Sub(decimal.NewFromFloat(req.Quantity))
			if newQty.IsZero() {
				if err := tx.DeletePosition(ctx, req.PortfolioID, req.Symbol); err != nil {
					return err
				}
			} else {
				if err := tx.SetPositionQuantity(ctx, req.PortfolioID, req.Symbol, newQty.InexactFloat64()); err != nil {
					return err
				}
			}
		}

		if err := tx.SetCashBalance(ctx, req.PortfolioID, newBalance.InexactFloat64()); err != nil {
			return err
		}

		filledAt := time.Now().UTC()
		if err := tx.MarkOrderFilled(ctx, order.ID, fillPrice, req.Quantity, filledAt); err != nil {
			return err
		}

		entry := &types.LedgerEntry{
			PortfolioID:  req.PortfolioID,
			OrderID:      &order.ID,
			EntryType:    entryType,
			Amount:       amount.InexactFloat64(),
			BalanceAfter: newBalance.InexactFloat64(),
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		order.Status = types.OrderStatusFilled
		order.FillPrice = &fillPrice
		order.FilledQty = req.Quantity
		order.FilledAt = &filledAt

		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order executed",
		zap.String("order_id", order.ID.String()),
		zap.String("portfolio_id", order.PortfolioID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("status", string(order.Status)),
		zap.Float64("quantity", order.Quantity),
		zap.Float64("fill_price", fillPrice),
	)

	return order, nil
}

// newOrderFromRequest builds the pending order row for a request.
func newOrderFromRequest(req types.OrderRequest) *types.Order {
	order := &types.Order{
		ID:          uuid.New(),
		PortfolioID: req.PortfolioID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Quantity:    req.Quantity,
		Status:      types.OrderStatusPending,
	}

	if req.LimitPrice.IsSome() {
		limitPrice := req.LimitPrice.Unwrap()
		order.LimitPrice = &limitPrice
	}

	return order
}

// rejectOrder writes the order in its terminal rejected state. Returning nil
// lets the surrounding transaction commit: the rejection is a successful,
// auditable business outcome.
func rejectOrder(ctx context.Context, tx Tx, order *types.Order, reason string) error {
	order.Status = types.OrderStatusRejected
	order.RejectReason = &reason

	return tx.CreateOrder(ctx, order)
}
