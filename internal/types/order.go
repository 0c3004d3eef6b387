package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"

	"github.com/papertrade-lab/papertrade/pkg/errors"
)

type OrderSide string

type OrderType string

type OrderStatus string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusFilled  OrderStatus = "filled"
	// OrderStatusPartiallyFilled is reserved: the execution engine only
	// produces full fills or full rejections today.
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

const (
	RejectReasonInsufficientFunds    = "insufficient funds"
	RejectReasonInsufficientPosition = "insufficient position"
)

// OrderRequest is a client's ask to execute an order against the latest quote.
type OrderRequest struct {
	PortfolioID uuid.UUID `json:"portfolio_id" validate:"required"`
	Symbol      string    `json:"symbol" validate:"required"`
	Side        OrderSide `json:"side" validate:"required,oneof=buy sell"`
	OrderType   OrderType `json:"order_type" validate:"required,oneof=market limit stop stop_limit"`
	Quantity    float64   `json:"quantity" validate:"required,gt=0"`
	// LimitPrice is only meaningful for limit and stop_limit orders. Can be None.
	LimitPrice optional.Option[float64] `json:"limit_price"`
}

// Order is a persisted order row. Immutable once filled or rejected.
type Order struct {
	ID           uuid.UUID   `db:"id"            json:"id"`
	PortfolioID  uuid.UUID   `db:"portfolio_id"  json:"portfolio_id"`
	Symbol       string      `db:"symbol"        json:"symbol"`
	Side         OrderSide   `db:"side"          json:"side"`
	OrderType    OrderType   `db:"order_type"    json:"order_type"`
	Quantity     float64     `db:"quantity"      json:"quantity"`
	LimitPrice   *float64    `db:"limit_price"   json:"limit_price,omitempty"`
	FillPrice    *float64    `db:"fill_price"    json:"fill_price,omitempty"`
	FilledQty    float64     `db:"filled_qty"    json:"filled_qty"`
	Status       OrderStatus `db:"status"        json:"status"`
	RejectReason *string     `db:"reject_reason" json:"reject_reason,omitempty"`
	FilledAt     *time.Time  `db:"filled_at"     json:"filled_at,omitempty"`
	CreatedAt    time.Time   `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"    json:"updated_at"`
}

// Validate validates the OrderRequest struct.
func (r *OrderRequest) Validate() error {
	validate := validator.New()

	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "invalid order request", err)
	}

	// Limit price, when present, must be positive.
	if r.LimitPrice.IsSome() && r.LimitPrice.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeInvalidOrderRequest, "limit price must be greater than zero")
	}

	return nil
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	case OrderStatusPending, OrderStatusPartiallyFilled:
		return false
	default:
		return false
	}
}
