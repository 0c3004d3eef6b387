// Package api is the HTTP surface: auth endpoints, portfolio reads, order
// submission and the websocket upgrade. Handlers depend on narrow interfaces
// so they test against fakes without a database.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

const (
	// bcryptCost trades hashing latency for resistance to offline attacks.
	bcryptCost = 12

	// initialCashBalance seeds every new portfolio, recorded as a deposit
	// ledger entry.
	initialCashBalance = 100000.0

	defaultPortfolioName = "Paper Portfolio"
)

// Directory is the read-mostly storage surface the handlers use.
type Directory interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	CreatePortfolio(ctx context.Context, portfolio *types.Portfolio) error
	GetPortfolioByUserID(ctx context.Context, userID uuid.UUID) (*types.Portfolio, error)
	GetPortfolioByID(ctx context.Context, id uuid.UUID) (*types.Portfolio, error)
	ListPositions(ctx context.Context, portfolioID uuid.UUID) ([]types.Position, error)
	ListOrders(ctx context.Context, portfolioID uuid.UUID) ([]types.Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*types.Order, error)
	ListLedgerEntries(ctx context.Context, portfolioID uuid.UUID) ([]types.LedgerEntry, error)
	RecordDeposit(ctx context.Context, entry *types.LedgerEntry) error
}

// Executor submits orders for execution.
type Executor interface {
	Execute(ctx context.Context, req types.OrderRequest) (*types.Order, error)
}

// Handlers holds the API endpoint implementations.
type Handlers struct {
	dir    Directory
	engine Executor
	tokens *TokenService
	log    *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(dir Directory, engine Executor, tokens *TokenService, log *logger.Logger) *Handlers {
	return &Handlers{
		dir:    dir,
		engine: engine,
		tokens: tokens,
		log:    log,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string           `json:"token"`
	User      *types.User      `json:"user"`
	Portfolio *types.Portfolio `json:"portfolio"`
}

// Register creates a user, their portfolio with the seed cash balance, and
// the deposit ledger entry that accounts for it.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")

		return
	}

	existing, err := h.dir.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.internalError(w, "lookup user", err)

		return
	}

	if existing != nil {
		writeError(w, http.StatusConflict, "email already registered")

		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		h.internalError(w, "hash password", err)

		return
	}

	user := &types.User{
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := h.dir.CreateUser(r.Context(), user); err != nil {
		h.internalError(w, "create user", err)

		return
	}

	portfolio := &types.Portfolio{
		UserID:      user.ID,
		Name:        defaultPortfolioName,
		CashBalance: initialCashBalance,
	}
	if err := h.dir.CreatePortfolio(r.Context(), portfolio); err != nil {
		h.internalError(w, "create portfolio", err)

		return
	}

	deposit := &types.LedgerEntry{
		PortfolioID:  portfolio.ID,
		EntryType:    types.EntryTypeDeposit,
		Amount:       initialCashBalance,
		BalanceAfter: initialCashBalance,
	}
	if err := h.dir.RecordDeposit(r.Context(), deposit); err != nil {
		h.internalError(w, "record seed deposit", err)

		return
	}

	token, err := h.tokens.Sign(user.ID, portfolio.ID)
	if err != nil {
		h.internalError(w, "sign token", err)

		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user, Portfolio: portfolio})
}

// Login verifies credentials and issues a token. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	user, err := h.dir.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.internalError(w, "lookup user", err)

		return
	}

	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")

		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")

		return
	}

	portfolio, err := h.dir.GetPortfolioByUserID(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, "load portfolio", err)

		return
	}

	token, err := h.tokens.Sign(user.ID, portfolio.ID)
	if err != nil {
		h.internalError(w, "sign token", err)

		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user, Portfolio: portfolio})
}

// GetPortfolio returns the authenticated portfolio.
func (h *Handlers) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := h.dir.GetPortfolioByID(r.Context(), PortfolioIDFromContext(r.Context()))
	if err != nil {
		if errors.HasCode(err, errors.ErrCodePortfolioNotFound) {
			writeError(w, http.StatusNotFound, "portfolio not found")

			return
		}

		h.internalError(w, "load portfolio", err)

		return
	}

	writeJSON(w, http.StatusOK, portfolio)
}

// GetPositions returns the portfolio's open positions.
func (h *Handlers) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.dir.ListPositions(r.Context(), PortfolioIDFromContext(r.Context()))
	if err != nil {
		h.internalError(w, "list positions", err)

		return
	}

	writeJSON(w, http.StatusOK, positions)
}

// GetOrders returns the portfolio's orders, newest first.
func (h *Handlers) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.dir.ListOrders(r.Context(), PortfolioIDFromContext(r.Context()))
	if err != nil {
		h.internalError(w, "list orders", err)

		return
	}

	writeJSON(w, http.StatusOK, orders)
}

// GetLedger returns the portfolio's ledger entries, newest first.
func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dir.ListLedgerEntries(r.Context(), PortfolioIDFromContext(r.Context()))
	if err != nil {
		h.internalError(w, "list ledger entries", err)

		return
	}

	writeJSON(w, http.StatusOK, entries)
}

type createOrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	OrderType  types.OrderType `json:"order_type"`
	Quantity   float64         `json:"quantity"`
	LimitPrice *float64        `json:"limit_price,omitempty"`
}

// CreateOrder submits an order for immediate execution. A rejected order is
// still a 201: the rejection is the result, not a failure.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	orderReq := types.OrderRequest{
		PortfolioID: PortfolioIDFromContext(r.Context()),
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Quantity:    req.Quantity,
		LimitPrice:  optional.FromNillable(req.LimitPrice),
	}

	order, err := h.engine.Execute(r.Context(), orderReq)
	if err != nil {
		switch errors.GetCode(err) {
		case errors.ErrCodeInvalidOrderRequest, errors.ErrCodeNoQuote:
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.ErrCodePortfolioNotFound:
			writeError(w, http.StatusNotFound, "portfolio not found")
		default:
			h.internalError(w, "execute order", err)
		}

		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// GetOrder returns one order. Orders belonging to other portfolios are
// reported as not found.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")

		return
	}

	order, err := h.dir.GetOrderByID(r.Context(), id)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")

			return
		}

		h.internalError(w, "load order", err)

		return
	}

	if order.PortfolioID != PortfolioIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "order not found")

		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) internalError(w http.ResponseWriter, action string, err error) {
	h.log.Error("request failed", zap.String("action", action), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
