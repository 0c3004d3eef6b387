package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// psql builds queries with Postgres-style $N placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repos is the read side of the storage layer, used by the HTTP API. Writes
// that touch balances go through Store.ExecuteTx instead.
type Repos struct {
	db *sqlx.DB
}

// NewRepos creates the read repositories.
func NewRepos(db *sqlx.DB) *Repos {
	return &Repos{db: db}
}

// CreateUser inserts a user row and fills in its timestamps.
func (r *Repos) CreateUser(ctx context.Context, user *types.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		user.ID, user.Email, user.PasswordHash).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert user", err)
	}

	return nil
}

// GetUserByEmail returns (nil, nil) when no user has the email.
func (r *Repos) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	query, args, err := psql.Select("*").From("users").Where(sq.Eq{"email": email}).ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build user query", err)
	}

	var user types.User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query user", err)
	}

	return &user, nil
}

// GetUserByID returns the user row for id.
func (r *Repos) GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error) {
	query, args, err := psql.Select("*").From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build user query", err)
	}

	var user types.User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf(errors.ErrCodeUserNotFound, "user %s not found", id)
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query user", err)
	}

	return &user, nil
}

// CreatePortfolio inserts a portfolio row and fills in its timestamps.
func (r *Repos) CreatePortfolio(ctx context.Context, portfolio *types.Portfolio) error {
	if portfolio.ID == uuid.Nil {
		portfolio.ID = uuid.New()
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO portfolios (id, user_id, name, cash_balance)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		portfolio.ID, portfolio.UserID, portfolio.Name, portfolio.CashBalance).
		Scan(&portfolio.CreatedAt, &portfolio.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert portfolio", err)
	}

	return nil
}

// GetPortfolioByUserID returns the user's portfolio.
func (r *Repos) GetPortfolioByUserID(ctx context.Context, userID uuid.UUID) (*types.Portfolio, error) {
	query, args, err := psql.Select("*").From("portfolios").
		Where(sq.Eq{"user_id": userID}).Limit(1).ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build portfolio query", err)
	}

	var portfolio types.Portfolio
	if err := r.db.GetContext(ctx, &portfolio, query, args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf(errors.ErrCodePortfolioNotFound, "portfolio for user %s not found", userID)
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query portfolio", err)
	}

	return &portfolio, nil
}

// GetPortfolioByID returns the portfolio row for id.
func (r *Repos) GetPortfolioByID(ctx context.Context, id uuid.UUID) (*types.Portfolio, error) {
	query, args, err := psql.Select("*").From("portfolios").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build portfolio query", err)
	}

	var portfolio types.Portfolio
	if err := r.db.GetContext(ctx, &portfolio, query, args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf(errors.ErrCodePortfolioNotFound, "portfolio %s not found", id)
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query portfolio", err)
	}

	return &portfolio, nil
}

// ListPositions returns the portfolio's open positions ordered by symbol.
func (r *Repos) ListPositions(ctx context.Context, portfolioID uuid.UUID) ([]types.Position, error) {
	query, args, err := psql.Select("*").From("positions").
		Where(sq.Eq{"portfolio_id": portfolioID}).OrderBy("symbol").ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build positions query", err)
	}

	positions := []types.Position{}
	if err := r.db.SelectContext(ctx, &positions, query, args...); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query positions", err)
	}

	return positions, nil
}

// ListOrders returns the portfolio's orders, newest first.
func (r *Repos) ListOrders(ctx context.Context, portfolioID uuid.UUID) ([]types.Order, error) {
	query, args, err := psql.Select("*").From("orders").
		Where(sq.Eq{"portfolio_id": portfolioID}).OrderBy("created_at DESC").ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build orders query", err)
	}

	orders := []types.Order{}
	if err := r.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query orders", err)
	}

	return orders, nil
}

// GetOrderByID returns the order row for id.
func (r *Repos) GetOrderByID(ctx context.Context, id uuid.UUID) (*types.Order, error) {
	query, args, err := psql.Select("*").From("orders").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build order query", err)
	}

	var order types.Order
	if err := r.db.GetContext(ctx, &order, query, args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order %s not found", id)
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query order", err)
	}

	return &order, nil
}

// RecordDeposit appends a ledger entry outside any execution transaction.
// Used for the seed deposit at registration.
func (r *Repos) RecordDeposit(ctx context.Context, entry *types.LedgerEntry) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO ledger (portfolio_id, order_id, entry_type, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.PortfolioID, entry.OrderID, entry.EntryType, entry.Amount, entry.BalanceAfter).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert ledger entry", err)
	}

	return nil
}

// ListLedgerEntries returns the portfolio's ledger entries, newest first.
func (r *Repos) ListLedgerEntries(ctx context.Context, portfolioID uuid.UUID) ([]types.LedgerEntry, error) {
	query, args, err := psql.Select("*").From("ledger").
		Where(sq.Eq{"portfolio_id": portfolioID}).OrderBy("id DESC").ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build ledger query", err)
	}

	entries := []types.LedgerEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query ledger", err)
	}

	return entries, nil
}
