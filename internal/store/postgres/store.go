package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/papertrade-lab/papertrade/internal/trading"
	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// Store implements trading.Store on Postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the transactional store the execution engine runs on.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// ExecuteTx implements trading.Store. fn runs inside a single database
// transaction; any error rolls everything back.
func (s *Store) ExecuteTx(ctx context.Context, fn func(tx trading.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTxBeginFailed, "failed to begin transaction", err)
	}

	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeTxCommitFailed, "failed to commit transaction", err)
	}

	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

// GetPortfolioForUpdate locks the portfolio row for the transaction's
// lifetime. Concurrent executions against the same portfolio queue here.
func (t *pgTx) GetPortfolioForUpdate(ctx context.Context, id uuid.UUID) (*types.Portfolio, error) {
	var portfolio types.Portfolio

	err := t.tx.GetContext(ctx, &portfolio,
		`SELECT * FROM portfolios WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf(errors.ErrCodePortfolioNotFound, "portfolio %s not found", id)
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to lock portfolio", err)
	}

	return &portfolio, nil
}

func (t *pgTx) GetPosition(ctx context.Context, portfolioID uuid.UUID, symbol string) (*types.Position, error) {
	var position types.Position

	err := t.tx.GetContext(ctx, &position,
		`SELECT * FROM positions WHERE portfolio_id = $1 AND symbol = $2`, portfolioID, symbol)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query position", err)
	}

	return &position, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, order *types.Order) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (id, portfolio_id, symbol, side, order_type, quantity, limit_price, status, reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		order.ID, order.PortfolioID, order.Symbol, order.Side, order.OrderType,
		order.Quantity, order.LimitPrice, order.Status, order.RejectReason).
		Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert order", err)
	}

	return nil
}

func (t *pgTx) MarkOrderFilled(ctx context.Context, id uuid.UUID, fillPrice, filledQty float64, filledAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, fill_price = $2, filled_qty = $3, filled_at = $4, updated_at = $4
		WHERE id = $5`,
		types.OrderStatusFilled, fillPrice, filledQty, filledAt, id)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to mark order filled", err)
	}

	return nil
}

// UpsertPosition recomputes the weighted-average cost in SQL so the math
// happens under the row lock regardless of which process executes.
func (t *pgTx) UpsertPosition(ctx context.Context, portfolioID uuid.UUID, symbol string, quantity, price float64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO positions (id, portfolio_id, symbol, quantity, avg_cost)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (portfolio_id, symbol) DO UPDATE SET
			quantity   = positions.quantity + EXCLUDED.quantity,
			avg_cost   = (positions.quantity * positions.avg_cost + EXCLUDED.quantity * EXCLUDED.avg_cost)
			             / (positions.quantity + EXCLUDED.quantity),
			updated_at = NOW()`,
		uuid.New(), portfolioID, symbol, quantity, price)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to upsert position", err)
	}

	return nil
}

func (t *pgTx) SetPositionQuantity(ctx context.Context, portfolioID uuid.UUID, symbol string, quantity float64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE positions SET quantity = $1, updated_at = NOW() WHERE portfolio_id = $2 AND symbol = $3`,
		quantity, portfolioID, symbol)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to update position quantity", err)
	}

	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, portfolioID uuid.UUID, symbol string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM positions WHERE portfolio_id = $1 AND symbol = $2`, portfolioID, symbol)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to delete position", err)
	}

	return nil
}

func (t *pgTx) SetCashBalance(ctx context.Context, portfolioID uuid.UUID, balance float64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE portfolios SET cash_balance = $1, updated_at = NOW() WHERE id = $2`,
		balance, portfolioID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to update cash balance", err)
	}

	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry *types.LedgerEntry) error {
	err := t.tx.QueryRowContext(ctx, `
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
