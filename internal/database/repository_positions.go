package database

import (
	"context"
	"errors"
	"fmt"

	"chaos-exchange/internal/positions"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PositionRepository implements positions.Repository. Opening and settling
// each run in one transaction with conditional updates, so two processes
// racing on the same position or balance cannot both succeed.
type PositionRepository struct {
	db              *DB
	startingBalance float64
}

// NewPositionRepository creates a repository. Users without a balance row
// start with startingBalance.
func NewPositionRepository(db *DB, startingBalance float64) *PositionRepository {
	return &PositionRepository{db: db, startingBalance: startingBalance}
}

var _ positions.Repository = (*PositionRepository)(nil)

const positionColumns = `id::text, user_id, symbol, side, size, leverage, entry_price, liquidation_price,
	stop_loss, take_profit, status, exit_price, realized_pnl, COALESCE(close_reason, ''), created_at, closed_at`

func scanPosition(row pgx.Row) (*positions.Position, error) {
	var p positions.Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &p.Side, &p.Size, &p.Leverage, &p.EntryPrice, &p.LiquidationPrice,
		&p.StopLoss, &p.TakeProfit, &p.Status, &p.ExitPrice, &p.RealizedPnL, &p.CloseReason, &p.CreatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PositionRepository) ensureBalance(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, r.startingBalance)
	return err
}

// Balance returns the user's free balance.
func (r *PositionRepository) Balance(ctx context.Context, userID string) (float64, error) {
	var bal float64
	err := r.db.Pool.QueryRow(ctx, `SELECT balance FROM user_balances WHERE user_id = $1`, userID).Scan(&bal)
	if err == pgx.ErrNoRows {
		return r.startingBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance of %s: %w", userID, err)
	}
	return bal, nil
}

// OpenPosition debits the margin and inserts the position in one transaction.
func (r *PositionRepository) OpenPosition(ctx context.Context, p *positions.Position) (float64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.ensureBalance(ctx, tx, p.UserID); err != nil {
		return 0, fmt.Errorf("init balance of %s: %w", p.UserID, err)
	}

	var bal float64
	err = tx.QueryRow(ctx, `
		UPDATE user_balances SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, p.UserID, p.Size).Scan(&bal)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: need %.8g", positions.ErrInsufficientBalance, p.Size)
	}
	if err != nil {
		return 0, fmt.Errorf("debit margin: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (id, user_id, symbol, side, size, leverage, entry_price, liquidation_price,
			stop_loss, take_profit, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.UserID, p.Symbol, string(p.Side), p.Size, p.Leverage, p.EntryPrice, p.LiquidationPrice,
		p.StopLoss, p.TakeProfit, string(p.Status), p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit open: %w", err)
	}
	return bal, nil
}

// validID rejects IDs that can never match a position before they reach
// the uuid column.
func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", positions.ErrNotFound, id)
	}
	return nil
}

// SettlePosition closes or liquidates an open position and credits the
// owner. The status guard on the update makes the first settler win.
func (r *PositionRepository) SettlePosition(ctx context.Context, s positions.Settlement) (*positions.Position, float64, error) {
	if err := validID(s.PositionID); err != nil {
		return nil, 0, err
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPosition(tx.QueryRow(ctx, `
		UPDATE positions
		SET status = $2, close_reason = $3, exit_price = $4, realized_pnl = $5, closed_at = $6
		WHERE id = $1 AND status = 'open'
		RETURNING `+positionColumns,
		s.PositionID, string(s.Status), string(s.Reason), s.ExitPrice, s.RealizedPnL, s.ClosedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, r.settleConflict(ctx, s.PositionID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("update position: %w", err)
	}

	if err := r.ensureBalance(ctx, tx, p.UserID); err != nil {
		return nil, 0, fmt.Errorf("init balance of %s: %w", p.UserID, err)
	}
	var bal float64
	err = tx.QueryRow(ctx, `
		UPDATE user_balances SET balance = GREATEST(balance + $2, 0), updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance
	`, p.UserID, s.Credit).Scan(&bal)
	if err != nil {
		return nil, 0, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit settlement: %w", err)
	}
	return p, bal, nil
}

// settleConflict tells a missing position from one already settled.
func (r *PositionRepository) settleConflict(ctx context.Context, id string) error {
	var status string
	err := r.db.Pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("%w: %s", positions.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get position status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", positions.ErrAlreadyClosed, id, status)
}

// GetPosition returns one position or positions.ErrNotFound.
func (r *PositionRepository) GetPosition(ctx context.Context, id string) (*positions.Position, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", positions.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (r *PositionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*positions.Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*positions.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOpenPositions returns open positions, newest first. An empty symbol
// matches all.
func (r *PositionRepository) ListOpenPositions(ctx context.Context, symbol string) ([]*positions.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status = 'open' AND ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC`
	out, err := r.list(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	return out, nil
}

// ListUserPositions returns a user's positions, newest first, filtered by
// status unless it is empty.
func (r *PositionRepository) ListUserPositions(ctx context.Context, userID string, status positions.Status) ([]*positions.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`
	out, err := r.list(ctx, query, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", userID, err)
	}
	return out, nil
}

// RecordTrade appends to the trade feed and fills in the trade ID.
func (r *PositionRepository) RecordTrade(ctx context.Context, t *positions.Trade) error {
	var userID, positionID *string
	if t.UserID != "" {
		userID = &t.UserID
	}
	if t.PositionID != "" {
		positionID = &t.PositionID
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trades (user_id, is_bot, symbol, side, size, price, leverage, position_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, userID, t.IsBot, t.Symbol, string(t.Side), t.Size, t.Price, t.Leverage, positionID, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// RecentTrades returns the newest trades first. An empty symbol matches all.
func (r *PositionRepository) RecentTrades(ctx context.Context, symbol string, limit int) ([]positions.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, COALESCE(user_id, ''), is_bot, symbol, side, size, price, leverage,
			COALESCE(position_id::text, ''), created_at
		FROM trades
		WHERE $1 = '' OR symbol = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []positions.Trade
	for rows.Next() {
		var t positions.Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.IsBot, &t.Symbol, &t.Side, &t.Size, &t.Price, &t.Leverage, &t.PositionID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
