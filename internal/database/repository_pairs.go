package database

import (
	"context"
	"fmt"
	"strconv"

	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/market"

	"github.com/jackc/pgx/v5"
)

const settingGlobalChaos = "global_chaos_level"

// PairRepository implements market.PairStore and chaos.Store. Chaos
// overrides live on the pairs table and the global level in settings.
type PairRepository struct {
	db *DB
}

// NewPairRepository creates a pair store backed by db.
func NewPairRepository(db *DB) *PairRepository {
	return &PairRepository{db: db}
}

var (
	_ market.PairStore = (*PairRepository)(nil)
	_ chaos.Store      = (*PairRepository)(nil)
)

const pairColumns = `symbol, name, description, initial_price, current_price, chaos_override, last_candle_time`

func scanPair(row pgx.Row) (*market.Pair, error) {
	var (
		p        market.Pair
		override *int16
	)
	if err := row.Scan(&p.Symbol, &p.Name, &p.Description, &p.InitialPrice, &p.CurrentPrice, &override, &p.LastCandleTime); err != nil {
		return nil, err
	}
	if override != nil {
		v := int(*override)
		p.ChaosOverride = &v
	}
	return &p, nil
}

// ListPairs returns every pair ordered by symbol.
func (r *PairRepository) ListPairs(ctx context.Context) ([]market.Pair, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+pairColumns+` FROM pairs ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var out []market.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetPair returns one pair or market.ErrUnknownSymbol.
func (r *PairRepository) GetPair(ctx context.Context, symbol string) (*market.Pair, error) {
	p, err := scanPair(r.db.Pool.QueryRow(ctx, `SELECT `+pairColumns+` FROM pairs WHERE symbol = $1`, symbol))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("get pair %s: %w", symbol, err)
	}
	return p, nil
}

// UpsertPair inserts a pair or refreshes its listing details. Live price
// and chaos override of an existing pair are left alone.
func (r *PairRepository) UpsertPair(ctx context.Context, p market.Pair) error {
	query := `
		INSERT INTO pairs (symbol, name, description, initial_price, current_price, chaos_override, last_candle_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
			initial_price = EXCLUDED.initial_price, updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, p.Symbol, p.Name, p.Description, p.InitialPrice, p.CurrentPrice, p.ChaosOverride, p.LastCandleTime)
	if err != nil {
		return fmt.Errorf("upsert pair %s: %w", p.Symbol, err)
	}
	return nil
}

// UpdateCurrentPrice records the latest close.
func (r *PairRepository) UpdateCurrentPrice(ctx context.Context, symbol string, price float64, t int64) error {
	query := `
		UPDATE pairs SET current_price = $2, last_candle_time = $3, updated_at = NOW()
		WHERE symbol = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, symbol, price, t); err != nil {
		return fmt.Errorf("update price of %s: %w", symbol, err)
	}
	return nil
}

// GlobalLevel reads the stored global chaos level.
func (r *PairRepository) GlobalLevel(ctx context.Context) (int, bool, error) {
	var raw string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingGlobalChaos).Scan(&raw)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get global chaos level: %w", err)
	}
	level, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse global chaos level %q: %w", raw, err)
	}
	return level, true, nil
}

// SetGlobalLevel stores the global chaos level.
func (r *PairRepository) SetGlobalLevel(ctx context.Context, level int) error {
	query := `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, settingGlobalChaos, strconv.Itoa(level)); err != nil {
		return fmt.Errorf("set global chaos level: %w", err)
	}
	return nil
}

// Overrides returns every per-symbol chaos override.
func (r *PairRepository) Overrides(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT symbol, chaos_override FROM pairs WHERE chaos_override IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list chaos overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			symbol string
			level  int16
		)
		if err := rows.Scan(&symbol, &level); err != nil {
			return nil, fmt.Errorf("scan chaos override: %w", err)
		}
		out[symbol] = int(level)
	}
	return out, rows.Err()
}

// SetOverride sets or, with nil, clears a symbol's chaos override.
func (r *PairRepository) SetOverride(ctx context.Context, symbol string, level *int) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE pairs SET chaos_override = $2, updated_at = NOW() WHERE symbol = $1`, symbol, level)
	if err != nil {
		return fmt.Errorf("set chaos override of %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	return nil
}
