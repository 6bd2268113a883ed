package database

import (
	"context"
	"fmt"

	"chaos-exchange/internal/candles"

	"github.com/jackc/pgx/v5"
)

// CandleRepository implements candles.Store on PostgreSQL.
type CandleRepository struct {
	db *DB
}

// NewCandleRepository creates a candle store backed by db.
func NewCandleRepository(db *DB) *CandleRepository {
	return &CandleRepository{db: db}
}

var _ candles.Store = (*CandleRepository)(nil)

const upsertRawQuery = `
	INSERT INTO candles (symbol, time, open, high, low, close, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, time) DO UPDATE
	SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		close = EXCLUDED.close, volume = EXCLUDED.volume
`

// UpsertRaw stores a one-second candle, replacing any candle at the same time.
func (r *CandleRepository) UpsertRaw(ctx context.Context, symbol string, c candles.Candle) error {
	_, err := r.db.Pool.Exec(ctx, upsertRawQuery, symbol, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("upsert candle %s@%d: %w", symbol, c.Time, err)
	}
	return nil
}

// InsertRawBatch upserts many raw candles in one round trip.
func (r *CandleRepository) InsertRawBatch(ctx context.Context, symbol string, cs []candles.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range cs {
		batch.Queue(upsertRawQuery, symbol, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d candles for %s: %w", len(cs), symbol, err)
	}
	return nil
}

const mergeAggregatedQuery = `
	INSERT INTO candles_aggregated (symbol, timeframe, time, open, high, low, close, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol, timeframe, time) DO UPDATE
	SET high = GREATEST(candles_aggregated.high, EXCLUDED.high),
		low = LEAST(candles_aggregated.low, EXCLUDED.low),
		close = EXCLUDED.close,
		volume = candles_aggregated.volume + EXCLUDED.volume
`

// MergeAggregated folds c into its bucket: open is kept, high and low widen,
// close is replaced and volume accumulates.
func (r *CandleRepository) MergeAggregated(ctx context.Context, symbol string, tf candles.Timeframe, c candles.Candle) error {
	_, err := r.db.Pool.Exec(ctx, mergeAggregatedQuery, symbol, string(tf), c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("merge %s %s@%d: %w", symbol, tf, c.Time, err)
	}
	return nil
}

// MergeBuckets folds a raw candle into all aggregated timeframes in one
// transaction.
func (r *CandleRepository) MergeBuckets(ctx context.Context, symbol string, c candles.Candle) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, tf := range candles.Aggregated {
		batch.Queue(mergeAggregatedQuery, symbol, string(tf), tf.Bucket(c.Time), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("merge %s@%d: %w", symbol, c.Time, err)
	}
	return tx.Commit(ctx)
}

// PutAggregated replaces a bucket.
func (r *CandleRepository) PutAggregated(ctx context.Context, symbol string, tf candles.Timeframe, c candles.Candle) error {
	query := `
		INSERT INTO candles_aggregated (symbol, timeframe, time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, time) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume
	`
	_, err := r.db.Pool.Exec(ctx, query, symbol, string(tf), c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("put %s %s@%d: %w", symbol, tf, c.Time, err)
	}
	return nil
}

// series returns the table and extra predicate selecting one series; args
// start with symbol and, for aggregated series, the timeframe.
func series(symbol string, tf candles.Timeframe) (table, where string, args []interface{}) {
	if tf.IsRaw() {
		return "candles", "symbol = $1", []interface{}{symbol}
	}
	return "candles_aggregated", "symbol = $1 AND timeframe = $2", []interface{}{symbol, string(tf)}
}

func scanCandles(rows pgx.Rows) ([]candles.Candle, error) {
	defer rows.Close()
	var out []candles.Candle
	for rows.Next() {
		var c candles.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CandleRepository) edge(ctx context.Context, symbol string, tf candles.Timeframe, order string) (*candles.Candle, error) {
	table, where, args := series(symbol, tf)
	query := fmt.Sprintf(`SELECT time, open, high, low, close, volume FROM %s WHERE %s ORDER BY time %s LIMIT 1`, table, where, order)
	var c candles.Candle
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", symbol, tf, err)
	}
	return &c, nil
}

// Latest returns the newest candle of a series or nil.
func (r *CandleRepository) Latest(ctx context.Context, symbol string, tf candles.Timeframe) (*candles.Candle, error) {
	return r.edge(ctx, symbol, tf, "DESC")
}

// Earliest returns the oldest candle of a series or nil.
func (r *CandleRepository) Earliest(ctx context.Context, symbol string, tf candles.Timeframe) (*candles.Candle, error) {
	return r.edge(ctx, symbol, tf, "ASC")
}

// Range returns candles with from <= time < to, ascending.
func (r *CandleRepository) Range(ctx context.Context, symbol string, tf candles.Timeframe, from, to int64) ([]candles.Candle, error) {
	table, where, args := series(symbol, tf)
	n := len(args)
	query := fmt.Sprintf(`SELECT time, open, high, low, close, volume FROM %s WHERE %s AND time >= $%d AND time < $%d ORDER BY time ASC`,
		table, where, n+1, n+2)
	rows, err := r.db.Pool.Query(ctx, query, append(args, from, to)...)
	if err != nil {
		return nil, fmt.Errorf("range %s %s: %w", symbol, tf, err)
	}
	return scanCandles(rows)
}

// DeleteBefore removes candles older than before. An empty symbol matches all.
func (r *CandleRepository) DeleteBefore(ctx context.Context, symbol string, tf candles.Timeframe, before int64) (int64, error) {
	var (
		query string
		args  []interface{}
	)
	switch {
	case tf.IsRaw() && symbol == "":
		query, args = `DELETE FROM candles WHERE time < $1`, []interface{}{before}
	case tf.IsRaw():
		query, args = `DELETE FROM candles WHERE symbol = $1 AND time < $2`, []interface{}{symbol, before}
	case symbol == "":
		query, args = `DELETE FROM candles_aggregated WHERE timeframe = $1 AND time < $2`, []interface{}{string(tf), before}
	default:
		query, args = `DELETE FROM candles_aggregated WHERE symbol = $1 AND timeframe = $2 AND time < $3`, []interface{}{symbol, string(tf), before}
	}
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s candles before %d: %w", tf, before, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteHistory removes every raw and aggregated candle of a symbol.
func (r *CandleRepository) DeleteHistory(ctx context.Context, symbol string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM candles WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("delete raw history of %s: %w", symbol, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM candles_aggregated WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("delete aggregated history of %s: %w", symbol, err)
	}
	return tx.Commit(ctx)
}

// Candles serves the read API. Without From the latest Limit candles are
// returned; results are ascending either way.
func (r *CandleRepository) Candles(ctx context.Context, q candles.Query) ([]candles.Candle, error) {
	table, where, args := series(q.Symbol, q.Timeframe)
	cols := "time, open, high, low, close, volume"
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	var query string
	if q.From != nil {
		args = append(args, *q.From, limit)
		query = fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND time >= $%d ORDER BY time ASC LIMIT $%d`,
			cols, table, where, len(args)-1, len(args))
	} else {
		args = append(args, limit)
		query = fmt.Sprintf(`SELECT %s FROM (SELECT %s FROM %s WHERE %s ORDER BY time DESC LIMIT $%d) recent ORDER BY time ASC`,
			cols, cols, table, where, len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get candles %s %s: %w", q.Symbol, q.Timeframe, err)
	}
	return scanCandles(rows)
}
