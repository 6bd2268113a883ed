package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chaos-exchange/internal/metrics"

	"github.com/rs/zerolog"
)

// DefaultMaxBucketsPerRun bounds the buckets one Backfill call may write.
const DefaultMaxBucketsPerRun = 1000

// Result summarises one aggregation pass.
type Result struct {
	Aggregated int   `json:"aggregated"`
	Cleaned    int64 `json:"cleaned"`
}

// Aggregator derives 1m..1d candles from the raw series, both incrementally
// as raw candles are generated and by scanning for missing buckets. All
// writes for one symbol are serialised.
type Aggregator struct {
	store      Store
	logger     zerolog.Logger
	maxBuckets int

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// symbolState tracks incremental aggregation of one symbol. Fields are
// guarded by mu, which is held for every write to the symbol's series.
type symbolState struct {
	mu        sync.Mutex
	seen      bool
	watermark int64
	// stale is set when a contribution could not be applied; buckets from
	// staleSince on are rebuilt from their source before anything else.
	stale      bool
	staleSince int64
}

// NewAggregator creates an Aggregator. maxBuckets <= 0 selects the default.
func NewAggregator(store Store, maxBuckets int, logger zerolog.Logger) *Aggregator {
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBucketsPerRun
	}
	return &Aggregator{
		store:      store,
		logger:     logger.With().Str("component", "CandleAggregator").Logger(),
		maxBuckets: maxBuckets,
		symbols:    make(map[string]*symbolState),
	}
}

// lock returns the symbol's state with its mutex held.
func (a *Aggregator) lock(symbol string) *symbolState {
	a.mu.Lock()
	st, ok := a.symbols[symbol]
	if !ok {
		st = &symbolState{}
		a.symbols[symbol] = st
	}
	a.mu.Unlock()
	st.mu.Lock()
	return st
}

// Contribute folds a freshly generated raw candle into the bucket of every
// aggregated timeframe. c must already be stored in the raw series. Candles
// must arrive in strictly increasing time per symbol; anything else is
// rejected with ErrOutOfOrder.
//
// A failed merge is retried once by rebuilding the affected buckets from
// their source. If that fails too the symbol is marked stale and the
// candle may be contributed again; the next successful Contribute or Run
// rebuilds everything since the failure.
func (a *Aggregator) Contribute(ctx context.Context, symbol string, c Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}

	st := a.lock(symbol)
	defer st.mu.Unlock()

	if st.seen && c.Time <= st.watermark {
		a.logger.Warn().
			Str("symbol", symbol).
			Int64("time", c.Time).
			Int64("last_time", st.watermark).
			Msg("Rejected out-of-order candle")
		return fmt.Errorf("%w: %s at %d (last %d)", ErrOutOfOrder, symbol, c.Time, st.watermark)
	}

	var err error
	if st.stale {
		err = a.rebuild(ctx, symbol, st.staleSince, c.Time)
	} else if err = a.store.MergeBuckets(ctx, symbol, c); err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Int64("time", c.Time).Msg("Bucket merge failed, rebuilding")
		err = a.rebuild(ctx, symbol, c.Time, c.Time)
	}
	if err != nil {
		if !st.stale || c.Time < st.staleSince {
			st.staleSince = c.Time
		}
		st.stale = true
		return fmt.Errorf("aggregate %s at %d: %w", symbol, c.Time, err)
	}

	st.stale = false
	st.seen, st.watermark = true, c.Time
	return nil
}

// rebuild recomputes every aggregated bucket overlapping [from, to] from
// the timeframe below it, in chain order.
func (a *Aggregator) rebuild(ctx context.Context, symbol string, from, to int64) error {
	for _, tf := range Aggregated {
		start, end := tf.Bucket(from), tf.Bucket(to)+tf.Seconds()
		source, err := a.store.Range(ctx, symbol, tf.Source(), start, end)
		if err != nil {
			return fmt.Errorf("load %s %s source: %w", symbol, tf.Source(), err)
		}
		err = eachBucket(tf, source, func(bucket int64, part []Candle) (bool, error) {
			c, _ := FoldAll(bucket, part)
			if err := a.store.PutAggregated(ctx, symbol, tf, c); err != nil {
				return false, fmt.Errorf("rebuild %s %s bucket %d: %w", symbol, tf, bucket, err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// repair rebuilds a stale symbol up to its newest raw candle. The caller
// holds st.mu.
func (a *Aggregator) repair(ctx context.Context, symbol string, st *symbolState) error {
	if !st.stale {
		return nil
	}
	latest, err := a.store.Latest(ctx, symbol, Raw)
	if err != nil {
		return fmt.Errorf("latest raw %s: %w", symbol, err)
	}
	if latest == nil {
		st.stale = false
		return nil
	}
	if err := a.rebuild(ctx, symbol, st.staleSince, latest.Time); err != nil {
		return err
	}
	a.logger.Info().
		Str("symbol", symbol).
		Int64("since", st.staleSince).
		Int64("until", latest.Time).
		Msg("Rebuilt stale aggregated candles")
	st.stale = false
	if latest.Time > st.watermark {
		st.seen, st.watermark = true, latest.Time
	}
	return nil
}

// Reset forgets the contribution state of a symbol.
func (a *Aggregator) Reset(symbol string) {
	st := a.lock(symbol)
	defer st.mu.Unlock()
	*st = symbolState{}
}

// seed writes every aggregated bucket covered by a freshly generated,
// time-ordered history and moves the watermark to its last candle. The
// result equals contributing the candles one at a time.
func (a *Aggregator) seed(ctx context.Context, symbol string, st *symbolState, history []Candle) error {
	if len(history) == 0 {
		return nil
	}
	for _, tf := range Aggregated {
		err := eachBucket(tf, history, func(bucket int64, part []Candle) (bool, error) {
			c, _ := FoldAll(bucket, part)
			if err := a.store.PutAggregated(ctx, symbol, tf, c); err != nil {
				return false, fmt.Errorf("seed %s %s bucket %d: %w", symbol, tf, bucket, err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	st.stale = false
	st.seen, st.watermark = true, history[len(history)-1].Time
	return nil
}

// ReplaceHistory deletes every candle of symbol and stores history, a
// time-ordered raw series, together with its aggregated buckets. Nothing
// else writes the symbol's series meanwhile.
func (a *Aggregator) ReplaceHistory(ctx context.Context, symbol string, history []Candle) error {
	st := a.lock(symbol)
	defer st.mu.Unlock()

	if err := a.store.DeleteHistory(ctx, symbol); err != nil {
		return fmt.Errorf("delete history of %s: %w", symbol, err)
	}
	*st = symbolState{}
	if err := a.store.InsertRawBatch(ctx, symbol, history); err != nil {
		return fmt.Errorf("insert history of %s: %w", symbol, err)
	}
	if err := a.seed(ctx, symbol, st, history); err != nil {
		return err
	}
	_, err := a.syncWithRaw(ctx, symbol)
	return err
}

// Backfill builds missing tf buckets from the timeframe below it in the
// chain. It scans from the oldest source candle, skips buckets that already
// exist, never touches the bucket containing now and writes at most the
// configured number of buckets. Running it twice writes nothing the second time.
func (a *Aggregator) Backfill(ctx context.Context, symbol string, tf Timeframe, now int64) (int, error) {
	if tf.IsRaw() {
		return 0, fmt.Errorf("%w: raw series is not derived", ErrUnknownTimeframe)
	}
	if _, err := ParseTimeframe(string(tf)); err != nil {
		return 0, err
	}

	st := a.lock(symbol)
	defer st.mu.Unlock()
	if err := a.repair(ctx, symbol, st); err != nil {
		return 0, err
	}
	return a.backfill(ctx, symbol, tf, now)
}

func (a *Aggregator) backfill(ctx context.Context, symbol string, tf Timeframe, now int64) (int, error) {
	src := tf.Source()

	oldest, err := a.store.Earliest(ctx, symbol, src)
	if err != nil {
		return 0, fmt.Errorf("earliest %s %s: %w", symbol, src, err)
	}
	if oldest == nil {
		return 0, nil
	}

	start := tf.Bucket(oldest.Time)
	end := tf.Bucket(now)
	if start >= end {
		return 0, nil
	}

	existing, err := a.store.Range(ctx, symbol, tf, start, end)
	if err != nil {
		return 0, fmt.Errorf("load %s %s buckets: %w", symbol, tf, err)
	}
	have := make(map[int64]bool, len(existing))
	for _, c := range existing {
		have[c.Time] = true
	}

	source, err := a.store.Range(ctx, symbol, src, start, end)
	if err != nil {
		return 0, fmt.Errorf("load %s %s source: %w", symbol, src, err)
	}

	filled := 0
	err = eachBucket(tf, source, func(bucket int64, part []Candle) (bool, error) {
		if have[bucket] {
			return true, nil
		}
		c, _ := FoldAll(bucket, part)
		if err := a.store.PutAggregated(ctx, symbol, tf, c); err != nil {
			return false, fmt.Errorf("write %s %s bucket %d: %w", symbol, tf, bucket, err)
		}
		filled++
		return filled < a.maxBuckets, nil
	})
	if err != nil {
		return filled, err
	}

	if filled > 0 {
		metrics.CandlesAggregated.WithLabelValues(string(tf)).Add(float64(filled))
		a.logger.Debug().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Int("buckets", filled).
			Msg("Backfilled candles")
	}
	return filled, nil
}

// eachBucket calls fn with consecutive runs of time-ordered src that share a
// tf bucket, until fn returns false or an error.
func eachBucket(tf Timeframe, src []Candle, fn func(bucket int64, part []Candle) (bool, error)) error {
	for i := 0; i < len(src); {
		bucket := tf.Bucket(src[i].Time)
		j := i
		for j < len(src) && tf.Bucket(src[j].Time) == bucket {
			j++
		}
		more, err := fn(bucket, src[i:j])
		if err != nil || !more {
			return err
		}
		i = j
	}
	return nil
}

// Prune drops raw and aggregated candles past their retention window.
func (a *Aggregator) Prune(ctx context.Context, now int64) (int64, error) {
	total, err := a.store.DeleteBefore(ctx, "", Raw, now-RawRetentionSeconds)
	if err != nil {
		return 0, fmt.Errorf("prune raw: %w", err)
	}
	for _, tf := range Aggregated {
		n, err := a.store.DeleteBefore(ctx, "", tf, now-tf.RetentionSeconds())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", tf, err)
		}
		total += n
	}
	metrics.CandlesPruned.Add(float64(total))
	return total, nil
}

// SyncWithRaw deletes aggregated buckets that start before the bucket holding
// the symbol's earliest raw candle, so derived data never reaches further back
// than the raw series after a regeneration.
func (a *Aggregator) SyncWithRaw(ctx context.Context, symbol string) (int64, error) {
	st := a.lock(symbol)
	defer st.mu.Unlock()
	return a.syncWithRaw(ctx, symbol)
}

func (a *Aggregator) syncWithRaw(ctx context.Context, symbol string) (int64, error) {
	earliest, err := a.store.Earliest(ctx, symbol, Raw)
	if err != nil {
		return 0, fmt.Errorf("earliest raw %s: %w", symbol, err)
	}
	if earliest == nil {
		return 0, nil
	}
	var total int64
	for _, tf := range Aggregated {
		n, err := a.store.DeleteBefore(ctx, symbol, tf, tf.Bucket(earliest.Time))
		if err != nil {
			return total, fmt.Errorf("purge %s %s: %w", symbol, tf, err)
		}
		total += n
	}
	if total > 0 {
		a.logger.Info().
			Str("symbol", symbol).
			Int64("earliest_raw", earliest.Time).
			Int64("purged", total).
			Msg("Purged aggregated candles older than raw history")
	}
	return total, nil
}

// Run backfills every symbol through the timeframe chain, then prunes.
// A failing symbol is logged and does not stop the others.
func (a *Aggregator) Run(ctx context.Context, symbols []string, now int64) (Result, error) {
	var res Result
	var errs []error
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := a.runSymbol(ctx, symbol, now)
		res.Aggregated += n
		if err != nil {
			a.logger.Error().Err(err).Str("symbol", symbol).Msg("Backfill failed")
			errs = append(errs, err)
		}
	}

	cleaned, err := a.Prune(ctx, now)
	res.Cleaned = cleaned
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// runSymbol repairs and backfills one symbol through the whole chain while
// holding its lock.
func (a *Aggregator) runSymbol(ctx context.Context, symbol string, now int64) (int, error) {
	st := a.lock(symbol)
	defer st.mu.Unlock()

	if err := a.repair(ctx, symbol, st); err != nil {
		return 0, err
	}
	total := 0
	for _, tf := range Aggregated {
		n, err := a.backfill(ctx, symbol, tf, now)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
