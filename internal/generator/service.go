// Package generator produces one raw candle per symbol per second and keeps
// the aggregated series and current prices in step with it.
package generator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/events"
	"chaos-exchange/internal/leader"
	"chaos-exchange/internal/market"
	"chaos-exchange/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNotLeader is returned when a process that does not hold the generation
// lease is asked to write candles.
var ErrNotLeader = errors.New("this instance is not the generation leader")

const (
	DefaultSymbolTimeout  = 800 * time.Millisecond
	DefaultConcurrency    = 8
	DefaultHistorySeconds = 3600
)

// Config tunes a generation Service.
type Config struct {
	// SymbolTimeout bounds the work for one symbol within a tick.
	SymbolTimeout time.Duration
	Concurrency   int
	// HistorySeconds is the length of the one-second history seeded on reset.
	HistorySeconds int
	// Seed fixes the random sources; zero seeds from the clock.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.SymbolTimeout <= 0 {
		c.SymbolTimeout = DefaultSymbolTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HistorySeconds <= 0 {
		c.HistorySeconds = DefaultHistorySeconds
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	return c
}

// Publisher receives every generated candle.
type Publisher interface {
	PublishCandle(ctx context.Context, update events.CandleUpdate) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, update events.CandleUpdate) error

func (f PublisherFunc) PublishCandle(ctx context.Context, update events.CandleUpdate) error {
	return f(ctx, update)
}

// BusPublisher publishes candles on the in-process event bus.
func BusPublisher(bus *events.EventBus) Publisher {
	return PublisherFunc(func(_ context.Context, update events.CandleUpdate) error {
		bus.PublishCandle(update)
		return nil
	})
}

// MultiPublisher hands each candle to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishCandle(ctx context.Context, update events.CandleUpdate) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishCandle(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// symbolState is the generator's view of one symbol's series. Its mutex
// serialises ticks and resets of the symbol.
type symbolState struct {
	mu        sync.Mutex
	loaded    bool
	lastTime  int64
	lastClose float64
	src       chaos.Source
}

// Service generates candles for every listed pair.
type Service struct {
	pairs     market.PairStore
	store     candles.Store
	agg       *candles.Aggregator
	chaos     *chaos.Controller
	elector   leader.Elector
	publisher Publisher
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	states map[string]*symbolState
}

// NewService wires a generator. publisher may be nil.
func NewService(
	pairs market.PairStore,
	store candles.Store,
	agg *candles.Aggregator,
	ctrl *chaos.Controller,
	elector leader.Elector,
	publisher Publisher,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		pairs:     pairs,
		store:     store,
		agg:       agg,
		chaos:     ctrl,
		elector:   elector,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "CandleGenerator").Logger(),
		states:    make(map[string]*symbolState),
	}
}

func (s *Service) state(symbol string) *symbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	if !ok {
		h := fnv.New64a()
		h.Write([]byte(symbol))
		st = &symbolState{src: chaos.NewSource(s.cfg.Seed ^ h.Sum64())}
		s.states[symbol] = st
	}
	return st
}

// Invalidate drops cached per-symbol state so the next tick reloads it from
// the store. Called when this process becomes leader.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		st.mu.Lock()
		st.loaded = false
		st.mu.Unlock()
	}
	s.logger.Debug().Msg("Generator state invalidated")
}

// Tick generates the candle at unix second now for every pair. Symbols run
// concurrently; a failing or slow symbol is logged and left out of the
// result without affecting the others.
func (s *Service) Tick(ctx context.Context, now int64) ([]events.CandleUpdate, error) {
	if !s.elector.IsLeader() {
		return nil, ErrNotLeader
	}
	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	pairs, err := s.pairs.ListPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}

	results := make([]*events.CandleUpdate, len(pairs))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			symCtx, cancel := context.WithTimeout(ctx, s.cfg.SymbolTimeout)
			defer cancel()
			update, err := s.tickSymbol(symCtx, p, now)
			if err != nil {
				s.logger.Error().Err(err).Str("symbol", p.Symbol).Int64("time", now).Msg("Candle generation failed")
				return nil
			}
			results[i] = update
			return nil
		})
	}
	_ = g.Wait()

	out := make([]events.CandleUpdate, 0, len(results))
	for _, u := range results {
		if u != nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *Service) tickSymbol(ctx context.Context, p market.Pair, now int64) (*events.CandleUpdate, error) {
	st := s.state(p.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := s.load(ctx, st, p); err != nil {
			metrics.TicksTotal.WithLabelValues("dropped").Inc()
			return nil, err
		}
	}
	if now <= st.lastTime {
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug().Str("symbol", p.Symbol).Int64("time", now).Int64("last_time", st.lastTime).Msg("Skipped replayed tick")
		return nil, nil
	}

	level := s.chaos.EffectiveLevel(p.Symbol)
	c := chaos.NextCandle(st.lastClose, level, now, st.src)

	if err := retryOnce(ctx, func() error { return s.store.UpsertRaw(ctx, p.Symbol, c) }); err != nil {
		metrics.TicksTotal.WithLabelValues("dropped").Inc()
		return nil, fmt.Errorf("persist candle: %w", err)
	}
	st.lastTime = c.Time
	st.lastClose = c.Close

	if err := retryOnce(ctx, func() error { return s.pairs.UpdateCurrentPrice(ctx, p.Symbol, c.Close, c.Time) }); err != nil {
		s.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Failed to update current price")
	}
	if err := s.agg.Contribute(ctx, p.Symbol, c); err != nil {
		s.logger.Warn().Err(err).Str("symbol", p.Symbol).Int64("time", c.Time).Msg("Failed to aggregate candle")
	}

	update := events.CandleUpdate{Symbol: p.Symbol, Candle: c, ChaosLevel: level}
	if s.publisher != nil {
		if err := s.publisher.PublishCandle(ctx, update); err != nil {
			s.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Failed to publish candle")
		}
	}
	metrics.TicksTotal.WithLabelValues("generated").Inc()
	return &update, nil
}

// load resolves where the series continues from: the newest stored raw
// candle, else the pair's recorded price.
func (s *Service) load(ctx context.Context, st *symbolState, p market.Pair) error {
	latest, err := s.store.Latest(ctx, p.Symbol, candles.Raw)
	if err != nil {
		return fmt.Errorf("load latest candle: %w", err)
	}
	if latest != nil {
		st.lastTime, st.lastClose = latest.Time, latest.Close
	} else {
		st.lastTime, st.lastClose = p.LastCandleTime, p.ReferencePrice()
	}
	st.loaded = true
	return nil
}

func retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil {
		return err
	}
	return fn()
}

// ResetSymbol replaces a symbol's history with freshly generated one-second
// candles ending just before now and rebuilds its aggregated series.
func (s *Service) ResetSymbol(ctx context.Context, symbol string, now int64) (*market.Pair, error) {
	if !s.elector.IsLeader() {
		return nil, ErrNotLeader
	}
	p, err := s.pairs.GetPair(ctx, symbol)
	if err != nil {
		return nil, err
	}

	st := s.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.loaded = false
	last, err := s.seed(ctx, st, *p, now)
	if err != nil {
		return nil, err
	}
	p.CurrentPrice = last.Close
	p.LastCandleTime = last.Time

	s.logger.Info().
		Str("symbol", symbol).
		Int("candles", s.cfg.HistorySeconds).
		Float64("price", last.Close).
		Msg("History reset")
	return p, nil
}

func (s *Service) seed(ctx context.Context, st *symbolState, p market.Pair, now int64) (candles.Candle, error) {
	level := s.chaos.EffectiveLevel(p.Symbol)
	history := chaos.InitialHistory(p.ReferencePrice(), level, s.cfg.HistorySeconds, 1, now, st.src)
	last := history[len(history)-1]

	if err := s.agg.ReplaceHistory(ctx, p.Symbol, history); err != nil {
		return last, err
	}
	if err := s.pairs.UpdateCurrentPrice(ctx, p.Symbol, last.Close, last.Time); err != nil {
		return last, fmt.Errorf("update price of %s: %w", p.Symbol, err)
	}
	st.lastTime, st.lastClose, st.loaded = last.Time, last.Close, true
	return last, nil
}

// SeedMissing generates history for every pair that has neither raw nor
// aggregated candles yet and returns the seeded symbols.
func (s *Service) SeedMissing(ctx context.Context, now int64) ([]string, error) {
	if !s.elector.IsLeader() {
		return nil, ErrNotLeader
	}
	pairs, err := s.pairs.ListPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}

	var seeded []string
	for _, p := range pairs {
		empty, err := s.hasNoHistory(ctx, p.Symbol)
		if err != nil {
			return seeded, err
		}
		if !empty {
			continue
		}
		st := s.state(p.Symbol)
		st.mu.Lock()
		_, err = s.seed(ctx, st, p, now)
		st.mu.Unlock()
		if err != nil {
			return seeded, err
		}
		seeded = append(seeded, p.Symbol)
	}
	if len(seeded) > 0 {
		s.logger.Info().Strs("symbols", seeded).Msg("Seeded initial history")
	}
	return seeded, nil
}

func (s *Service) hasNoHistory(ctx context.Context, symbol string) (bool, error) {
	for _, tf := range []candles.Timeframe{candles.Raw, candles.TF1m} {
		c, err := s.store.Latest(ctx, symbol, tf)
		if err != nil {
			return false, fmt.Errorf("check history of %s: %w", symbol, err)
		}
		if c != nil {
			return false, nil
		}
	}
	return true, nil
}

// Aggregate backfills and prunes the aggregated series of every pair.
func (s *Service) Aggregate(ctx context.Context, now int64) (candles.Result, error) {
	pairs, err := s.pairs.ListPairs(ctx)
	if err != nil {
		return candles.Result{}, fmt.Errorf("list pairs: %w", err)
	}
	symbols := make([]string, len(pairs))
	for i, p := range pairs {
		symbols[i] = p.Symbol
	}
	return s.agg.Run(ctx, symbols, now)
}
