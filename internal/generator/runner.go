package generator

import (
	"context"
	"errors"
	"sync"
	"time"

	"chaos-exchange/internal/leader"

	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval      = time.Second
	DefaultAggregateInterval = time.Minute
)

// Runner drives a Service on fixed intervals while this process is leader.
type Runner struct {
	svc               *Service
	elector           leader.Elector
	tickInterval      time.Duration
	aggregateInterval time.Duration
	logger            zerolog.Logger
	now               func() time.Time
}

// NewRunner creates a scheduler. Zero intervals select the defaults.
func NewRunner(svc *Service, elector leader.Elector, tickInterval, aggregateInterval time.Duration, logger zerolog.Logger) *Runner {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if aggregateInterval <= 0 {
		aggregateInterval = DefaultAggregateInterval
	}
	return &Runner{
		svc:               svc,
		elector:           elector,
		tickInterval:      tickInterval,
		aggregateInterval: aggregateInterval,
		logger:            logger.With().Str("component", "GeneratorRunner").Logger(),
		now:               time.Now,
	}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info().
		Dur("tick_interval", r.tickInterval).
		Dur("aggregate_interval", r.aggregateInterval).
		Msg("Generator scheduler started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.loop(ctx, r.tickInterval, r.tick)
	}()
	go func() {
		defer wg.Done()
		r.loop(ctx, r.aggregateInterval, r.aggregate)
	}()
	wg.Wait()

	r.logger.Info().Msg("Generator scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.elector.IsLeader() {
				fn(ctx)
			}
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.svc.Tick(ctx, r.now().Unix()); err != nil && !errors.Is(err, ErrNotLeader) && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("Generation tick failed")
	}
}

func (r *Runner) aggregate(ctx context.Context) {
	res, err := r.svc.Aggregate(ctx, r.now().Unix())
	if err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("Aggregation run failed")
	}
	if res.Aggregated > 0 || res.Cleaned > 0 {
		r.logger.Info().
			Int("aggregated", res.Aggregated).
			Int64("cleaned", res.Cleaned).
			Msg("Aggregation run finished")
	}
}
