// Package bots fills the public trade feed with simulated trades so the
// market looks busy.
package bots

import (
	"context"
	"math"
	"time"

	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/leader"
	"chaos-exchange/internal/market"
	"chaos-exchange/internal/positions"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 5 * time.Second

	maxLeverage = 10
	// priceNoise is the largest relative deviation from the current price.
	priceNoise = 0.001
	// sizeExponent bounds sizes to [1, e^8).
	sizeExponent = 8.0
)

// PairLister lists the tradable pairs.
type PairLister interface {
	ListPairs(ctx context.Context) ([]market.Pair, error)
}

// TradeRecorder stores and publishes trades. positions.Service implements it.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, t *positions.Trade) error
}

// Trader posts one bot trade per interval while this process is leader.
type Trader struct {
	pairs    PairLister
	recorder TradeRecorder
	elector  leader.Elector
	src      chaos.Source
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTrader creates a bot trader. Trade is not safe for concurrent use
// unless src is.
func NewTrader(pairs PairLister, recorder TradeRecorder, elector leader.Elector, src chaos.Source, interval time.Duration, logger zerolog.Logger) *Trader {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Trader{
		pairs:    pairs,
		recorder: recorder,
		elector:  elector,
		src:      src,
		interval: interval,
		logger:   logger.With().Str("component", "BotTrader").Logger(),
		now:      time.Now,
	}
}

// Run blocks until ctx is done.
func (t *Trader) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("Bot trader started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Bot trader stopped")
			return
		case <-ticker.C:
			if !t.elector.IsLeader() {
				continue
			}
			if _, err := t.Trade(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("Bot trade failed")
			}
		}
	}
}

// Trade records one random trade on a random pair. It returns nil when no
// pairs are listed.
func (t *Trader) Trade(ctx context.Context) (*positions.Trade, error) {
	pairs, err := t.pairs.ListPairs(ctx)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	p := pairs[pick(t.src, len(pairs))]
	trade := MakeTrade(p, t.src, t.now())
	if err := t.recorder.RecordTrade(ctx, &trade); err != nil {
		return nil, err
	}

	t.logger.Debug().
		Str("symbol", trade.Symbol).
		Str("side", string(trade.Side)).
		Float64("size", trade.Size).
		Float64("price", trade.Price).
		Int("leverage", trade.Leverage).
		Msg("Bot trade")
	return &trade, nil
}

// MakeTrade draws a bot trade on p. Sizes are log-uniform so small trades
// dominate with the odd whale.
func MakeTrade(p market.Pair, src chaos.Source, now time.Time) positions.Trade {
	side := positions.TradeBuy
	if src.Float64() >= 0.5 {
		side = positions.TradeSell
	}
	size := math.Max(1, math.Floor(math.Exp(src.Float64()*sizeExponent)))
	leverage := 1 + pick(src, maxLeverage)
	price := p.ReferencePrice() * (1 + (src.Float64()*2-1)*priceNoise)

	return positions.Trade{
		IsBot:     true,
		Symbol:    p.Symbol,
		Side:      side,
		Size:      size,
		Price:     price,
		Leverage:  leverage,
		CreatedAt: now.UTC(),
	}
}

// pick returns a uniform index in [0, n).
func pick(src chaos.Source, n int) int {
	i := int(src.Float64() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}
