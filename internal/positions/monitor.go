package positions

import (
	"context"
	"errors"
	"sync"

	"chaos-exchange/internal/events"
	"chaos-exchange/internal/metrics"

	"github.com/rs/zerolog"
)

// Monitor reacts to price updates by liquidating or closing positions whose
// triggers fire. Updates are coalesced per symbol so the publisher never waits
// on a sweep.
type Monitor struct {
	svc    *Service
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]events.PriceUpdate
	latest  map[string]int64
	wake    chan struct{}

	inflight sync.Map
}

func NewMonitor(svc *Service, logger zerolog.Logger) *Monitor {
	return &Monitor{
		svc:     svc,
		logger:  logger.With().Str("component", "TriggerMonitor").Logger(),
		pending: make(map[string]events.PriceUpdate),
		latest:  make(map[string]int64),
		wake:    make(chan struct{}, 1),
	}
}

// HandleEvent is an events.Subscriber for EventPriceUpdate.
func (m *Monitor) HandleEvent(e events.Event) {
	if u, ok := e.Data.(events.PriceUpdate); ok {
		m.OnPrice(u)
	}
}

// OnPrice queues a price for the next sweep. Older prices than one already
// seen for the symbol are ignored.
func (m *Monitor) OnPrice(u events.PriceUpdate) {
	m.mu.Lock()
	if u.Time < m.latest[u.Symbol] {
		m.mu.Unlock()
		return
	}
	m.latest[u.Symbol] = u.Time
	m.pending[u.Symbol] = u
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drains queued prices until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		m.mu.Lock()
		batch := m.pending
		m.pending = make(map[string]events.PriceUpdate, len(batch))
		m.mu.Unlock()

		for _, u := range batch {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.Sweep(ctx, u.Symbol, u.Price); err != nil {
				m.logger.Error().Err(err).Str("symbol", u.Symbol).Msg("Trigger sweep failed")
			}
		}
	}
}

// Sweep applies the highest-priority trigger of every open position on
// symbol at price and returns how many positions it settled. Positions already
// being handled are skipped.
func (m *Monitor) Sweep(ctx context.Context, symbol string, price float64) (int, error) {
	open, err := m.svc.repo.ListOpenPositions(ctx, symbol)
	if err != nil {
		return 0, transient("list open positions", err)
	}

	settled := 0
	for _, p := range open {
		trigger := Evaluate(*p, price)
		if trigger == TriggerNone {
			continue
		}
		if _, busy := m.inflight.LoadOrStore(p.ID, struct{}{}); busy {
			continue
		}
		metrics.TriggersFired.WithLabelValues(trigger.String()).Inc()

		var err error
		switch trigger {
		case TriggerLiquidation:
			_, err = m.svc.Liquidate(ctx, p.ID, price)
		case TriggerStopLoss:
			_, err = m.svc.close(ctx, p.ID, price, ReasonStopLoss)
		case TriggerTakeProfit:
			_, err = m.svc.close(ctx, p.ID, price, ReasonTakeProfit)
		}
		m.inflight.Delete(p.ID)

		switch {
		case err == nil:
			settled++
		case errors.Is(err, ErrAlreadyClosed):
		default:
			m.logger.Error().
				Err(err).
				Str("position_id", p.ID).
				Str("trigger", trigger.String()).
				Float64("price", price).
				Msg("Trigger action failed")
		}
	}
	return settled, nil
}
