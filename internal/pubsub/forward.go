package pubsub

import (
	"context"
	"time"

	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/events"

	"github.com/rs/zerolog"
)

const forwardTimeout = 5 * time.Second

// ChaosPublisher broadcasts chaos changes to other processes.
type ChaosPublisher interface {
	PublishChaos(ctx context.Context, change chaos.Change) error
}

// ChaosForwarder fans every controller change out to the local event bus
// and, for changes made in this process, to the other processes.
type ChaosForwarder struct {
	changes <-chan chaos.Change
	cancel  func()
	bus     *events.EventBus
	relay   ChaosPublisher
	logger  zerolog.Logger
}

// NewChaosForwarder subscribes to ctrl immediately so no change made after
// it returns is missed. bus and relay may be nil.
func NewChaosForwarder(ctrl *chaos.Controller, bus *events.EventBus, relay ChaosPublisher, logger zerolog.Logger) *ChaosForwarder {
	changes, cancel := ctrl.Subscribe(64)
	return &ChaosForwarder{
		changes: changes,
		cancel:  cancel,
		bus:     bus,
		relay:   relay,
		logger:  logger.With().Str("component", "ChaosForwarder").Logger(),
	}
}

// Run forwards changes until ctx is done, then unsubscribes.
func (f *ChaosForwarder) Run(ctx context.Context) {
	defer f.cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-f.changes:
			if !ok {
				return
			}
			f.forward(ctx, change)
		}
	}
}

func (f *ChaosForwarder) forward(ctx context.Context, change chaos.Change) {
	if f.bus != nil {
		f.bus.Publish(events.Event{Type: events.EventChaosChanged, Symbol: change.Symbol, Data: change})
	}
	if f.relay == nil || change.Remote {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := f.relay.PublishChaos(pubCtx, change); err != nil {
		f.logger.Warn().
			Err(err).
			Str("symbol", change.Symbol).
			Msg("Failed to relay chaos change")
	}
}
