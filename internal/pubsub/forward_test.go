package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/events"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []chaos.Change
	err     error
}

func (r *recordingPublisher) PublishChaos(_ context.Context, ch chaos.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
	return r.err
}

func (r *recordingPublisher) published() []chaos.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chaos.Change(nil), r.changes...)
}

func startForwarder(t *testing.T, ctrl *chaos.Controller, bus *events.EventBus, relay ChaosPublisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	fwd := NewChaosForwarder(ctrl, bus, relay, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForChange(t *testing.T, ch <-chan chaos.Change) chaos.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no chaos event on the bus")
		return chaos.Change{}
	}
}

func TestForwarderPublishesLocalChanges(t *testing.T) {
	ctrl := chaos.NewController(chaos.NewMemoryStore(), 50, zerolog.Nop())
	bus := events.NewEventBus()
	seen := make(chan chaos.Change, 4)
	bus.Subscribe(events.EventChaosChanged, func(e events.Event) {
		seen <- e.Data.(chaos.Change)
	})
	relay := &recordingPublisher{}
	startForwarder(t, ctrl, bus, relay)

	ctx := context.Background()
	if err := ctrl.SetGlobal(ctx, 80); err != nil {
		t.Fatal(err)
	}
	lvl := 99
	if err := ctrl.SetOverride(ctx, "RUG", &lvl); err != nil {
		t.Fatal(err)
	}

	if got := waitForChange(t, seen); got.Symbol != "" || got.Level != 80 {
		t.Errorf("first bus event = %+v", got)
	}
	if got := waitForChange(t, seen); got.Symbol != "RUG" || got.Level != 99 {
		t.Errorf("second bus event = %+v", got)
	}

	deadline := time.Now().Add(time.Second)
	for len(relay.published()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := relay.published(); len(got) != 2 || got[0].Level != 80 || got[1].Symbol != "RUG" {
		t.Errorf("relayed = %+v", got)
	}
}

func TestForwarderDoesNotEchoRemoteChanges(t *testing.T) {
	ctrl := chaos.NewController(nil, 50, zerolog.Nop())
	bus := events.NewEventBus()
	seen := make(chan chaos.Change, 4)
	bus.Subscribe(events.EventChaosChanged, func(e events.Event) {
		seen <- e.Data.(chaos.Change)
	})
	relay := &recordingPublisher{}
	startForwarder(t, ctrl, bus, relay)

	// A change replayed from Redis reaches local clients only.
	r := NewRelay(nil, "follower", nil, ctrl, zerolog.Nop())
	r.handle(ChannelControl, encode(t, "leader", chaos.Change{Symbol: "SHIT", Level: 5}))

	got := waitForChange(t, seen)
	if got.Symbol != "SHIT" || got.Level != 5 || !got.Remote {
		t.Errorf("bus event = %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(relay.published()); n != 0 {
		t.Errorf("remote change relayed back %d times", n)
	}
}

func TestForwarderSurvivesRelayErrors(t *testing.T) {
	ctrl := chaos.NewController(nil, 50, zerolog.Nop())
	bus := events.NewEventBus()
	seen := make(chan chaos.Change, 4)
	bus.Subscribe(events.EventChaosChanged, func(e events.Event) {
		seen <- e.Data.(chaos.Change)
	})
	startForwarder(t, ctrl, bus, &recordingPublisher{err: errors.New("redis down")})

	ctrl.Apply(chaos.Change{Level: 10})
	ctrl.Apply(chaos.Change{Level: 20})
	waitForChange(t, seen)
	if got := waitForChange(t, seen); got.Level != 20 {
		t.Errorf("second change = %+v", got)
	}
}
