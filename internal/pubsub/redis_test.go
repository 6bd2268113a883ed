package pubsub

import (
	"encoding/json"
	"testing"
	"time"

	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/events"

	"github.com/rs/zerolog"
)

func encode(t *testing.T, origin string, v interface{}) string {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(envelope{Origin: origin, SentAt: time.Now(), Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestHandleRemoteCandle(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.CandleUpdate, 1)
	bus.Subscribe(events.EventCandleGenerated, func(e events.Event) {
		got <- e.Data.(events.CandleUpdate)
	})
	relay := NewRelay(nil, "follower", bus, nil, zerolog.Nop())

	update := events.CandleUpdate{
		Symbol:     "SHIT",
		Candle:     candles.Candle{Time: 10, Open: 1, High: 1.1, Low: 0.9, Close: 1.05, Volume: 100},
		ChaosLevel: 65,
	}
	relay.handle(ChannelCandles, encode(t, "leader", update))

	select {
	case u := <-got:
		if u != update {
			t.Errorf("relayed %+v, want %+v", u, update)
		}
	case <-time.After(time.Second):
		t.Fatal("candle not republished")
	}
}

func TestHandleSkipsOwnMessages(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan struct{}, 1)
	bus.SubscribeAll(func(events.Event) { got <- struct{}{} })
	relay := NewRelay(nil, "leader", bus, nil, zerolog.Nop())

	relay.handle(ChannelCandles, encode(t, "leader", events.CandleUpdate{Symbol: "SHIT"}))
	relay.handle(ChannelCandles, "not json")

	select {
	case <-got:
		t.Error("own or malformed message was republished")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleChaosChange(t *testing.T) {
	ctrl := chaos.NewController(nil, 50, zerolog.Nop())
	relay := NewRelay(nil, "follower", nil, ctrl, zerolog.Nop())

	relay.handle(ChannelControl, encode(t, "leader", chaos.Change{Symbol: "RUG", Level: 99}))
	if lvl := ctrl.EffectiveLevel("RUG"); lvl != 99 {
		t.Errorf("RUG level = %d, want 99", lvl)
	}

	relay.handle(ChannelControl, encode(t, "leader", chaos.Change{Symbol: "RUG", Cleared: true}))
	if lvl := ctrl.EffectiveLevel("RUG"); lvl != 50 {
		t.Errorf("RUG level after clear = %d, want 50", lvl)
	}
}
