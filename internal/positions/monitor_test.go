package positions

import (
	"context"
	"testing"
	"time"

	"chaos-exchange/internal/events"

	"github.com/rs/zerolog"
)

func TestSweepAppliesTriggers(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 10_000)
	mon := NewMonitor(svc, zerolog.Nop())

	withStop := longRequest(100, 10, 1.0)
	withStop.StopLoss = ptr(0.95)
	stopped, _ := svc.Open(ctx, withStop)

	liquidated, _ := svc.Open(ctx, longRequest(100, 50, 1.0))

	withTP := OpenRequest{UserID: "u2", Symbol: "SHIT", Side: SideShort, Size: 50, Leverage: 2, EntryPrice: 1.0, TakeProfit: ptr(0.96)}
	profit, _ := svc.Open(ctx, withTP)

	untouched, _ := svc.Open(ctx, longRequest(100, 2, 1.0))

	n, err := mon.Sweep(ctx, "SHIT", 0.94)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("settled %d positions, want 3", n)
	}

	check := func(id string, status Status, reason CloseReason) {
		t.Helper()
		p, _ := repo.GetPosition(ctx, id)
		if p.Status != status || p.CloseReason != reason {
			t.Errorf("%s: status %s reason %s, want %s %s", id, p.Status, p.CloseReason, status, reason)
		}
	}
	check(stopped.ID, StatusClosed, ReasonStopLoss)
	check(liquidated.ID, StatusLiquidated, ReasonLiquidation)
	check(profit.ID, StatusClosed, ReasonTakeProfit)
	check(untouched.ID, StatusOpen, "")

	// A second sweep at the same price is a no-op.
	if n, _ := mon.Sweep(ctx, "SHIT", 0.94); n != 0 {
		t.Errorf("repeat sweep settled %d", n)
	}
}

func TestMonitorRunConsumesPriceEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, repo := newTestService(t, 1000)
	p, _ := svc.Open(ctx, longRequest(100, 10, 1.0))

	mon := NewMonitor(svc, zerolog.Nop())
	go mon.Run(ctx)

	mon.HandleEvent(events.Event{
		Type: events.EventPriceUpdate,
		Data: events.PriceUpdate{Symbol: "SHIT", Price: 0.5, Time: 100},
	})

	deadline := time.After(2 * time.Second)
	for {
		got, _ := repo.GetPosition(ctx, p.ID)
		if got.Status == StatusLiquidated {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("position still %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOnPriceIgnoresStaleUpdates(t *testing.T) {
	svc, _ := newTestService(t, 1000)
	mon := NewMonitor(svc, zerolog.Nop())

	mon.OnPrice(events.PriceUpdate{Symbol: "HODL", Price: 2, Time: 20})
	mon.OnPrice(events.PriceUpdate{Symbol: "HODL", Price: 1, Time: 10})

	mon.mu.Lock()
	defer mon.mu.Unlock()
	if got := mon.pending["HODL"].Price; got != 2 {
		t.Errorf("pending price = %g, want the newest (2)", got)
	}
}
