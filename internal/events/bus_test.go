package events

import (
	"sync"
	"testing"
	"time"

	"chaos-exchange/internal/candles"
)

func TestPublishCandleFansOut(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []EventType
	var wg sync.WaitGroup
	wg.Add(3)

	record := func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		wg.Done()
	}
	bus.Subscribe(EventPriceUpdate, record)
	bus.SubscribeAll(record)

	bus.PublishCandle(CandleUpdate{
		Symbol: "SHIT",
		Candle: candles.Candle{Time: 10, Open: 1, High: 1.1, Low: 0.9, Close: 1.05},
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribers were not called")
	}

	counts := map[EventType]int{}
	for _, e := range got {
		counts[e]++
	}
	if counts[EventCandleGenerated] != 1 || counts[EventPriceUpdate] != 2 {
		t.Errorf("deliveries = %v", counts)
	}
}

func TestPublishDoesNotWaitForSubscribers(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	bus.Subscribe(EventTrade, func(Event) { <-release })
	defer close(release)

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventTrade})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	bus := NewEventBus()

	var got []int64
	bus.Subscribe(EventPriceUpdate, func(e Event) {
		got = append(got, e.Data.(PriceUpdate).Time)
	})

	const n = 100
	for i := int64(0); i < n; i++ {
		bus.Publish(Event{Type: EventPriceUpdate, Data: PriceUpdate{Symbol: "RUG", Time: i}})
	}
	bus.Close()

	if len(got) != n {
		t.Fatalf("delivered %d events, want %d", len(got), n)
	}
	for i, ts := range got {
		if ts != int64(i) {
			t.Fatalf("event %d has time %d: delivery out of order", i, ts)
		}
	}
}

func TestFullQueueDropsNewestEvents(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})

	var got []int64
	bus.Subscribe(EventPriceUpdate, func(e Event) {
		<-release
		got = append(got, e.Data.(PriceUpdate).Time)
	})

	total := int64(QueueSize + 10)
	for i := int64(0); i < total; i++ {
		bus.Publish(Event{Type: EventPriceUpdate, Data: PriceUpdate{Time: i}})
	}
	close(release)
	bus.Close()

	// One event may already be in the handler while the queue fills.
	if len(got) < QueueSize || len(got) > QueueSize+1 {
		t.Fatalf("delivered %d events, want %d or %d", len(got), QueueSize, QueueSize+1)
	}
	for i, ts := range got {
		if ts != int64(i) {
			t.Fatalf("event %d has time %d, want the oldest events kept", i, ts)
		}
	}
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	bus := NewEventBus()
	calls := make(chan struct{}, 1)
	bus.SubscribeAll(func(Event) { calls <- struct{}{} })
	bus.Close()
	bus.Close()

	bus.Publish(Event{Type: EventTrade})
	select {
	case <-calls:
		t.Error("subscriber called after Close")
	case <-time.After(20 * time.Millisecond):
	}
}
