package generator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/events"
	"chaos-exchange/internal/leader"
	"chaos-exchange/internal/market"

	"github.com/rs/zerolog"
)

// ============================================================================
// Fixtures
// ============================================================================

type fixture struct {
	svc   *Service
	store candles.Store
	pairs *market.MemoryPairStore
}

func newFixture(t *testing.T, store candles.Store, isLeader bool, pub Publisher) *fixture {
	t.Helper()
	pairs := market.NewMemoryPairStore(
		market.Pair{Symbol: "SHIT", InitialPrice: 1},
		market.Pair{Symbol: "HODL", InitialPrice: 420.69},
		market.Pair{Symbol: "RUG", InitialPrice: 100},
	)
	agg := candles.NewAggregator(store, 0, zerolog.Nop())
	ctrl := chaos.NewController(nil, chaos.DefaultLevel, zerolog.Nop())
	svc := NewService(pairs, store, agg, ctrl, leader.NewStatic("test", isLeader), pub,
		Config{Seed: 42, HistorySeconds: 600}, zerolog.Nop())
	return &fixture{svc: svc, store: store, pairs: pairs}
}

// flakyStore fails raw upserts for one symbol a fixed number of times.
type flakyStore struct {
	*candles.MemoryStore
	symbol   string
	failures int32
	attempts atomic.Int32
}

func (f *flakyStore) UpsertRaw(ctx context.Context, symbol string, c candles.Candle) error {
	if symbol == f.symbol {
		n := f.attempts.Add(1)
		if n <= f.failures {
			return errors.New("connection reset")
		}
	}
	return f.MemoryStore.UpsertRaw(ctx, symbol, c)
}

// stalledStore never completes raw writes for one symbol; they return only
// when the caller's context ends.
type stalledStore struct {
	*candles.MemoryStore
	symbol string
}

func (s *stalledStore) UpsertRaw(ctx context.Context, symbol string, c candles.Candle) error {
	if symbol == s.symbol {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryStore.UpsertRaw(ctx, symbol, c)
}

func bySymbol(updates []events.CandleUpdate) map[string]events.CandleUpdate {
	out := make(map[string]events.CandleUpdate, len(updates))
	for _, u := range updates {
		out[u.Symbol] = u
	}
	return out
}

// ============================================================================
// Tick
// ============================================================================

func TestTickRequiresLeader(t *testing.T) {
	f := newFixture(t, candles.NewMemoryStore(), false, nil)
	if _, err := f.svc.Tick(context.Background(), 1000); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("error = %v, want ErrNotLeader", err)
	}
	if c, _ := f.store.Latest(context.Background(), "SHIT", candles.Raw); c != nil {
		t.Error("follower wrote a candle")
	}
}

func TestTickGeneratesEverySymbol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, candles.NewMemoryStore(), true, nil)

	updates, err := f.svc.Tick(ctx, 1_700_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d candles, want 3", len(updates))
	}

	got := bySymbol(updates)
	hodl := got["HODL"]
	if hodl.Candle.Open != 420.69 || hodl.Candle.Time != 1_700_000_000 || hodl.ChaosLevel != chaos.DefaultLevel {
		t.Errorf("HODL update = %+v", hodl)
	}
	if err := hodl.Candle.Validate(); err != nil {
		t.Error(err)
	}

	p, _ := f.pairs.GetPair(ctx, "HODL")
	if p.CurrentPrice != hodl.Candle.Close || p.LastCandleTime != 1_700_000_000 {
		t.Errorf("pair not updated: %+v", p)
	}
	minute, _ := f.store.Latest(ctx, "HODL", candles.TF1m)
	if minute == nil || minute.Time != candles.TF1m.Bucket(1_700_000_000) {
		t.Errorf("1m bucket = %+v", minute)
	}
}

func TestTickChainsCloses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, candles.NewMemoryStore(), true, nil)

	first, _ := f.svc.Tick(ctx, 100)
	second, _ := f.svc.Tick(ctx, 101)
	a, b := bySymbol(first)["SHIT"], bySymbol(second)["SHIT"]
	if b.Candle.Open != a.Candle.Close {
		t.Errorf("open %g does not continue close %g", b.Candle.Open, a.Candle.Close)
	}
}

func TestTickReplayIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, candles.NewMemoryStore(), true, nil)

	if _, err := f.svc.Tick(ctx, 500); err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.Latest(ctx, "SHIT", candles.Raw)

	for _, now := range []int64{500, 499} {
		updates, err := f.svc.Tick(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if len(updates) != 0 {
			t.Errorf("tick at %d generated %d candles", now, len(updates))
		}
	}
	after, _ := f.store.Latest(ctx, "SHIT", candles.Raw)
	if *after != *before {
		t.Errorf("replay changed stored candle: %+v -> %+v", before, after)
	}
}

func TestTickContinuesFromStoredCandle(t *testing.T) {
	ctx := context.Background()
	store := candles.NewMemoryStore()
	_ = store.UpsertRaw(ctx, "RUG", candles.Candle{Time: 200, Open: 5, High: 5, Low: 5, Close: 5, Volume: 1})
	f := newFixture(t, store, true, nil)

	if updates, _ := f.svc.Tick(ctx, 200); bySymbol(updates)["RUG"].Symbol != "" {
		t.Error("generated a candle at an already stored time")
	}
	updates, _ := f.svc.Tick(ctx, 201)
	if got := bySymbol(updates)["RUG"].Candle.Open; got != 5 {
		t.Errorf("open = %g, want stored close 5", got)
	}
}

func TestTickRetriesOnceThenDrops(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name      string
		failures  int32
		generated bool
	}{
		{"transient failure recovers", 1, true},
		{"persistent failure drops", 5, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &flakyStore{MemoryStore: candles.NewMemoryStore(), symbol: "RUG", failures: tc.failures}
			f := newFixture(t, store, true, nil)

			updates, err := f.svc.Tick(ctx, 300)
			if err != nil {
				t.Fatal(err)
			}
			got := bySymbol(updates)
			if _, ok := got["RUG"]; ok != tc.generated {
				t.Errorf("RUG generated = %v, want %v", ok, tc.generated)
			}
			if len(got) < 2 || got["SHIT"].Symbol == "" || got["HODL"].Symbol == "" {
				t.Errorf("other symbols affected: %+v", got)
			}
			if n := store.attempts.Load(); n != 2 {
				t.Errorf("upsert attempts = %d, want 2", n)
			}
		})
	}
}

func TestTickAbandonsStalledSymbol(t *testing.T) {
	ctx := context.Background()
	store := &stalledStore{MemoryStore: candles.NewMemoryStore(), symbol: "HODL"}
	f := newFixture(t, store, true, nil)
	f.svc.cfg.SymbolTimeout = 100 * time.Millisecond

	started := time.Now()
	updates, err := f.svc.Tick(ctx, 500)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed > time.Second {
		t.Errorf("tick took %v with a 100ms symbol budget", elapsed)
	}

	got := bySymbol(updates)
	if _, ok := got["HODL"]; ok {
		t.Error("stalled symbol reported a candle")
	}
	if got["SHIT"].Symbol == "" || got["RUG"].Symbol == "" {
		t.Fatalf("other symbols missing: %+v", got)
	}
	if c, _ := f.store.Latest(ctx, "RUG", candles.Raw); c == nil || c.Time != 500 {
		t.Errorf("RUG raw candle = %+v", c)
	}

	// The stalled symbol does not hold up the next tick either.
	updates, err = f.svc.Tick(ctx, 501)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Errorf("second tick produced %d candles, want 2", len(updates))
	}
}

func TestTickPublishes(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	pub := PublisherFunc(func(_ context.Context, u events.CandleUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u.Symbol)
		return nil
	})
	failing := PublisherFunc(func(context.Context, events.CandleUpdate) error {
		return errors.New("relay down")
	})
	f := newFixture(t, candles.NewMemoryStore(), true, MultiPublisher{pub, failing})

	updates, _ := f.svc.Tick(context.Background(), 10)
	if len(updates) != 3 {
		t.Fatalf("publisher failure dropped candles: %d", len(updates))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("published %v", seen)
	}
}

// ============================================================================
// History reset and seeding
// ============================================================================

func TestResetSymbol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, candles.NewMemoryStore(), true, nil)
	const now = int64(1_700_003_600)

	// Old history far before the new window must disappear.
	_ = f.store.UpsertRaw(ctx, "SHIT", candles.Candle{Time: 1_600_000_000, Open: 1, High: 1, Low: 1, Close: 1})
	_ = f.store.MergeAggregated(ctx, "SHIT", candles.TF1d, candles.Candle{Time: candles.TF1d.Bucket(1_600_000_000), Open: 1, High: 1, Low: 1, Close: 1})

	p, err := f.svc.ResetSymbol(ctx, "SHIT", now)
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := f.store.Range(ctx, "SHIT", candles.Raw, 0, now+1)
	if len(raw) != 600 || raw[0].Time != now-600 || raw[len(raw)-1].Time != now-1 {
		t.Fatalf("raw history: %d candles", len(raw))
	}
	if p.CurrentPrice != raw[len(raw)-1].Close {
		t.Errorf("current price %g, last close %g", p.CurrentPrice, raw[len(raw)-1].Close)
	}
	for _, tf := range candles.Aggregated {
		earliest, _ := f.store.Earliest(ctx, "SHIT", tf)
		if earliest == nil || earliest.Time < tf.Bucket(now-600) {
			t.Errorf("%s earliest = %+v", tf, earliest)
		}
	}

	updates, err := f.svc.Tick(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if got := bySymbol(updates)["SHIT"].Candle.Open; got != p.CurrentPrice {
		t.Errorf("tick after reset opened at %g, want %g", got, p.CurrentPrice)
	}
}

func TestResetUnknownSymbol(t *testing.T) {
	f := newFixture(t, candles.NewMemoryStore(), true, nil)
	if _, err := f.svc.ResetSymbol(context.Background(), "NOPE", 100); !errors.Is(err, market.ErrUnknownSymbol) {
		t.Errorf("error = %v, want ErrUnknownSymbol", err)
	}
}

func TestSeedMissingSkipsSymbolsWithHistory(t *testing.T) {
	ctx := context.Background()
	store := candles.NewMemoryStore()
	_ = store.UpsertRaw(ctx, "HODL", candles.Candle{Time: 50, Open: 2, High: 2, Low: 2, Close: 2})
	f := newFixture(t, store, true, nil)

	seeded, err := f.svc.SeedMissing(ctx, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(seeded) != 2 {
		t.Fatalf("seeded %v, want RUG and SHIT", seeded)
	}
	for _, s := range seeded {
		if s == "HODL" {
			t.Error("HODL already had history")
		}
	}
	if again, _ := f.svc.SeedMissing(ctx, 10_000); len(again) != 0 {
		t.Errorf("second seed run seeded %v", again)
	}
}

func TestAggregateRunsForAllPairs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, candles.NewMemoryStore(), true, nil)
	if _, err := f.svc.SeedMissing(ctx, 1_700_000_000); err != nil {
		t.Fatal(err)
	}
	// Seeding already wrote every bucket; a backfill finds nothing to add.
	res, err := f.svc.Aggregate(ctx, 1_700_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Aggregated != 0 {
		t.Errorf("aggregated %d buckets after seeding", res.Aggregated)
	}
}
