package candles

import (
	"context"
	"sort"
	"sync"
)

// Query selects candles for the read API. With From nil the latest Limit
// candles are returned; results are always ascending by time.
type Query struct {
	Symbol    string
	Timeframe Timeframe
	From      *int64
	Limit     int
}

// Store persists raw candles keyed by (symbol, time) and aggregated candles
// keyed by (symbol, timeframe, time). Every write is an idempotent upsert.
type Store interface {
	UpsertRaw(ctx context.Context, symbol string, c Candle) error
	InsertRawBatch(ctx context.Context, symbol string, cs []Candle) error

	// MergeAggregated creates the bucket from c or folds c into it.
	MergeAggregated(ctx context.Context, symbol string, tf Timeframe, c Candle) error
	// MergeBuckets folds the raw candle c into its bucket of every aggregated
	// timeframe. Either all buckets change or none do.
	MergeBuckets(ctx context.Context, symbol string, c Candle) error
	// PutAggregated replaces the bucket with c.
	PutAggregated(ctx context.Context, symbol string, tf Timeframe, c Candle) error

	// Latest and Earliest return nil when the series is empty.
	Latest(ctx context.Context, symbol string, tf Timeframe) (*Candle, error)
	Earliest(ctx context.Context, symbol string, tf Timeframe) (*Candle, error)
	// Range returns candles with from <= time < to, ascending.
	Range(ctx context.Context, symbol string, tf Timeframe, from, to int64) ([]Candle, error)

	// DeleteBefore removes candles older than before. An empty symbol matches all.
	DeleteBefore(ctx context.Context, symbol string, tf Timeframe, before int64) (int64, error)
	// DeleteHistory removes every raw and aggregated candle of a symbol.
	DeleteHistory(ctx context.Context, symbol string) error

	Candles(ctx context.Context, q Query) ([]Candle, error)
}

type seriesKey struct {
	symbol string
	tf     Timeframe
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[seriesKey]map[int64]Candle
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[seriesKey]map[int64]Candle)}
}

func (s *MemoryStore) put(symbol string, tf Timeframe, c Candle) {
	k := seriesKey{symbol, tf}
	m, ok := s.series[k]
	if !ok {
		m = make(map[int64]Candle)
		s.series[k] = m
	}
	m[c.Time] = c
}

func (s *MemoryStore) sorted(symbol string, tf Timeframe) []Candle {
	m := s.series[seriesKey{symbol, tf}]
	out := make([]Candle, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func (s *MemoryStore) UpsertRaw(_ context.Context, symbol string, c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(symbol, Raw, c)
	return nil
}

func (s *MemoryStore) InsertRawBatch(_ context.Context, symbol string, cs []Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		s.put(symbol, Raw, c)
	}
	return nil
}

func (s *MemoryStore) MergeAggregated(_ context.Context, symbol string, tf Timeframe, c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.series[seriesKey{symbol, tf}][c.Time]; ok {
		c = Fold(existing, c)
	}
	s.put(symbol, tf, c)
	return nil
}

func (s *MemoryStore) MergeBuckets(_ context.Context, symbol string, c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range Aggregated {
		part := c
		part.Time = tf.Bucket(c.Time)
		if existing, ok := s.series[seriesKey{symbol, tf}][part.Time]; ok {
			part = Fold(existing, part)
		}
		s.put(symbol, tf, part)
	}
	return nil
}

func (s *MemoryStore) PutAggregated(_ context.Context, symbol string, tf Timeframe, c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(symbol, tf, c)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, symbol string, tf Timeframe) (*Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sorted(symbol, tf)
	if len(all) == 0 {
		return nil, nil
	}
	c := all[len(all)-1]
	return &c, nil
}

func (s *MemoryStore) Earliest(_ context.Context, symbol string, tf Timeframe) (*Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sorted(symbol, tf)
	if len(all) == 0 {
		return nil, nil
	}
	c := all[0]
	return &c, nil
}

func (s *MemoryStore) Range(_ context.Context, symbol string, tf Timeframe, from, to int64) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Candle
	for _, c := range s.sorted(symbol, tf) {
		if c.Time >= from && c.Time < to {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, symbol string, tf Timeframe, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, m := range s.series {
		if k.tf != tf || (symbol != "" && k.symbol != symbol) {
			continue
		}
		for t := range m {
			if t < before {
				delete(m, t)
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteHistory(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.series {
		if k.symbol == symbol {
			delete(s.series, k)
		}
	}
	return nil
}

func (s *MemoryStore) Candles(_ context.Context, q Query) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sorted(q.Symbol, q.Timeframe)
	if q.From != nil {
		i := sort.Search(len(all), func(i int) bool { return all[i].Time >= *q.From })
		all = all[i:]
		if q.Limit > 0 && len(all) > q.Limit {
			all = all[:q.Limit]
		}
		return all, nil
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[len(all)-q.Limit:]
	}
	return all, nil
}
