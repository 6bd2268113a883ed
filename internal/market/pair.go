// Package market holds the tradable pairs and their live reference prices.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSymbol is returned when a symbol is not a listed pair.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Pair is a tradable symbol. CurrentPrice is the close of the latest generated candle.
type Pair struct {
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	InitialPrice   float64 `json:"initial_price"`
	CurrentPrice   float64 `json:"current_price"`
	ChaosOverride  *int    `json:"chaos_override,omitempty"`
	LastCandleTime int64   `json:"last_candle_time,omitempty"`
}

// ReferencePrice is the current price, falling back to the initial price and then 1.
func (p Pair) ReferencePrice() float64 {
	if p.CurrentPrice > 0 {
		return p.CurrentPrice
	}
	if p.InitialPrice > 0 {
		return p.InitialPrice
	}
	return 1
}

// PairStore persists pairs.
type PairStore interface {
	ListPairs(ctx context.Context) ([]Pair, error)
	GetPair(ctx context.Context, symbol string) (*Pair, error)
	UpsertPair(ctx context.Context, p Pair) error
	UpdateCurrentPrice(ctx context.Context, symbol string, price float64, t int64) error
}

func intPtr(v int) *int { return &v }

// DefaultPairs is the seed listing.
func DefaultPairs() []Pair {
	return []Pair{
		{Symbol: "SHIT", Name: "Sovereign Hedge Inflation Token", Description: "The gold standard of nothing.", InitialPrice: 1, ChaosOverride: intPtr(65)},
		{Symbol: "HODL", Name: "Hold On for Dear Life", Description: "Only goes up if you look away.", InitialPrice: 420.69, ChaosOverride: intPtr(40)},
		{Symbol: "DEGEN", Name: "Degen Coin", Description: "High volatility, high stress.", InitialPrice: 0.0000001, ChaosOverride: intPtr(85)},
		{Symbol: "RUG", Name: "Rug Pull Protocol", Description: "It works until it doesn't.", InitialPrice: 100, ChaosOverride: intPtr(95)},
		{Symbol: "COPE", Name: "Cope Inu", Description: "For when you missed the pump.", InitialPrice: 13.37, ChaosOverride: intPtr(30)},
		{Symbol: "WAGMI", Name: "We Are All Gonna Make It", Description: "Optimism in token form.", InitialPrice: 777, ChaosOverride: intPtr(55)},
	}
}

// MemoryPairStore is a PairStore kept in process memory.
type MemoryPairStore struct {
	mu    sync.RWMutex
	pairs map[string]Pair
}

// NewMemoryPairStore creates a store holding the given pairs.
func NewMemoryPairStore(pairs ...Pair) *MemoryPairStore {
	s := &MemoryPairStore{pairs: make(map[string]Pair, len(pairs))}
	for _, p := range pairs {
		s.pairs[p.Symbol] = p
	}
	return s
}

func (s *MemoryPairStore) ListPairs(context.Context) ([]Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryPairStore) GetPair(_ context.Context, symbol string) (*Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return &p, nil
}

func (s *MemoryPairStore) UpsertPair(_ context.Context, p Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[p.Symbol] = p
	return nil
}

func (s *MemoryPairStore) UpdateCurrentPrice(_ context.Context, symbol string, price float64, t int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	p.CurrentPrice = price
	p.LastCandleTime = t
	s.pairs[symbol] = p
	return nil
}

// ChaosSettings keeps the global chaos level in memory and per-symbol
// overrides on the pairs themselves.
type ChaosSettings struct {
	*MemoryPairStore
	mu     sync.Mutex
	global *int
}

// NewChaosSettings wraps a pair store so overrides live on the pairs.
func NewChaosSettings(pairs *MemoryPairStore) *ChaosSettings {
	return &ChaosSettings{MemoryPairStore: pairs}
}

func (c *ChaosSettings) GlobalLevel(context.Context) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.global == nil {
		return 0, false, nil
	}
	return *c.global, true, nil
}

func (c *ChaosSettings) SetGlobalLevel(_ context.Context, level int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global = &level
	return nil
}

func (c *ChaosSettings) Overrides(context.Context) (map[string]int, error) {
	c.MemoryPairStore.mu.RLock()
	defer c.MemoryPairStore.mu.RUnlock()
	out := make(map[string]int)
	for sym, p := range c.pairs {
		if p.ChaosOverride != nil {
			out[sym] = *p.ChaosOverride
		}
	}
	return out, nil
}

func (c *ChaosSettings) SetOverride(_ context.Context, symbol string, level *int) error {
	c.MemoryPairStore.mu.Lock()
	defer c.MemoryPairStore.mu.Unlock()
	p, ok := c.pairs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if level != nil {
		v := *level
		level = &v
	}
	p.ChaosOverride = level
	c.pairs[symbol] = p
	return nil
}
