package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidLevel is returned for chaos levels outside [0, 100].
var ErrInvalidLevel = errors.New("chaos level must be between 0 and 100")

// Store persists the global chaos level and per-symbol overrides.
type Store interface {
	// GlobalLevel reports false when no level has been stored yet.
	GlobalLevel(ctx context.Context) (int, bool, error)
	SetGlobalLevel(ctx context.Context, level int) error
	Overrides(ctx context.Context) (map[string]int, error)
	// SetOverride clears the override when level is nil.
	SetOverride(ctx context.Context, symbol string, level *int) error
}

// Change describes a chaos setting update. An empty Symbol is the global level.
// Remote marks a change that arrived from another process.
type Change struct {
	Symbol  string `json:"symbol,omitempty"`
	Level   int    `json:"level"`
	Cleared bool   `json:"cleared,omitempty"`
	Remote  bool   `json:"-"`
}

// Settings is a point-in-time view of all chaos levels.
type Settings struct {
	Global    int            `json:"global"`
	Overrides map[string]int `json:"overrides"`
}

// Controller holds the chaos levels consulted on every generation tick.
// Reads are cheap and may be slightly stale relative to the store.
type Controller struct {
	store  Store
	logger zerolog.Logger

	mu        sync.RWMutex
	global    int
	overrides map[string]int

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// NewController creates a controller starting at defaultLevel. store may be nil.
func NewController(store Store, defaultLevel int, logger zerolog.Logger) *Controller {
	return &Controller{
		store:     store,
		logger:    logger.With().Str("component", "ChaosController").Logger(),
		global:    ClampLevel(defaultLevel),
		overrides: make(map[string]int),
		subs:      make(map[int]chan Change),
	}
}

// EffectiveLevel is the symbol's override when set, else the global level.
func (c *Controller) EffectiveLevel(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if lvl, ok := c.overrides[symbol]; ok {
		return lvl
	}
	return c.global
}

func (c *Controller) GlobalLevel() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global
}

func (c *Controller) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Settings{Global: c.global, Overrides: make(map[string]int, len(c.overrides))}
	for k, v := range c.overrides {
		out.Overrides[k] = v
	}
	return out
}

func validLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: got %d", ErrInvalidLevel, level)
	}
	return nil
}

// SetGlobal persists and applies a new global level.
func (c *Controller) SetGlobal(ctx context.Context, level int) error {
	if err := validLevel(level); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SetGlobalLevel(ctx, level); err != nil {
			return fmt.Errorf("persist global chaos level: %w", err)
		}
	}
	c.Apply(Change{Level: level})
	return nil
}

// SetOverride persists and applies a per-symbol override; nil clears it.
func (c *Controller) SetOverride(ctx context.Context, symbol string, level *int) error {
	if level != nil {
		if err := validLevel(*level); err != nil {
			return err
		}
	}
	if c.store != nil {
		if err := c.store.SetOverride(ctx, symbol, level); err != nil {
			return fmt.Errorf("persist chaos override for %s: %w", symbol, err)
		}
	}
	ch := Change{Symbol: symbol, Cleared: level == nil}
	if level != nil {
		ch.Level = *level
	}
	c.Apply(ch)
	return nil
}

// Apply updates in-memory state without persisting, e.g. for a change
// relayed from another process.
func (c *Controller) Apply(ch Change) {
	c.mu.Lock()
	switch {
	case ch.Symbol == "":
		c.global = ClampLevel(ch.Level)
	case ch.Cleared:
		delete(c.overrides, ch.Symbol)
	default:
		c.overrides[ch.Symbol] = ClampLevel(ch.Level)
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("symbol", ch.Symbol).
		Int("level", ch.Level).
		Bool("cleared", ch.Cleared).
		Msg("Chaos level changed")
	c.notify(ch)
}

// Refresh reloads levels from the store and notifies about anything that moved.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	global, found, err := c.store.GlobalLevel(ctx)
	if err != nil {
		return fmt.Errorf("load global chaos level: %w", err)
	}
	overrides, err := c.store.Overrides(ctx)
	if err != nil {
		return fmt.Errorf("load chaos overrides: %w", err)
	}

	var changes []Change
	c.mu.Lock()
	if found && ClampLevel(global) != c.global {
		c.global = ClampLevel(global)
		changes = append(changes, Change{Level: c.global})
	}
	for symbol, lvl := range overrides {
		lvl = ClampLevel(lvl)
		if cur, ok := c.overrides[symbol]; !ok || cur != lvl {
			c.overrides[symbol] = lvl
			changes = append(changes, Change{Symbol: symbol, Level: lvl})
		}
	}
	for symbol := range c.overrides {
		if _, ok := overrides[symbol]; !ok {
			delete(c.overrides, symbol)
			changes = append(changes, Change{Symbol: symbol, Cleared: true})
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.notify(ch)
	}
	return nil
}

// Run refreshes from the store every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if c.store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Chaos refresh failed")
			}
		}
	}
}

// Subscribe returns a channel of changes and a cancel func. Notifications to
// a full channel are dropped.
func (c *Controller) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) notify(ch Change) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	global    *int
	overrides map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[string]int)}
}

func (m *MemoryStore) GlobalLevel(context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global == nil {
		return 0, false, nil
	}
	return *m.global, true, nil
}

func (m *MemoryStore) SetGlobalLevel(_ context.Context, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = &level
	return nil
}

func (m *MemoryStore) Overrides(context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.overrides))
	for k, v := range m.overrides {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SetOverride(_ context.Context, symbol string, level *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level == nil {
		delete(m.overrides, symbol)
		return nil
	}
	m.overrides[symbol] = *level
	return nil
}
