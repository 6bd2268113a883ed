package positions

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Repository persists positions, the margin balances they draw on and the
// trade feed. OpenPosition and SettlePosition each run as one unit of work:
// the balance change and the position change commit together or not at all.
type Repository interface {
	// Balance returns the user's free balance.
	Balance(ctx context.Context, userID string) (float64, error)
	// OpenPosition debits p.Size and stores p. It fails with
	// ErrInsufficientBalance when the balance cannot cover the margin.
	OpenPosition(ctx context.Context, p *Position) (float64, error)
	// SettlePosition moves an open position to s.Status and credits s.Credit,
	// flooring the resulting balance at zero. Only one caller can win;
	// the rest get ErrAlreadyClosed.
	SettlePosition(ctx context.Context, s Settlement) (*Position, float64, error)

	GetPosition(ctx context.Context, id string) (*Position, error)
	ListOpenPositions(ctx context.Context, symbol string) ([]*Position, error)
	// ListUserPositions filters by status unless it is empty.
	ListUserPositions(ctx context.Context, userID string, status Status) ([]*Position, error)

	RecordTrade(ctx context.Context, t *Trade) error
	RecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
}

// MemoryRepository is a Repository kept in process memory. Users without a
// balance start with startingBalance.
type MemoryRepository struct {
	mu              sync.Mutex
	startingBalance float64
	balances        map[string]float64
	positions       map[string]*Position
	trades          []Trade
	nextTradeID     int64
}

func NewMemoryRepository(startingBalance float64) *MemoryRepository {
	return &MemoryRepository{
		startingBalance: startingBalance,
		balances:        make(map[string]float64),
		positions:       make(map[string]*Position),
	}
}

// SetBalance overwrites a user's balance.
func (r *MemoryRepository) SetBalance(userID string, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] = amount
}

func (r *MemoryRepository) balance(userID string) float64 {
	if b, ok := r.balances[userID]; ok {
		return b
	}
	return r.startingBalance
}

func (r *MemoryRepository) Balance(_ context.Context, userID string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance(userID), nil
}

func (r *MemoryRepository) OpenPosition(_ context.Context, p *Position) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal := r.balance(p.UserID)
	if p.Size > bal {
		return bal, fmt.Errorf("%w: need %.8g, have %.8g", ErrInsufficientBalance, p.Size, bal)
	}
	bal -= p.Size
	r.balances[p.UserID] = bal
	cp := *p
	r.positions[p.ID] = &cp
	return bal, nil
}

func (r *MemoryRepository) SettlePosition(_ context.Context, s Settlement) (*Position, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[s.PositionID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, s.PositionID)
	}
	if p.Status != StatusOpen {
		return nil, 0, fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, p.ID, p.Status)
	}

	exit, pnl, closedAt := s.ExitPrice, s.RealizedPnL, s.ClosedAt
	p.Status = s.Status
	p.CloseReason = s.Reason
	p.ExitPrice = &exit
	p.RealizedPnL = &pnl
	p.ClosedAt = &closedAt

	bal := math.Max(0, r.balance(p.UserID)+s.Credit)
	r.balances[p.UserID] = bal

	cp := *p
	return &cp, bal, nil
}

func (r *MemoryRepository) GetPosition(_ context.Context, id string) (*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) filter(keep func(*Position) bool) []*Position {
	var out []*Position
	for _, p := range r.positions {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) ListOpenPositions(_ context.Context, symbol string) ([]*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(p *Position) bool {
		return p.Status == StatusOpen && (symbol == "" || p.Symbol == symbol)
	}), nil
}

func (r *MemoryRepository) ListUserPositions(_ context.Context, userID string, status Status) ([]*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(p *Position) bool {
		return p.UserID == userID && (status == "" || p.Status == status)
	}), nil
}

func (r *MemoryRepository) RecordTrade(_ context.Context, t *Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTradeID++
	t.ID = r.nextTradeID
	r.trades = append(r.trades, *t)
	return nil
}

// RecentTrades returns the newest trades first. An empty symbol matches all.
func (r *MemoryRepository) RecentTrades(_ context.Context, symbol string, limit int) ([]Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Trade
	for i := len(r.trades) - 1; i >= 0; i-- {
		if symbol != "" && r.trades[i].Symbol != symbol {
			continue
		}
		out = append(out, r.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
