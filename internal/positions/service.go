package positions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"chaos-exchange/internal/events"
	"chaos-exchange/internal/market"
	"chaos-exchange/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxLeverage is used when Config.MaxLeverage is unset.
const DefaultMaxLeverage = 100

// Config tunes the lifecycle rules.
type Config struct {
	MaxLeverage       int
	LiquidationBuffer float64
}

// PairLookup resolves listed symbols.
type PairLookup interface {
	GetPair(ctx context.Context, symbol string) (*market.Pair, error)
}

// OpenRequest carries the parameters of a new position.
type OpenRequest struct {
	UserID     string
	Symbol     string
	Side       Side
	Size       float64
	Leverage   int
	EntryPrice float64
	StopLoss   *float64
	TakeProfit *float64
}

// Service opens, closes and liquidates positions. Operations on the same
// position are serialized in-process; the repository settles races between
// processes.
type Service struct {
	repo      Repository
	pairs     PairLookup
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger
	locks     *keyedMutex
	now       func() time.Time
}

// NewService creates a Service. publisher may be nil.
func NewService(repo Repository, pairs PairLookup, publisher events.Publisher, cfg Config, logger zerolog.Logger) (*Service, error) {
	if repo == nil || pairs == nil {
		return nil, fmt.Errorf("%w: repository and pair lookup are required", ErrConfiguration)
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = DefaultMaxLeverage
	}
	if cfg.LiquidationBuffer < 0 {
		return nil, fmt.Errorf("%w: negative liquidation buffer", ErrConfiguration)
	}
	return &Service{
		repo:      repo,
		pairs:     pairs,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "PositionService").Logger(),
		locks:     newKeyedMutex(),
		now:       time.Now,
	}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func (s *Service) validate(ctx context.Context, req OpenRequest) error {
	if req.UserID == "" {
		return invalid("user_id", "required")
	}
	if !req.Side.Valid() {
		return invalid("side", "must be long or short")
	}
	if !positive(req.Size) {
		return invalid("size", "margin must be positive")
	}
	if req.Leverage < 1 || req.Leverage > s.cfg.MaxLeverage {
		return invalid("leverage", fmt.Sprintf("must be between 1 and %d", s.cfg.MaxLeverage))
	}
	if !positive(req.EntryPrice) {
		return invalid("entry_price", "must be positive")
	}
	if req.StopLoss != nil && !positive(*req.StopLoss) {
		return invalid("stop_loss", "must be positive")
	}
	if req.TakeProfit != nil && !positive(*req.TakeProfit) {
		return invalid("take_profit", "must be positive")
	}
	if _, err := s.pairs.GetPair(ctx, req.Symbol); err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			return invalid("symbol", fmt.Sprintf("%q is not listed", req.Symbol))
		}
		return transient("lookup pair", err)
	}
	return nil
}

// Open validates req, debits the margin and stores a new open position.
// Nothing is mutated when it fails.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	liq, err := LiquidationPrice(req.EntryPrice, req.Leverage, req.Side, s.cfg.LiquidationBuffer)
	if err != nil {
		return nil, err
	}

	bal, err := s.repo.Balance(ctx, req.UserID)
	if err != nil {
		return nil, transient("read balance", err)
	}
	if req.Size > bal {
		return nil, fmt.Errorf("%w: need %.8g, have %.8g", ErrInsufficientBalance, req.Size, bal)
	}

	p := &Position{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Size:             req.Size,
		Leverage:         req.Leverage,
		EntryPrice:       req.EntryPrice,
		LiquidationPrice: liq,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		Status:           StatusOpen,
		CreatedAt:        s.now().UTC(),
	}
	balAfter, err := s.repo.OpenPosition(ctx, p)
	if err != nil {
		return nil, transient("open position", err)
	}

	s.recordTrade(ctx, &Trade{
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Side:       openingSide(p.Side),
		Size:       p.Size,
		Price:      p.EntryPrice,
		Leverage:   p.Leverage,
		PositionID: p.ID,
		CreatedAt:  p.CreatedAt,
	})

	metrics.PositionsOpened.WithLabelValues(string(p.Side)).Inc()
	s.logger.Info().
		Str("position_id", p.ID).
		Str("user_id", p.UserID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("size", p.Size).
		Int("leverage", p.Leverage).
		Float64("entry_price", p.EntryPrice).
		Float64("liquidation_price", liq).
		Float64("balance", balAfter).
		Msg("Position opened")
	s.publish(events.EventPositionOpened, p)
	return p, nil
}

// Close settles an open position at exitPrice and credits margin plus P&L.
func (s *Service) Close(ctx context.Context, id string, exitPrice float64) (*Position, error) {
	return s.close(ctx, id, exitPrice, ReasonManual)
}

func (s *Service) close(ctx context.Context, id string, exitPrice float64, reason CloseReason) (*Position, error) {
	if !positive(exitPrice) {
		return nil, invalid("exit_price", "must be positive")
	}
	return s.settle(ctx, id, func(p *Position) Settlement {
		pnl := UnrealizedPnL(*p, exitPrice)
		return Settlement{
			Status:      StatusClosed,
			Reason:      reason,
			ExitPrice:   exitPrice,
			RealizedPnL: pnl,
			Credit:      p.Size + pnl,
		}
	})
}

// Liquidate forfeits the whole margin of an open position.
func (s *Service) Liquidate(ctx context.Context, id string, price float64) (*Position, error) {
	if !positive(price) {
		return nil, invalid("liquidation_price", "must be positive")
	}
	return s.settle(ctx, id, func(p *Position) Settlement {
		return Settlement{
			Status:      StatusLiquidated,
			Reason:      ReasonLiquidation,
			ExitPrice:   price,
			RealizedPnL: -p.Size,
		}
	})
}

func (s *Service) settle(ctx context.Context, id string, build func(*Position) Settlement) (*Position, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.GetPosition(ctx, id)
	if err != nil {
		return nil, transient("load position", err)
	}
	if p.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, id, p.Status)
	}

	st := build(p)
	st.PositionID = id
	st.ClosedAt = s.now().UTC()

	settled, bal, err := s.repo.SettlePosition(ctx, st)
	if err != nil {
		return nil, transient("settle position", err)
	}

	s.recordTrade(ctx, &Trade{
		UserID:     settled.UserID,
		Symbol:     settled.Symbol,
		Side:       closingSide(settled.Side),
		Size:       settled.Size,
		Price:      st.ExitPrice,
		Leverage:   settled.Leverage,
		PositionID: settled.ID,
		CreatedAt:  st.ClosedAt,
	})

	metrics.PositionsSettled.WithLabelValues(string(st.Status), string(st.Reason)).Inc()
	s.logger.Info().
		Str("position_id", settled.ID).
		Str("user_id", settled.UserID).
		Str("symbol", settled.Symbol).
		Str("status", string(st.Status)).
		Str("reason", string(st.Reason)).
		Float64("exit_price", st.ExitPrice).
		Float64("realized_pnl", st.RealizedPnL).
		Float64("balance", bal).
		Msg("Position settled")

	evt := events.EventPositionClosed
	if st.Status == StatusLiquidated {
		evt = events.EventPositionLiquidated
	}
	s.publish(evt, settled)
	return settled, nil
}

// Balance returns the user's free balance.
func (s *Service) Balance(ctx context.Context, userID string) (float64, error) {
	bal, err := s.repo.Balance(ctx, userID)
	return bal, transient("read balance", err)
}

// Get returns one position.
func (s *Service) Get(ctx context.Context, id string) (*Position, error) {
	p, err := s.repo.GetPosition(ctx, id)
	return p, transient("load position", err)
}

// Positions lists a user's positions, newest first. An empty status lists all.
func (s *Service) Positions(ctx context.Context, userID string, status Status) ([]*Position, error) {
	ps, err := s.repo.ListUserPositions(ctx, userID, status)
	return ps, transient("list positions", err)
}

// Trades lists the newest trades for symbol, or for all symbols when empty.
func (s *Service) Trades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	ts, err := s.repo.RecentTrades(ctx, symbol, limit)
	return ts, transient("list trades", err)
}

// RecordTrade appends t to the trade feed and publishes it.
func (s *Service) RecordTrade(ctx context.Context, t *Trade) error {
	if err := s.repo.RecordTrade(ctx, t); err != nil {
		return transient("record trade", err)
	}
	if s.publisher != nil {
		s.publisher.Publish(events.Event{Type: events.EventTrade, Symbol: t.Symbol, Data: *t})
	}
	return nil
}

// recordTrade is RecordTrade for trades that accompany a position change;
// a lost feed entry does not undo the change.
func (s *Service) recordTrade(ctx context.Context, t *Trade) {
	if err := s.RecordTrade(ctx, t); err != nil {
		s.logger.Warn().Err(err).Str("position_id", t.PositionID).Msg("Failed to record trade")
	}
}

func (s *Service) publish(t events.EventType, p *Position) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.Event{Type: t, Symbol: p.Symbol, UserID: p.UserID, Data: p})
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
