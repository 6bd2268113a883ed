// Package leader decides which process may generate candles.
package leader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"chaos-exchange/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultKey holds the ID of the process owning the generation lease.
	DefaultKey = "chaos:generator:leader"

	DefaultLeaseTTL = 15 * time.Second
)

// Elector reports whether this process currently holds leadership.
type Elector interface {
	IsLeader() bool
	ID() string
}

// Static is an Elector with fixed leadership, for single-process deployments.
type Static struct {
	id     string
	leader bool
}

func NewStatic(id string, leader bool) *Static {
	metrics.IsLeader.Set(boolGauge(leader))
	return &Static{id: id, leader: leader}
}

func (s *Static) IsLeader() bool { return s.leader }
func (s *Static) ID() string     { return s.id }

// renewScript extends the lease only when we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease only when we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisElector holds a TTL lease in Redis. The lease is claimed with SET NX,
// renewed every TTL/3 and dropped locally as soon as a renewal fails or finds
// another owner.
type RedisElector struct {
	redis  *redis.Client
	key    string
	id     string
	ttl    time.Duration
	logger zerolog.Logger

	isLeader atomic.Bool
	// deadline is the local lease expiry in unix nanoseconds.
	deadline atomic.Int64

	mu        sync.Mutex
	onElected func()
	onDemoted func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRedisElector creates an elector. An empty id falls back to the hostname.
func NewRedisElector(client *redis.Client, key, id string, ttl time.Duration, logger zerolog.Logger) *RedisElector {
	if key == "" {
		key = DefaultKey
	}
	if id == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisElector{
		redis:  client,
		key:    key,
		id:     id,
		ttl:    ttl,
		logger: logger.With().Str("component", "LeaderElector").Str("instance_id", id).Logger(),
	}
}

// SetCallbacks registers functions run on gaining and losing leadership.
func (e *RedisElector) SetCallbacks(onElected, onDemoted func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onElected = onElected
	e.onDemoted = onDemoted
}

func (e *RedisElector) ID() string { return e.id }

// IsLeader is true only while the lease is held and its local deadline has
// not passed.
func (e *RedisElector) IsLeader() bool {
	return e.isLeader.Load() && time.Now().UnixNano() < e.deadline.Load()
}

// Start makes one claim attempt and keeps campaigning in the background.
func (e *RedisElector) Start(ctx context.Context) {
	e.mu.Lock()
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.step(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.step(ctx)
			}
		}
	}()
}

// Stop ends the campaign and releases the lease if held.
func (e *RedisElector) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, e.redis, []string{e.key}, e.id).Err(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to release leader lease")
		}
		e.demote("stopped")
	}
}

// step renews the lease when held, otherwise tries to claim it.
func (e *RedisElector) step(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, e.ttl/3)
	defer cancel()
	started := time.Now()

	if e.isLeader.Load() {
		res, err := renewScript.Run(opCtx, e.redis, []string{e.key}, e.id, e.ttl.Milliseconds()).Int64()
		switch {
		case err != nil:
			e.logger.Error().Err(err).Msg("Lease renewal failed")
			if time.Now().UnixNano() >= e.deadline.Load() {
				e.demote("lease expired")
			}
		case res == 0:
			e.logger.Error().Msg("Lease owned by another instance; stopping generation")
			e.demote("lease lost")
		default:
			e.deadline.Store(started.Add(e.ttl).UnixNano())
		}
		return
	}

	ok, err := e.redis.SetNX(opCtx, e.key, e.id, e.ttl).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn().Err(err).Msg("Lease claim failed")
		}
		return
	}
	if ok {
		e.deadline.Store(started.Add(e.ttl).UnixNano())
		e.promote()
	}
}

func (e *RedisElector) promote() {
	if e.isLeader.Swap(true) {
		return
	}
	metrics.IsLeader.Set(1)
	e.logger.Info().Dur("ttl", e.ttl).Msg("Acquired generation lease")
	e.mu.Lock()
	cb := e.onElected
	e.mu.Unlock()
	if cb != nil {
		go cb()
	}
}

func (e *RedisElector) demote(reason string) {
	if !e.isLeader.Swap(false) {
		return
	}
	metrics.IsLeader.Set(0)
	e.logger.Warn().Str("reason", reason).Msg("Lost generation lease")
	e.mu.Lock()
	cb := e.onDemoted
	e.mu.Unlock()
	if cb != nil {
		go cb()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
