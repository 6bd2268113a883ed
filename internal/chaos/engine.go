// Package chaos implements the synthetic price process and the chaos level
// settings that drive it.
package chaos

import (
	"math"
	"math/rand/v2"
	"sync"

	"chaos-exchange/internal/candles"
)

const (
	// PriceFloor is the smallest price the process will emit.
	PriceFloor = 1e-9

	MinLevel     = 0
	MaxLevel     = 100
	DefaultLevel = 50

	baseVolatility  = 0.0005
	extraVolatility = 0.0195
	baseUpBias      = 0.0001
	calmUpBias      = 0.0003
	baseVolume      = 100000.0
)

// Source supplies the randomness consumed by NextCandle.
type Source interface {
	Float64() float64
	NormFloat64() float64
}

// NewSource returns a seeded source backed by math/rand/v2.
// It is not safe for concurrent use.
func NewSource(seed uint64) Source {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type lockedSource struct {
	mu  sync.Mutex
	src Source
}

// NewLockedSource wraps src for use from several goroutines.
func NewLockedSource(src Source) Source {
	return &lockedSource{src: src}
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

func (l *lockedSource) NormFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.NormFloat64()
}

// ClampLevel bounds a chaos level to [0, 100].
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// Volatility is the per-second standard deviation of returns at a chaos level.
func Volatility(level int) float64 {
	return baseVolatility + factor(level)*extraVolatility
}

// UpBias is the per-second drift at a chaos level; calm markets drift up more.
func UpBias(level int) float64 {
	return baseUpBias + calmUpBias*(1-factor(level))
}

func factor(level int) float64 {
	return float64(ClampLevel(level)) / 100
}

func floor(p float64) float64 {
	if math.IsNaN(p) || p < PriceFloor {
		return PriceFloor
	}
	return p
}

// NextCandle draws the next one-second candle from the previous close.
func NextCandle(previousClose float64, level int, t int64, src Source) candles.Candle {
	f := factor(level)
	volatility := Volatility(level)

	open := floor(previousClose)
	change := src.NormFloat64()*volatility + UpBias(level)
	closePrice := floor(open * (1 + change))

	wick := volatility * (1.5 + 1.5*f)
	high := math.Max(open, closePrice) * (1 + src.Float64()*wick)
	low := floor(math.Min(open, closePrice) * (1 - src.Float64()*wick))

	volume := math.Floor(baseVolume + src.Float64()*baseVolume*(1+10*f))

	return candles.Candle{
		Time:   t,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePrice,
		Volume: volume,
	}
}

// InitialHistory seeds count candles spaced interval seconds apart, the last
// one ending just before end.
func InitialHistory(initialPrice float64, level int, count int, interval int64, end int64, src Source) []candles.Candle {
	if count <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 1
	}
	out := make([]candles.Candle, 0, count)
	price := initialPrice
	start := end - int64(count)*interval
	for i := 0; i < count; i++ {
		c := NextCandle(price, level, start+int64(i)*interval, src)
		out = append(out, c)
		price = c.Close
	}
	return out
}
