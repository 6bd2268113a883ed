package candles

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidCandle is returned when a candle violates low <= open,close <= high.
	ErrInvalidCandle = errors.New("invalid candle")
	// ErrOutOfOrder is returned when a base candle does not advance the symbol's time.
	ErrOutOfOrder = errors.New("candle out of order")
	// ErrUnknownTimeframe is returned for a timeframe outside the supported set.
	ErrUnknownTimeframe = errors.New("unknown timeframe")
)

// Candle is one OHLCV bar. Time is the bucket start in Unix seconds.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Validate checks the OHLC invariant and that all values are finite.
func (c Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrInvalidCandle, c.Time)
		}
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("%w: o=%g h=%g l=%g c=%g at %d", ErrInvalidCandle, c.Open, c.High, c.Low, c.Close, c.Time)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: negative volume at %d", ErrInvalidCandle, c.Time)
	}
	return nil
}

// Fold merges next into existing: high/low widen, close and volume follow next.
// Open is kept from the first contributor.
func Fold(existing, next Candle) Candle {
	return Candle{
		Time:   existing.Time,
		Open:   existing.Open,
		High:   math.Max(existing.High, next.High),
		Low:    math.Min(existing.Low, next.Low),
		Close:  next.Close,
		Volume: existing.Volume + next.Volume,
	}
}

// FoldAll builds a single bucket candle from time-ordered source candles.
// It returns false when src is empty.
func FoldAll(bucket int64, src []Candle) (Candle, bool) {
	if len(src) == 0 {
		return Candle{}, false
	}
	out := src[0]
	out.Time = bucket
	for _, c := range src[1:] {
		out = Fold(out, c)
	}
	return out, true
}
