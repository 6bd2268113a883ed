package candles

import "fmt"

// Timeframe names a candle resolution. Raw is the 1-second base series.
type Timeframe string

const (
	Raw   Timeframe = "1s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// RawRetentionSeconds is how long 1-second candles are kept.
const RawRetentionSeconds int64 = 3600

const day int64 = 86400

type timeframeSpec struct {
	seconds   int64
	retention int64
	source    Timeframe
}

var timeframeSpecs = map[Timeframe]timeframeSpec{
	Raw:   {seconds: 1, retention: RawRetentionSeconds},
	TF1m:  {seconds: 60, retention: 7 * day, source: Raw},
	TF5m:  {seconds: 300, retention: 30 * day, source: TF1m},
	TF15m: {seconds: 900, retention: 90 * day, source: TF5m},
	TF1h:  {seconds: 3600, retention: 365 * day, source: TF15m},
	TF4h:  {seconds: 14400, retention: 730 * day, source: TF1h},
	TF1d:  {seconds: 86400, retention: 1825 * day, source: TF4h},
}

// Aggregated lists the derived timeframes in derivation order.
var Aggregated = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeSpecs[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Seconds is the bucket width.
func (tf Timeframe) Seconds() int64 { return timeframeSpecs[tf].seconds }

// RetentionSeconds is how far back candles of this timeframe are kept.
func (tf Timeframe) RetentionSeconds() int64 { return timeframeSpecs[tf].retention }

// Source is the timeframe this one is derived from during backfill.
func (tf Timeframe) Source() Timeframe { return timeframeSpecs[tf].source }

// IsRaw reports whether tf is the base series.
func (tf Timeframe) IsRaw() bool { return tf == Raw }

// BucketStart floors t to the start of its bucket.
func BucketStart(t, seconds int64) int64 {
	r := t % seconds
	if r < 0 {
		r += seconds
	}
	return t - r
}

// Bucket floors t to the start of its tf bucket.
func (tf Timeframe) Bucket(t int64) int64 { return BucketStart(t, tf.Seconds()) }
