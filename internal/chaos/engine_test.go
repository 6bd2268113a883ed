package chaos

import (
	"math"
	"testing"
)

func TestNextCandleOHLCInvariant(t *testing.T) {
	for _, level := range []int{0, 25, 50, 85, 100, -10, 250} {
		src := NewSource(uint64(level + 1000))
		price := 1.0
		for i := 0; i < 5000; i++ {
			c := NextCandle(price, level, int64(i), src)
			if err := c.Validate(); err != nil {
				t.Fatalf("level %d step %d: %v", level, i, err)
			}
			if c.Low < PriceFloor {
				t.Fatalf("level %d step %d: low %g below floor", level, i, c.Low)
			}
			if c.Open != price && price >= PriceFloor {
				t.Fatalf("open %g does not continue previous close %g", c.Open, price)
			}
			if c.Volume < 100000 || c.Volume != math.Floor(c.Volume) {
				t.Fatalf("volume %g out of range", c.Volume)
			}
			price = c.Close
		}
	}
}

func TestNextCandlePriceFloor(t *testing.T) {
	src := NewSource(7)
	for _, prev := range []float64{0, -5, 1e-15, math.NaN()} {
		c := NextCandle(prev, 100, 1, src)
		if c.Open < PriceFloor || c.Close < PriceFloor || c.Low < PriceFloor {
			t.Errorf("prev %g produced sub-floor candle %+v", prev, c)
		}
		if err := c.Validate(); err != nil {
			t.Errorf("prev %g: %v", prev, err)
		}
	}
}

func TestCalmMarketStatistics(t *testing.T) {
	src := NewSource(42)
	const n = 1000
	returns := make([]float64, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		c := NextCandle(price, 0, int64(i), src)
		returns = append(returns, c.Close/c.Open-1)
		price = c.Close
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / n
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / (n - 1))

	if mean <= 0 {
		t.Errorf("mean return %g, want positive drift", mean)
	}
	if std < 0.0004 || std > 0.0006 {
		t.Errorf("return stddev %g, want about 0.0005", std)
	}
}

func TestVolatilityAndBiasBounds(t *testing.T) {
	testCases := []struct {
		level      int
		volatility float64
		upBias     float64
	}{
		{0, 0.0005, 0.0004},
		{50, 0.0005 + 0.5*0.0195, 0.0001 + 0.5*0.0003},
		{100, 0.02, 0.0001},
		{150, 0.02, 0.0001},
	}
	for _, tc := range testCases {
		if got := Volatility(tc.level); math.Abs(got-tc.volatility) > 1e-12 {
			t.Errorf("Volatility(%d) = %g, want %g", tc.level, got, tc.volatility)
		}
		if got := UpBias(tc.level); math.Abs(got-tc.upBias) > 1e-12 {
			t.Errorf("UpBias(%d) = %g, want %g", tc.level, got, tc.upBias)
		}
	}
}

func TestInitialHistoryOrdered(t *testing.T) {
	end := int64(1_700_003_600)
	hist := InitialHistory(420.69, 40, 3600, 1, end, NewSource(1))
	if len(hist) != 3600 {
		t.Fatalf("len = %d, want 3600", len(hist))
	}
	if hist[0].Time != end-3600 || hist[len(hist)-1].Time != end-1 {
		t.Errorf("span = [%d, %d], want [%d, %d]", hist[0].Time, hist[len(hist)-1].Time, end-3600, end-1)
	}
	if hist[0].Open != 420.69 {
		t.Errorf("first open = %g, want initial price", hist[0].Open)
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Time <= hist[i-1].Time {
			t.Fatalf("not strictly increasing at %d", i)
		}
		if hist[i].Open != hist[i-1].Close {
			t.Fatalf("gap at %d: open %g, previous close %g", i, hist[i].Open, hist[i-1].Close)
		}
	}
	if InitialHistory(1, 50, 0, 1, end, NewSource(1)) != nil {
		t.Error("zero count should produce no history")
	}
}
