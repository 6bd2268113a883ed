package positions

import (
	"errors"
	"math"
	"testing"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func ptr(v float64) *float64 { return &v }

func openPosition(side Side, entry float64, leverage int, size float64) Position {
	liq, _ := LiquidationPrice(entry, leverage, side, DefaultLiquidationBuffer)
	return Position{
		ID:               "p1",
		Side:             side,
		Size:             size,
		Leverage:         leverage,
		EntryPrice:       entry,
		LiquidationPrice: liq,
		Status:           StatusOpen,
	}
}

// ============================================================================
// TEST: liquidation price
// ============================================================================

func TestLiquidationPrice(t *testing.T) {
	testCases := []struct {
		name     string
		entry    float64
		leverage int
		side     Side
		want     float64
	}{
		{"long 10x", 1.0, 10, SideLong, 0.88},
		{"short 10x", 1.0, 10, SideShort, 1.12},
		{"long 2x", 100, 2, SideLong, 48},
		{"short 4x", 200, 4, SideShort, 254},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LiquidationPrice(tc.entry, tc.leverage, tc.side, DefaultLiquidationBuffer)
			if err != nil {
				t.Fatal(err)
			}
			if !floatEquals(got, tc.want, 1e-9) {
				t.Errorf("LiquidationPrice = %g, want %g", got, tc.want)
			}
		})
	}
}

func TestLiquidationPriceRejectsBadInput(t *testing.T) {
	for _, tc := range []struct {
		entry    float64
		leverage int
		side     Side
	}{
		{1, 0, SideLong},
		{1, -3, SideShort},
		{0, 10, SideLong},
		{1, 10, Side("sideways")},
	} {
		if _, err := LiquidationPrice(tc.entry, tc.leverage, tc.side, DefaultLiquidationBuffer); !errors.Is(err, ErrValidation) {
			t.Errorf("LiquidationPrice(%g, %d, %s) error = %v, want ErrValidation", tc.entry, tc.leverage, tc.side, err)
		}
	}
}

func TestLiquidationMonotonicInLeverage(t *testing.T) {
	prevLong, prevShort := math.Inf(-1), math.Inf(1)
	for l := 1; l <= 100; l++ {
		long, _ := LiquidationPrice(50, l, SideLong, DefaultLiquidationBuffer)
		short, _ := LiquidationPrice(50, l, SideShort, DefaultLiquidationBuffer)
		if long <= prevLong {
			t.Fatalf("long liquidation not increasing at leverage %d", l)
		}
		if short >= prevShort {
			t.Fatalf("short liquidation not decreasing at leverage %d", l)
		}
		if long >= 50 || short <= 50 {
			t.Fatalf("liquidation crossed entry at leverage %d", l)
		}
		prevLong, prevShort = long, short
	}
}

func TestLiquidationBoundary(t *testing.T) {
	p := openPosition(SideLong, 1.0, 10, 100)
	if !ShouldLiquidate(p, 0.88) {
		t.Error("price at liquidation level must liquidate")
	}
	if ShouldLiquidate(p, 0.881) {
		t.Error("price above liquidation level must not liquidate")
	}
}

// ============================================================================
// TEST: P&L
// ============================================================================

func TestPnL(t *testing.T) {
	long := openPosition(SideLong, 1.0, 10, 100)
	if got := UnrealizedPnL(long, 1.05); !floatEquals(got, 50, 1e-9) {
		t.Errorf("long pnl = %g, want 50", got)
	}
	if got := PnLPercent(long, 1.05); !floatEquals(got, 50, 1e-9) {
		t.Errorf("long pnl%% = %g, want 50", got)
	}

	short := openPosition(SideShort, 200, 5, 40)
	if got := UnrealizedPnL(short, 190); !floatEquals(got, 10, 1e-9) {
		t.Errorf("short pnl = %g, want 10", got)
	}
	if got := PnLPercent(short, 210); !floatEquals(got, -25, 1e-9) {
		t.Errorf("short pnl%% = %g, want -25", got)
	}
}

func TestPnLRoundTrip(t *testing.T) {
	for _, side := range []Side{SideLong, SideShort} {
		for _, l := range []int{1, 3, 25, 100} {
			p := openPosition(side, 13.37, l, 250)
			if got := UnrealizedPnL(p, p.EntryPrice); got != 0 {
				t.Errorf("%s %dx pnl at entry = %g", side, l, got)
			}
		}
	}
}

// ============================================================================
// TEST: trigger priority
// ============================================================================

func TestEvaluatePriority(t *testing.T) {
	testCases := []struct {
		name  string
		pos   func() Position
		price float64
		want  Trigger
	}{
		{
			name: "liquidation beats stop loss",
			pos: func() Position {
				p := openPosition(SideLong, 1.0, 10, 100)
				p.StopLoss = ptr(0.95)
				return p
			},
			price: 0.87,
			want:  TriggerLiquidation,
		},
		{
			name: "stop loss before liquidation level",
			pos: func() Position {
				p := openPosition(SideLong, 1.0, 10, 100)
				p.StopLoss = ptr(0.95)
				return p
			},
			price: 0.94,
			want:  TriggerStopLoss,
		},
		{
			name: "short take profit",
			pos: func() Position {
				p := openPosition(SideShort, 100, 5, 10)
				p.TakeProfit = ptr(90)
				return p
			},
			price: 89,
			want:  TriggerTakeProfit,
		},
		{
			name: "stop loss beats take profit when both cross",
			pos: func() Position {
				p := openPosition(SideShort, 100, 2, 10)
				p.StopLoss = ptr(105)
				p.TakeProfit = ptr(110)
				return p
			},
			price: 108,
			want:  TriggerStopLoss,
		},
		{
			name:  "nothing",
			pos:   func() Position { return openPosition(SideLong, 1.0, 10, 100) },
			price: 1.01,
			want:  TriggerNone,
		},
		{
			name: "closed positions never trigger",
			pos: func() Position {
				p := openPosition(SideLong, 1.0, 10, 100)
				p.Status = StatusClosed
				return p
			},
			price: 0.1,
			want:  TriggerNone,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.pos(), tc.price); got != tc.want {
				t.Errorf("Evaluate = %s, want %s", got, tc.want)
			}
		})
	}
}
