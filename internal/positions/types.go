package positions

import "time"

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Direction is +1 for long and -1 for short.
func (s Side) Direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Status is the lifecycle state of a position. Only open positions change.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// CloseReason records what moved a position to a terminal state.
type CloseReason string

const (
	ReasonManual      CloseReason = "manual"
	ReasonStopLoss    CloseReason = "stop_loss"
	ReasonTakeProfit  CloseReason = "take_profit"
	ReasonLiquidation CloseReason = "liquidation"
)

// Position is a leveraged bet on one symbol. Size is the margin committed.
type Position struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Symbol           string      `json:"symbol"`
	Side             Side        `json:"side"`
	Size             float64     `json:"size"`
	Leverage         int         `json:"leverage"`
	EntryPrice       float64     `json:"entry_price"`
	LiquidationPrice float64     `json:"liquidation_price"`
	StopLoss         *float64    `json:"stop_loss,omitempty"`
	TakeProfit       *float64    `json:"take_profit,omitempty"`
	Status           Status      `json:"status"`
	ExitPrice        *float64    `json:"exit_price,omitempty"`
	RealizedPnL      *float64    `json:"realized_pnl,omitempty"`
	CloseReason      CloseReason `json:"close_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ClosedAt         *time.Time  `json:"closed_at,omitempty"`
}

// PositionView is a position enriched with live figures at a given price.
type PositionView struct {
	*Position
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLPercent    float64 `json:"pnl_percent"`
	AtRisk        bool    `json:"at_risk"`
}

// Settlement moves an open position to a terminal state and credits the
// owner's balance in the same unit of work.
type Settlement struct {
	PositionID  string
	Status      Status
	Reason      CloseReason
	ExitPrice   float64
	RealizedPnL float64
	Credit      float64
	ClosedAt    time.Time
}

// TradeSide is the order direction recorded in the trade feed.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// Trade is one entry of the public trade feed.
type Trade struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	IsBot      bool      `json:"is_bot"`
	Symbol     string    `json:"symbol"`
	Side       TradeSide `json:"side"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price"`
	Leverage   int       `json:"leverage"`
	PositionID string    `json:"position_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// openingSide is the trade direction that opens a position on side s.
func openingSide(s Side) TradeSide {
	if s == SideShort {
		return TradeSell
	}
	return TradeBuy
}

func closingSide(s Side) TradeSide {
	if s == SideShort {
		return TradeBuy
	}
	return TradeSell
}
