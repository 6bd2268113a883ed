package api

import (
	"net/http"
	"strings"

	"chaos-exchange/internal/auth"
	"chaos-exchange/internal/positions"

	"github.com/gin-gonic/gin"
)

// OpenPositionRequest is the body of POST /api/positions. The entry price
// is the pair's current price.
type OpenPositionRequest struct {
	Symbol     string         `json:"symbol" binding:"required"`
	Side       positions.Side `json:"side" binding:"required"`
	Size       float64        `json:"size" binding:"required"`
	Leverage   int            `json:"leverage" binding:"required"`
	StopLoss   *float64       `json:"stop_loss"`
	TakeProfit *float64       `json:"take_profit"`
}

func (s *Server) handleGetBalance(c *gin.Context) {
	userID := auth.GetUserID(c)
	bal, err := s.deps.Positions.Balance(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, gin.H{"user_id": userID, "balance": bal})
}

// handleListPositions returns the caller's positions enriched at the
// current price of each pair.
func (s *Server) handleListPositions(c *gin.Context) {
	ctx := c.Request.Context()
	status := positions.Status(strings.ToLower(c.Query("status")))
	switch status {
	case "", positions.StatusOpen, positions.StatusClosed, positions.StatusLiquidated:
	default:
		errorResponse(c, http.StatusBadRequest, "status must be open, closed or liquidated")
		return
	}

	ps, err := s.deps.Positions.Positions(ctx, auth.GetUserID(c), status)
	if err != nil {
		s.writeError(c, err)
		return
	}

	pairs, err := s.deps.Pairs.ListPairs(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	prices := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		prices[p.Symbol] = p.ReferencePrice()
	}

	views := make([]positions.PositionView, 0, len(ps))
	for _, p := range ps {
		price := prices[p.Symbol]
		if p.Status != positions.StatusOpen && p.ExitPrice != nil {
			price = *p.ExitPrice
		}
		views = append(views, positions.View(p, price))
	}
	successResponse(c, views)
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	ctx := c.Request.Context()
	var req OpenPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	pair, err := s.deps.Pairs.GetPair(ctx, symbol)
	if err != nil {
		s.writeError(c, err)
		return
	}

	p, err := s.deps.Positions.Open(ctx, positions.OpenRequest{
		UserID:     auth.GetUserID(c),
		Symbol:     symbol,
		Side:       positions.Side(strings.ToLower(string(req.Side))),
		Size:       req.Size,
		Leverage:   req.Leverage,
		EntryPrice: pair.ReferencePrice(),
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    positions.View(p, p.EntryPrice),
	})
}

// handleClosePosition closes one of the caller's positions at the pair's
// current price. Positions of other users are reported as not found.
func (s *Server) handleClosePosition(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	p, err := s.deps.Positions.Get(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if p.UserID != auth.GetUserID(c) {
		s.writeError(c, positions.ErrNotFound)
		return
	}

	pair, err := s.deps.Pairs.GetPair(ctx, p.Symbol)
	if err != nil {
		s.writeError(c, err)
		return
	}
	price := pair.ReferencePrice()
	closed, err := s.deps.Positions.Close(ctx, id, price)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, positions.View(closed, price))
}
