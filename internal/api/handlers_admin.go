package api

import (
	"net/http"

	"chaos-exchange/internal/events"

	"github.com/gin-gonic/gin"
)

// ChaosLevelRequest sets a chaos level. For a pair override a null level
// clears it.
type ChaosLevelRequest struct {
	Level *int `json:"level"`
}

func (s *Server) handleGetChaos(c *gin.Context) {
	successResponse(c, s.deps.Chaos.Snapshot())
}

func (s *Server) handleSetChaos(c *gin.Context) {
	var req ChaosLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Level == nil {
		errorResponse(c, http.StatusBadRequest, "level is required")
		return
	}
	if err := s.deps.Chaos.SetGlobal(c.Request.Context(), *req.Level); err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, s.deps.Chaos.Snapshot())
}

func (s *Server) handleSetPairChaos(c *gin.Context) {
	ctx := c.Request.Context()
	symbol := symbolParam(c)

	var req ChaosLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if _, err := s.deps.Pairs.GetPair(ctx, symbol); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.deps.Chaos.SetOverride(ctx, symbol, req.Level); err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, gin.H{
		"symbol":      symbol,
		"override":    req.Level,
		"chaos_level": s.deps.Chaos.EffectiveLevel(symbol),
	})
}

// handleGenerate runs one generation tick now. Only the leader may generate.
func (s *Server) handleGenerate(c *gin.Context) {
	updates, err := s.deps.Generator.Tick(c.Request.Context(), s.now().Unix())
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, gin.H{"generated": len(updates), "candles": updates})
}

func (s *Server) handleAggregate(c *gin.Context) {
	res, err := s.deps.Generator.Aggregate(c.Request.Context(), s.now().Unix())
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, res)
}

// handleResetPair regenerates a pair's history and tells clients to reload
// their charts.
func (s *Server) handleResetPair(c *gin.Context) {
	symbol := symbolParam(c)
	p, err := s.deps.Generator.ResetSymbol(c.Request.Context(), symbol, s.now().Unix())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.Event{Type: events.EventHistoryReset, Symbol: symbol, Data: s.pairView(*p)})
	}
	successResponse(c, s.pairView(*p))
}
