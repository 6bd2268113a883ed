package api

import (
	"net/http"
	"strconv"
	"strings"

	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/market"

	"github.com/gin-gonic/gin"
)

const (
	defaultCandleLimit = 1000
	maxCandleLimit     = 5000
	defaultTradeLimit  = 50
	maxTradeLimit      = 500
)

// pairResponse is a pair with its effective chaos level.
type pairResponse struct {
	market.Pair
	ChaosLevel int `json:"chaos_level"`
}

func (s *Server) pairView(p market.Pair) pairResponse {
	level := 0
	if s.deps.Chaos != nil {
		level = s.deps.Chaos.EffectiveLevel(p.Symbol)
	}
	return pairResponse{Pair: p, ChaosLevel: level}
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
}

// queryInt parses an optional positive integer query parameter, clamped to max.
func queryInt(c *gin.Context, name string, def, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		errorResponse(c, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	if v > max {
		v = max
	}
	return v, true
}

func (s *Server) handleListPairs(c *gin.Context) {
	pairs, err := s.deps.Pairs.ListPairs(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]pairResponse, len(pairs))
	for i, p := range pairs {
		out[i] = s.pairView(p)
	}
	successResponse(c, out)
}

func (s *Server) handleGetPair(c *gin.Context) {
	p, err := s.deps.Pairs.GetPair(c.Request.Context(), symbolParam(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, s.pairView(*p))
}

// handleGetCandles serves GET /api/candles/:symbol?timeframe=&from=&limit=.
// Candles are ascending by time.
func (s *Server) handleGetCandles(c *gin.Context) {
	ctx := c.Request.Context()
	symbol := symbolParam(c)

	tf, err := candles.ParseTimeframe(c.DefaultQuery("timeframe", string(candles.TF1m)))
	if err != nil {
		s.writeError(c, err)
		return
	}
	limit, ok := queryInt(c, "limit", defaultCandleLimit, maxCandleLimit)
	if !ok {
		return
	}
	q := candles.Query{Symbol: symbol, Timeframe: tf, Limit: limit}
	if raw := c.Query("from"); raw != "" {
		from, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			errorResponse(c, http.StatusBadRequest, "from must be a unix timestamp in seconds")
			return
		}
		q.From = &from
	}

	if _, err := s.deps.Pairs.GetPair(ctx, symbol); err != nil {
		s.writeError(c, err)
		return
	}
	cs, err := s.deps.Candles.Candles(ctx, q)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if cs == nil {
		cs = []candles.Candle{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"symbol":    symbol,
		"timeframe": tf,
		"data":      cs,
	})
}

func (s *Server) handleListTrades(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultTradeLimit, maxTradeLimit)
	if !ok {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	trades, err := s.deps.Positions.Trades(c.Request.Context(), symbol, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, trades)
}
