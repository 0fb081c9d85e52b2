package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trading-desk/internal/bridge"
	"trading-desk/internal/desk"
	"trading-desk/internal/order"
	"trading-desk/internal/risk"
	"trading-desk/internal/session"
	"trading-desk/pkg/contract"
)

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type createTradeRequest struct {
	desk.TradeRequest
	Execute bool `json:"execute"`
}

type tradeResponse struct {
	Ticket    desk.Ticket     `json:"ticket"`
	Execution *desk.Execution `json:"execution,omitempty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// fail maps desk errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		ve   *order.ValidationError
		se   *risk.InvalidStopError
		ie   *risk.InsufficientRiskError
		ce   *session.ConnectionError
		te   *bridge.TimeoutError
		ge   *bridge.GatewayError
		miss *desk.MissingAccountValueError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &se), errors.Is(err, risk.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.As(err, &ie):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_RISK", err.Error())
	case errors.Is(err, contract.ErrUnknownSymbol):
		respondError(c, http.StatusNotFound, "UNKNOWN_SYMBOL", err.Error())
	case errors.Is(err, desk.ErrStaleTicket):
		respondError(c, http.StatusConflict, "STALE_TICKET", err.Error())
	case errors.As(err, &ce), errors.Is(err, bridge.ErrSessionClosed):
		respondError(c, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", err.Error())
	case errors.As(err, &te):
		respondError(c, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", err.Error())
	case errors.As(err, &ge), errors.As(err, &miss), errors.Is(err, desk.ErrNoQuote):
		respondError(c, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
	case errors.Is(err, desk.ErrNoJournal):
		respondError(c, http.StatusNotImplemented, "JOURNAL_DISABLED", err.Error())
	default:
		s.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) getSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Desk.Sessions())
}

func (s *Server) getQuote(c *gin.Context) {
	snap, err := s.Desk.Snapshot(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getAccount(c *gin.Context) {
	values, err := s.Desk.AccountSummary(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, values)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Desk.Positions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	orders, err := s.Desk.Orders(c.Request.Context(), q.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// getOpenOrders is the gateway's view of working orders, unlike getOrders which
// reads the local journal.
func (s *Server) getOpenOrders(c *gin.Context) {
	open, err := s.Desk.OpenOrders(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, open)
}

// computeRisk runs the sizing math on caller-supplied figures only; it never
// touches the gateway.
func (s *Server) computeRisk(c *gin.Context) {
	var in risk.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if in.TickSize.IsZero() {
		in.TickSize = decimal.RequireFromString("0.01")
	}
	params, err := risk.Compute(in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, params)
}

// createTrade plans a trade and, when execute is set, submits it.
func (s *Server) createTrade(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Symbol == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required")
		return
	}

	ctx := c.Request.Context()
	ticket, err := s.Desk.PlanTrade(ctx, req.TradeRequest)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := tradeResponse{Ticket: ticket}
	if !req.Execute {
		c.JSON(http.StatusOK, resp)
		return
	}

	exec, err := s.Desk.Execute(ctx, ticket)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp.Execution = &exec
	c.JSON(http.StatusCreated, resp)
}
