// Package api is the desk's local ops API: session health, quotes, risk
// calculation and trade entry over HTTP, plus an event stream over websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-desk/internal/bridge"
	"trading-desk/internal/desk"
	"trading-desk/internal/events"
	"trading-desk/internal/monitor"
	"trading-desk/internal/session"
	"trading-desk/pkg/db"
	"trading-desk/pkg/logger"
)

// Desk is the workflow the API drives.
type Desk interface {
	Sessions() []session.Info
	Snapshot(ctx context.Context, symbol string) (desk.Snapshot, error)
	AccountSummary(ctx context.Context) ([]bridge.AccountValue, error)
	Positions(ctx context.Context) ([]bridge.Position, error)
	PlanTrade(ctx context.Context, req desk.TradeRequest) (desk.Ticket, error)
	Execute(ctx context.Context, t desk.Ticket) (desk.Execution, error)
	Orders(ctx context.Context, limit int) ([]db.Order, error)
	OpenOrders(ctx context.Context) ([]bridge.OpenOrder, error)
	Metrics() *monitor.Metrics
}

// Meta describes the runtime exposed on /health.
type Meta struct {
	Transport string   `json:"transport"`
	Gateway   string   `json:"gateway"`
	Symbols   []string `json:"symbols"`
	Version   string   `json:"version"`
}

// Server wires HTTP endpoints around the desk.
type Server struct {
	Router *gin.Engine
	Desk   Desk
	Bus    *events.Bus
	Meta   Meta

	log *zap.SugaredLogger
}

func NewServer(d Desk, bus *events.Bus, meta Meta) *Server {
	log := logger.Named("api")
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiters(rate.Limit(20), 50), log))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, Desk: d, Bus: bus, Meta: meta, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/sessions", s.getSessions)
		api.GET("/quotes/:symbol", s.getQuote)
		api.GET("/account", s.getAccount)
		api.GET("/positions", s.getPositions)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/open", s.getOpenOrders)
		api.GET("/metrics", s.getMetrics)
		api.POST("/risk", s.computeRisk)
		api.POST("/trades", s.createTrade)
	}
}

func (s *Server) health(c *gin.Context) {
	sessions := s.Desk.Sessions()
	connected := 0
	for _, info := range sessions {
		if info.Status == session.StatusConnected.String() {
			connected++
		}
	}
	var dropped int64
	if s.Bus != nil {
		dropped = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"sessions":       len(sessions),
		"connected":      connected,
		"dropped_events": dropped,
		"meta":           s.Meta,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Desk.Metrics().Snapshot())
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
