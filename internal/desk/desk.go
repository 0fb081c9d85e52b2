// Package desk is the operator workflow on top of a gateway session: market
// snapshots, account reads, trade planning and execution.
package desk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-desk/internal/bridge"
	"trading-desk/internal/events"
	"trading-desk/internal/monitor"
	"trading-desk/internal/session"
	"trading-desk/pkg/contract"
	"trading-desk/pkg/db"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

var (
	ErrNoJournal   = errors.New("order journal disabled")
	ErrStaleTicket = errors.New("ticket was planned on a session that is no longer open")
	ErrNoQuote     = errors.New("no usable price in quote")
)

// Contracts resolves symbols to contract details.
type Contracts interface {
	Details(ctx context.Context, symbol string) (contract.Details, error)
}

// Config holds configuration for the Desk.
type Config struct {
	Endpoint       session.Endpoint
	Account        string          // account code filter; empty takes the first reported
	RequestTimeout time.Duration   // per gateway round trip
	PacingInterval time.Duration   // minimum gap between account and position requests
	DefaultRiskPct decimal.Decimal // used when a trade request leaves RiskPct zero
	HistoryDays    int             // daily bars fetched for ATR
	TargetR        int             // bracket target multiple when a request leaves it zero
	ATRMultiple    decimal.Decimal // ATR stop multiple when a request leaves it zero
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		PacingInterval: 2 * time.Second,
		DefaultRiskPct: decimal.RequireFromString("0.01"),
		HistoryDays:    30,
		TargetR:        2,
		ATRMultiple:    decimal.NewFromInt(2),
	}
}

// Desk keeps one working session open and runs operator requests on it.
type Desk struct {
	cfg       Config
	manager   *session.Manager
	contracts Contracts
	journal   *db.Database
	bus       *events.Bus
	pacer     *rate.Limiter
	metrics   *monitor.Metrics

	mu   sync.Mutex
	sess *session.Session

	log *zap.SugaredLogger
}

// New creates a Desk. journal and bus may be nil.
func New(manager *session.Manager, contracts Contracts, journal *db.Database, bus *events.Bus, cfg Config) *Desk {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = def.PacingInterval
	}
	if !cfg.DefaultRiskPct.IsPositive() {
		cfg.DefaultRiskPct = def.DefaultRiskPct
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = def.HistoryDays
	}
	if cfg.TargetR <= 0 {
		cfg.TargetR = def.TargetR
	}
	if !cfg.ATRMultiple.IsPositive() {
		cfg.ATRMultiple = def.ATRMultiple
	}
	if contracts == nil {
		contracts = contract.NewLookup()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Desk{
		cfg:       cfg,
		manager:   manager,
		contracts: contracts,
		journal:   journal,
		bus:       bus,
		pacer:     rate.NewLimiter(rate.Every(cfg.PacingInterval), 1),
		metrics:   monitor.NewMetrics(),
		log:       logger.Named("desk"),
	}
}

// Bus returns the event bus the desk publishes on.
func (d *Desk) Bus() *events.Bus { return d.bus }

// Metrics returns the desk's round-trip and activity counters.
func (d *Desk) Metrics() *monitor.Metrics { return d.metrics }

// EnsureSession returns the working session, opening a new one if there is
// none or the previous one has gone down.
func (d *Desk) EnsureSession(ctx context.Context) (*session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess != nil && d.sess.Status() == session.StatusConnected {
		return d.sess, nil
	}
	s, err := d.manager.Open(ctx, d.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	d.sess = s
	d.log.Infof("working session %d open", s.ID)
	return s, nil
}

// Sessions lists every registered session.
func (d *Desk) Sessions() []session.Info {
	active := d.manager.Registry().Active()
	out := make([]session.Info, 0, len(active))
	for _, s := range active {
		out = append(out, s.Info())
	}
	return out
}

// Close closes the working session, if any.
func (d *Desk) Close() error {
	d.mu.Lock()
	s := d.sess
	d.sess = nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Orders returns the most recent journaled order legs.
func (d *Desk) Orders(ctx context.Context, limit int) ([]db.Order, error) {
	if d.journal == nil {
		return nil, ErrNoJournal
	}
	return d.journal.ListOrders(ctx, limit)
}

// pace blocks until the account/position pacing gate admits a request.
func (d *Desk) pace(ctx context.Context) error {
	if err := d.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	return nil
}

// await sends req on s and records the round trip.
func (d *Desk) await(ctx context.Context, s *session.Session, req gateway.Request) (bridge.Response, error) {
	kind, _, _ := bridge.KindOf(req)
	start := time.Now()
	resp, err := s.Await(ctx, req, d.cfg.RequestTimeout)
	d.metrics.ObserveRoundTrip(string(kind), time.Since(start), err, bridge.IsTimeout(err))
	return resp, err
}
