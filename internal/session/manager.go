// Package session manages client sessions against the brokerage gateway:
// client id allocation, the process-wide registry of live sessions, and the
// connect/drain lifecycle of each one.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-desk/internal/bridge"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Hooks observe a session from its receive loop. They must not block.
type Hooks struct {
	OnEvent  func(clientID int, ev gateway.Event)
	OnStatus func(info Info)
}

// Config holds configuration for the session Manager.
type Config struct {
	ConnectTimeout time.Duration // dial plus handshake budget
	SettleDelay    time.Duration // minimum pause after a close, also the id cool-down
	Classifier     *bridge.Classifier
	Hooks          Hooks
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		SettleDelay:    time.Second,
		Classifier:     bridge.NewClassifier(bridge.DefaultCodeTable()),
	}
}

// Endpoint addresses a gateway. A zero ClientID asks the Manager to allocate
// one.
type Endpoint struct {
	Host     string
	Port     int
	ClientID int
}

// Manager opens sessions and owns the registry they live in.
type Manager struct {
	dialer   gateway.Dialer
	registry *Registry
	alloc    *Allocator
	cfg      Config
	log      *zap.SugaredLogger
}

// NewManager creates a Manager. A nil registry gets a fresh one.
func NewManager(dialer gateway.Dialer, registry *Registry, cfg Config) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = bridge.NewClassifier(bridge.DefaultCodeTable())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	return &Manager{
		dialer:   dialer,
		registry: registry,
		alloc:    NewAllocator(registry),
		cfg:      cfg,
		log:      logger.Named("sessions"),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// Open connects a new session and blocks until the gateway has delivered its
// starting order id. On any failure the registry is left as it was before the
// call, apart from a cool-down on ids the gateway may have seen.
func (m *Manager) Open(ctx context.Context, ep Endpoint) (*Session, error) {
	id := ep.ClientID
	if id == 0 {
		var err error
		if id, err = m.alloc.Next(); err != nil {
			return nil, &ConnectionError{Host: ep.Host, Port: ep.Port, Err: err}
		}
	}
	connErr := func(err error) error {
		ce := &ConnectionError{Host: ep.Host, Port: ep.Port, ClientID: id, Err: err}
		var fault *gatewayFault
		if errors.As(err, &fault) {
			ce.Code = fault.code
		}
		return ce
	}

	s := newSession(ep, id, m)
	if err := m.registry.Register(s); err != nil {
		return nil, connErr(err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, ep.Host, ep.Port, id)
	if err != nil {
		m.registry.Unregister(id, 0)
		return nil, connErr(fmt.Errorf("dial: %w", err))
	}
	s.conn = conn
	go s.run()

	select {
	case err := <-s.ready:
		if err != nil {
			s.abort()
			// a Close that ran before the dial finished never saw conn
			_ = conn.Close()
			return nil, connErr(err)
		}
	case <-ctx.Done():
		s.abort()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrHandshakeTimeout
		}
		return nil, connErr(err)
	}

	if err := s.connect(); err != nil {
		s.abort()
		return nil, connErr(err)
	}
	s.log.Infof("connected to %s:%d", ep.Host, ep.Port)
	return s, nil
}

// Shutdown closes every registered session. It is meant for process exit and
// never fails; a panicking close is logged and skipped.
func (m *Manager) Shutdown() {
	active := m.registry.Active()
	if len(active) == 0 {
		return
	}
	m.log.Infof("shutting down %d session(s)", len(active))

	var g errgroup.Group
	for _, s := range active {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					m.log.Errorf("close session %d: panic: %v", s.ID, r)
				}
			}()
			if err := s.Close(); err != nil {
				m.log.Warnf("close session %d: %v", s.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
