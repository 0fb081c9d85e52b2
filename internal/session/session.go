package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-desk/internal/bridge"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Status is a session's lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDraining
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDraining:
		return "draining"
	default:
		return "disconnected"
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ClientID  int       `json:"client_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Pending   int       `json:"pending"`
}

// Session is one client connection to the gateway. It owns the receive loop,
// which is the only goroutine that reads from the connection.
type Session struct {
	ID        int
	Host      string
	Port      int
	CreatedAt time.Time

	mu      sync.RWMutex
	status  Status
	loopErr error // receive loop stopped before the session was Connected

	conn       gateway.Conn
	bridge     *bridge.Bridge
	orderIDs   *OrderIDs
	registry   *Registry
	classifier *bridge.Classifier
	settle     time.Duration
	hooks      Hooks

	ready     chan error
	readyOnce sync.Once
	loopDone  chan struct{}
	closed    chan struct{}

	log *zap.SugaredLogger
}

func newSession(ep Endpoint, id int, m *Manager) *Session {
	s := &Session{
		ID:         id,
		Host:       ep.Host,
		Port:       ep.Port,
		CreatedAt:  time.Now(),
		status:     StatusConnecting,
		orderIDs:   &OrderIDs{},
		registry:   m.registry,
		classifier: m.cfg.Classifier,
		settle:     m.cfg.SettleDelay,
		hooks:      m.cfg.Hooks,
		ready:      make(chan error, 1),
		loopDone:   make(chan struct{}),
		closed:     make(chan struct{}),
		log:        logger.Named("session").With("client_id", id),
	}
	s.bridge = bridge.New(s, s.classifier, nil)
	s.bridge.UseIDs(s.orderIDs)
	return s
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// transition moves the session from one of from to to. It reports false,
// leaving the status untouched, when the session is in any other state.
func (s *Session) transition(to Status, from ...Status) bool {
	s.mu.Lock()
	ok := false
	for _, f := range from {
		if s.status == f {
			ok = true
			break
		}
	}
	if ok {
		s.status = to
	}
	s.mu.Unlock()
	if ok && s.hooks.OnStatus != nil {
		s.hooks.OnStatus(s.Info())
	}
	return ok
}

// connect moves a handshaken session to Connected. It fails when the session
// left Connecting or its receive loop has already stopped.
func (s *Session) connect() error {
	s.mu.Lock()
	var err error
	switch {
	case s.status != StatusConnecting:
		err = ErrNotConnected
	case s.loopErr != nil:
		err = s.loopErr
	default:
		s.status = StatusConnected
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(s.Info())
	}
	return nil
}

// Bridge returns the session's request/response table.
func (s *Session) Bridge() *bridge.Bridge { return s.bridge }

// Store returns the quotes, positions and account values this session has seen.
func (s *Session) Store() *bridge.Store { return s.bridge.Store() }

// OrderIDs returns the session's order id source.
func (s *Session) OrderIDs() *OrderIDs { return s.orderIDs }

// Done is closed once the session is fully disconnected.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) Info() Info {
	return Info{
		ClientID:  s.ID,
		Host:      s.Host,
		Port:      s.Port,
		Status:    s.Status().String(),
		CreatedAt: s.CreatedAt,
		Pending:   s.bridge.Outstanding(),
	}
}

// Send issues a fire-and-forget request on a connected session.
func (s *Session) Send(ctx context.Context, req gateway.Request) error {
	if st := s.Status(); st != StatusConnected {
		return fmt.Errorf("%w (%s)", ErrNotConnected, st)
	}
	return s.conn.Send(ctx, req)
}

// Await sends req and waits for its response.
func (s *Session) Await(ctx context.Context, req gateway.Request, timeout time.Duration) (bridge.Response, error) {
	return s.bridge.Await(ctx, req, timeout)
}

// Close drains the session: pending waits fail with bridge.ErrSessionClosed,
// the client id is released into cool-down and Close returns only after the
// settle delay. Closing a closed session is a no-op; closing a draining
// session waits for the first Close to finish.
func (s *Session) Close() error {
	if !s.transition(StatusDraining, StatusConnecting, StatusConnected) {
		if s.Status() == StatusDraining {
			<-s.closed
		}
		return nil
	}
	s.log.Infof("closing session %s:%d", s.Host, s.Port)
	s.teardown(true)
	return nil
}

// abort tears down a session that never finished its handshake.
func (s *Session) abort() {
	if !s.transition(StatusDraining, StatusConnecting, StatusConnected) {
		<-s.closed
		return
	}
	s.teardown(false)
}

func (s *Session) teardown(settle bool) {
	// an Open still waiting on the handshake gives up now
	s.signalReady(bridge.ErrSessionClosed)
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Warnf("close connection: %v", err)
		}
	}
	s.bridge.FailAll(bridge.ErrSessionClosed)
	s.registry.Unregister(s.ID, s.settle)
	if s.conn != nil {
		<-s.loopDone
	}
	if settle && s.settle > 0 {
		time.Sleep(s.settle)
	}

	s.transition(StatusDisconnected, StatusDraining)
	close(s.closed)
}

func (s *Session) signalReady(err error) {
	s.readyOnce.Do(func() {
		s.ready <- err
	})
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		ev, err := s.conn.Recv()
		if err != nil {
			// checked under the lock so connect cannot slip in between
			s.mu.Lock()
			st := s.status
			if st == StatusConnecting {
				s.loopErr = err
			}
			s.mu.Unlock()
			switch st {
			case StatusConnecting:
				s.signalReady(err)
			case StatusConnected:
				s.log.Warnf("receive loop stopped: %v", err)
				go s.Close()
			}
			return
		}
		s.handle(ev)
	}
}

func (s *Session) handle(ev gateway.Event) {
	switch {
	case ev.Kind == gateway.EventNextValidID:
		s.orderIDs.Seed(ev.OrderID)
		s.signalReady(nil)
	case ev.Kind == gateway.EventError && ev.ReqID == gateway.NoRequestID:
		s.sessionError(ev)
	default:
		s.bridge.Dispatch(ev)
	}
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(s.ID, ev)
	}
}

// sessionError handles status codes that are not tied to a request.
func (s *Session) sessionError(ev gateway.Event) {
	switch s.classifier.Classify(ev.Code) {
	case bridge.SeverityInformational:
		s.log.Infof("gateway %d: %s", ev.Code, ev.Message)
		return
	case bridge.SeverityWarning:
		s.log.Warnf("gateway %d: %s", ev.Code, ev.Message)
		return
	}

	if !s.classifier.IsFatal(ev.Code) {
		s.log.Errorf("gateway %d: %s", ev.Code, ev.Message)
		return
	}
	switch s.Status() {
	case StatusConnecting:
		s.signalReady(&gatewayFault{code: ev.Code, message: ev.Message})
	case StatusConnected:
		s.log.Errorf("fatal gateway fault %d: %s, draining", ev.Code, ev.Message)
		go s.Close()
	}
}

type gatewayFault struct {
	code    int
	message string
}

func (f *gatewayFault) Error() string { return f.message }
