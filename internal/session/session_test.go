package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/internal/bridge"
	"trading-desk/pkg/gateway"
)

type fakeConn struct {
	events  chan gateway.Event
	done    chan struct{}
	once    sync.Once
	respond func(c *fakeConn, req gateway.Request)

	mu   sync.Mutex
	sent []gateway.Request
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan gateway.Event, 64), done: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, req gateway.Request) error {
	select {
	case <-c.done:
		return gateway.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()
	if c.respond != nil {
		c.respond(c, req)
	}
	return nil
}

func (c *fakeConn) Recv() (gateway.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return gateway.Event{}, gateway.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(ev gateway.Event) { c.events <- ev }

// fakeDialer hands out fake connections. By default each one greets with a
// next valid id of 1.
type fakeDialer struct {
	mu      sync.Mutex
	conns   map[int]*fakeConn
	greet   func(c *fakeConn, clientID int)
	respond func(c *fakeConn, req gateway.Request)
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ int, clientID int) (gateway.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	c.respond = d.respond
	d.mu.Lock()
	if d.conns == nil {
		d.conns = make(map[int]*fakeConn)
	}
	d.conns[clientID] = c
	d.mu.Unlock()
	if d.greet != nil {
		d.greet(c, clientID)
	} else {
		c.push(gateway.Event{Kind: gateway.EventNextValidID, ReqID: gateway.NoRequestID, OrderID: 1})
	}
	return c, nil
}

func (d *fakeDialer) conn(clientID int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[clientID]
}

func testManager(d gateway.Dialer, settle time.Duration) *Manager {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.SettleDelay = settle
	return NewManager(d, nil, cfg)
}

func TestOpenSeedsOrderIDs(t *testing.T) {
	d := &fakeDialer{greet: func(c *fakeConn, _ int) {
		c.push(gateway.Event{Kind: gateway.EventError, ReqID: gateway.NoRequestID, Code: 2104, Message: "Market data farm connection is OK:usfarm"})
		c.push(gateway.Event{Kind: gateway.EventNextValidID, ReqID: gateway.NoRequestID, OrderID: 100})
	}}
	m := testManager(d, 0)

	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 1001})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StatusConnected, s.Status())
	ids, err := s.OrderIDs().Reserve(3)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101, 102}, ids)

	// a stale seed never moves ids backwards
	s.OrderIDs().Seed(50)
	next, err := s.OrderIDs().Next()
	require.NoError(t, err)
	assert.Equal(t, int64(103), next)

	s.OrderIDs().Seed(500)
	next, _ = s.OrderIDs().Next()
	assert.Equal(t, int64(500), next)
}

func TestRequestAndOrderIDsShareSequence(t *testing.T) {
	d := &fakeDialer{greet: func(c *fakeConn, _ int) {
		c.push(gateway.Event{Kind: gateway.EventNextValidID, ReqID: gateway.NoRequestID, OrderID: 10000})
	}}
	m := testManager(d, 0)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 1002})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 10000, s.Bridge().NextRequestID())
	orderID, err := s.OrderIDs().Next()
	require.NoError(t, err)
	assert.Equal(t, int64(10001), orderID)
	_, err = s.Bridge().Expect(int(orderID), bridge.KindOrderStatus)
	assert.NoError(t, err)
}

func TestOpenCollisionLeavesRegistryUnchanged(t *testing.T) {
	m := testManager(&fakeDialer{}, 0)

	first, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 1234})
	require.NoError(t, err)
	defer first.Close()

	_, err = m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 1234})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrIdentityInUse)

	assert.Equal(t, 1, m.Registry().Len())
	got, ok := m.Registry().Get(1234)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, StatusConnected, first.Status())
}

func TestCloseIsIdempotent(t *testing.T) {
	m := testManager(&fakeDialer{}, 0)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.ID, MinClientID)
	assert.LessOrEqual(t, s.ID, MaxClientID)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Zero(t, m.Registry().Len())
	_, ok := m.Registry().Get(s.ID)
	assert.False(t, ok)
}

func TestConcurrentCloseWaitsForTeardown(t *testing.T) {
	m := testManager(&fakeDialer{}, 30*time.Millisecond)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
			assert.Equal(t, StatusDisconnected, s.Status())
		}()
	}
	wg.Wait()
}

func TestCloseEnforcesSettleDelay(t *testing.T) {
	settle := 40 * time.Millisecond
	m := testManager(&fakeDialer{}, settle)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.GreaterOrEqual(t, time.Since(start), settle)
}

func TestReopenSkipsDrainingIdentity(t *testing.T) {
	m := testManager(&fakeDialer{}, 200*time.Millisecond)
	draws := []int{234, 234, 235}
	var n atomic.Int32
	m.alloc.intn = func(int) int { return draws[int(n.Add(1)-1)%len(draws)] }

	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)
	require.Equal(t, 1234, s.ID)

	go s.Close()
	require.Eventually(t, func() bool { return s.Status() != StatusConnected }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { _, ok := m.Registry().Get(1234); return !ok }, time.Second, time.Millisecond)

	_, err = m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 1234})
	assert.ErrorIs(t, err, ErrIdentityCooling)

	next, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)
	defer next.Close()
	assert.Equal(t, 1235, next.ID)
	<-s.Done()
}

func TestOpenFailsOnFatalHandshakeCode(t *testing.T) {
	d := &fakeDialer{greet: func(c *fakeConn, _ int) {
		c.push(gateway.Event{Kind: gateway.EventError, ReqID: gateway.NoRequestID, Code: 326, Message: "client id is already in use"})
	}}
	m := testManager(d, 50*time.Millisecond)

	_, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 2000})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 326, ce.Code)
	assert.Equal(t, 2000, ce.ClientID)

	assert.Zero(t, m.Registry().Len())
	assert.True(t, m.Registry().InUse(2000), "id the gateway rejected should cool down")
}

func TestOpenHandshakeTimeout(t *testing.T) {
	d := &fakeDialer{greet: func(*fakeConn, int) {}}
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	cfg.SettleDelay = 0
	m := NewManager(d, nil, cfg)

	_, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 3000})
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Zero(t, m.Registry().Len())
}

func TestOpenDialFailure(t *testing.T) {
	m := testManager(&fakeDialer{err: errors.New("connection refused")}, time.Second)

	_, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 3001})
	require.True(t, IsConnectionError(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, m.Registry().InUse(3001))
}

func TestCloseFailsPendingWaits(t *testing.T) {
	m := testManager(&fakeDialer{}, 0)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)

	call, err := s.Bridge().Expect(77, bridge.KindOrderStatus)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := call.Wait(context.Background(), 5*time.Second)
		errCh <- err
	}()

	require.NoError(t, s.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, bridge.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending wait was not released by close")
	}

	err = s.Send(context.Background(), gateway.Request{ID: 1, Kind: gateway.ReqPositions})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFatalSessionFaultDrains(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 0)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 4000})
	require.NoError(t, err)

	d.conn(4000).push(gateway.Event{Kind: gateway.EventError, ReqID: gateway.NoRequestID, Code: 1100, Message: "Connectivity between IB and TWS has been lost"})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not drain on fatal fault")
	}
	assert.Zero(t, m.Registry().Len())
}

func TestRemoteDisconnectDrains(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 0)
	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 4001})
	require.NoError(t, err)

	d.conn(4001).Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not drain after transport loss")
	}
}

func TestAwaitThroughSession(t *testing.T) {
	d := &fakeDialer{respond: func(c *fakeConn, req gateway.Request) {
		if req.Kind == gateway.ReqMarketData {
			c.push(gateway.Event{Kind: gateway.EventTick, ReqID: req.ID, Field: gateway.TickAsk, Value: decimal.RequireFromString("245.70")})
		}
	}}
	var seen atomic.Int32
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.Hooks.OnEvent = func(int, gateway.Event) { seen.Add(1) }
	m := NewManager(d, nil, cfg)

	s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)
	defer s.Close()

	req := gateway.Request{ID: s.Bridge().NextRequestID(), Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}
	resp, err := s.Await(context.Background(), req, time.Second)
	require.NoError(t, err)
	ask, ok := resp.Quote.Field(gateway.TickAsk)
	require.True(t, ok)
	assert.True(t, ask.Equal(decimal.RequireFromString("245.70")))
	assert.GreaterOrEqual(t, seen.Load(), int32(2))
}

func TestShutdownReleasesPendingHandshake(t *testing.T) {
	// the gateway accepts the connection but never sends a starting id
	d := &fakeDialer{greet: func(*fakeConn, int) {}}
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 5 * time.Second
	cfg.SettleDelay = 0
	m := NewManager(d, nil, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 4100})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return d.conn(4100) != nil }, time.Second, time.Millisecond)

	start := time.Now()
	m.Shutdown()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, bridge.ErrSessionClosed)
		assert.NotErrorIs(t, err, ErrHandshakeTimeout)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("open kept waiting for the handshake after shutdown")
	}
	assert.Zero(t, m.Registry().Len())
}

// scriptedConn replays events and then fails every Recv.
type scriptedConn struct {
	mu     sync.Mutex
	events []gateway.Event
}

func (c *scriptedConn) Send(context.Context, gateway.Request) error { return nil }
func (c *scriptedConn) Close() error                                 { return nil }

func (c *scriptedConn) Recv() (gateway.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return gateway.Event{}, gateway.ErrClosed
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

type scriptedDialer struct{}

func (scriptedDialer) Dial(context.Context, string, int, int) (gateway.Conn, error) {
	return &scriptedConn{events: []gateway.Event{{Kind: gateway.EventNextValidID, ReqID: gateway.NoRequestID, OrderID: 1}}}, nil
}

func TestTransportLossDuringHandshakeNeverLeavesConnected(t *testing.T) {
	m := testManager(scriptedDialer{}, 0)
	for i := 0; i < 20; i++ {
		s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
		if err != nil {
			assert.ErrorIs(t, err, gateway.ErrClosed)
			continue
		}
		// the loop died after Connected and drains the session itself
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatalf("session %d stayed %s with a dead receive loop", s.ID, s.Status())
		}
	}
	assert.Eventually(t, func() bool { return m.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	m := testManager(&fakeDialer{}, 10*time.Millisecond)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := m.Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: 4002})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	// one already mid-teardown
	go sessions[0].Close()

	m.Shutdown()
	assert.Zero(t, m.Registry().Len())
	for _, s := range sessions {
		<-s.Done()
		assert.Equal(t, StatusDisconnected, s.Status())
	}

	m.Shutdown()
}
