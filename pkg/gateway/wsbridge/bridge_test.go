package wsbridge

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/internal/session"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/gateway/paper"
)

func startBridge(t *testing.T) (*paper.Gateway, string, int) {
	t.Helper()
	cfg := paper.DefaultConfig()
	cfg.TickInterval = 0
	cfg.Prices = map[string]decimal.Decimal{"AAPL": decimal.RequireFromString("245.67")}
	g := paper.New(cfg)

	mux := http.NewServeMux()
	mux.Handle(Path, NewHandler(g))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return g, host, port
}

func TestDialerURL(t *testing.T) {
	d := NewDialer()
	assert.Equal(t, "ws://127.0.0.1:4002/v1/gateway?client_id=1234", d.URL("127.0.0.1", 4002, 1234))
}

func TestRoundTrip(t *testing.T) {
	g, host, port := startBridge(t)

	c, err := NewDialer().Dial(context.Background(), host, port, 1500)
	require.NoError(t, err)

	ev, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, paper.CodeMarketDataFarm, ev.Code)
	ev, err = c.Recv()
	require.NoError(t, err)
	assert.Equal(t, gateway.EventNextValidID, ev.Kind)
	assert.True(t, g.Connected(1500))

	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 3, Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}))
	ev, err = c.Recv()
	require.NoError(t, err)
	assert.Equal(t, gateway.EventTick, ev.Kind)
	assert.Equal(t, 3, ev.ReqID)
	assert.True(t, ev.Value.IsPositive())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Recv()
	assert.ErrorIs(t, err, gateway.ErrClosed)
	assert.ErrorIs(t, c.Send(context.Background(), gateway.Request{Kind: gateway.ReqPositions}), gateway.ErrClosed)

	assert.Eventually(t, func() bool { return !g.Connected(1500) }, 2*time.Second, 10*time.Millisecond)
}

func TestMissingClientID(t *testing.T) {
	_, host, port := startBridge(t)
	resp, err := http.Get("http://" + net.JoinHostPort(host, strconv.Itoa(port)) + Path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionOverBridge(t *testing.T) {
	_, host, port := startBridge(t)

	cfg := session.DefaultConfig()
	cfg.SettleDelay = 10 * time.Millisecond
	m := session.NewManager(NewDialer(), nil, cfg)

	s, err := m.Open(context.Background(), session.Endpoint{Host: host, Port: port, ClientID: 2200})
	require.NoError(t, err)

	req := gateway.Request{ID: s.Bridge().NextRequestID(), Kind: gateway.ReqAccountSummary}
	resp, err := s.Await(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccountValues)

	_, err = m.Open(context.Background(), session.Endpoint{Host: host, Port: port, ClientID: 2200})
	assert.True(t, session.IsConnectionError(err))

	require.NoError(t, s.Close())
	assert.Zero(t, m.Registry().Len())
}
