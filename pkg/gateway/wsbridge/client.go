// Package wsbridge carries the gateway request/callback protocol over a
// websocket as JSON frames. Dialer is the client side; Handler exposes any
// gateway.Dialer to websocket clients.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-desk/pkg/gateway"
)

// Path is where Handler is mounted and Dialer connects.
const Path = "/v1/gateway"

const writeWait = 5 * time.Second

// Dialer connects to a websocket gateway bridge.
type Dialer struct {
	Scheme string // ws or wss
	WS     *websocket.Dialer
}

func NewDialer() *Dialer {
	return &Dialer{Scheme: "ws", WS: websocket.DefaultDialer}
}

// URL builds the bridge address for a client id.
func (d *Dialer) URL(host string, port, clientID int) string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     Path,
		RawQuery: url.Values{"client_id": {strconv.Itoa(clientID)}}.Encode(),
	}
	return u.String()
}

func (d *Dialer) Dial(ctx context.Context, host string, port, clientID int) (gateway.Conn, error) {
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	c, _, err := ws.DialContext(ctx, d.URL(host, port, clientID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway bridge: %w", err)
	}
	return &clientConn{ws: c, done: make(chan struct{})}, nil
}

type clientConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *clientConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *clientConn) Send(ctx context.Context, req gateway.Request) error {
	if c.closed() {
		return gateway.ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(req); err != nil {
		if c.closed() {
			return gateway.ErrClosed
		}
		return fmt.Errorf("write %s request: %w", req.Kind, err)
	}
	return nil
}

func (c *clientConn) Recv() (gateway.Event, error) {
	var ev gateway.Event
	if err := c.ws.ReadJSON(&ev); err != nil {
		if c.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return gateway.Event{}, gateway.ErrClosed
		}
		return gateway.Event{}, fmt.Errorf("read gateway event: %w", err)
	}
	return ev, nil
}

func (c *clientConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
