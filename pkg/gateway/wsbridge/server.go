package wsbridge

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Handler serves the bridge protocol, backing each websocket client with its
// own session from Dialer.
type Handler struct {
	Dialer   gateway.Dialer
	Upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

func NewHandler(d gateway.Dialer) *Handler {
	return &Handler{
		Dialer: d,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.Named("wsbridge"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.Atoi(r.URL.Query().Get("client_id"))
	if err != nil {
		http.Error(w, "client_id query parameter required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	upstream, err := h.Dialer.Dial(ctx, "", 0, clientID)
	cancel()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade client %d: %v", clientID, err)
		_ = upstream.Close()
		return
	}
	h.log.Debugf("client %d attached", clientID)

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ws.Close()
		for {
			ev, err := upstream.Recv()
			if err != nil {
				writeMu.Lock()
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				writeMu.Unlock()
				return
			}
			writeMu.Lock()
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			err = ws.WriteJSON(ev)
			writeMu.Unlock()
			if err != nil {
				h.log.Debugf("client %d write: %v", clientID, err)
				_ = upstream.Close()
				return
			}
		}
	}()

	for {
		var req gateway.Request
		if err := ws.ReadJSON(&req); err != nil {
			break
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := upstream.Send(sendCtx, req)
		cancel()
		if err != nil {
			h.log.Warnf("client %d %s request %d: %v", clientID, req.Kind, req.ID, err)
		}
	}

	_ = upstream.Close()
	wg.Wait()
	h.log.Debugf("client %d detached", clientID)
}
