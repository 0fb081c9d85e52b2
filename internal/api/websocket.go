package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-desk/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var streamTopics = map[string]events.Event{
	"ticks":    events.EventPriceTick,
	"orders":   events.EventOrderStatus,
	"sessions": events.EventSessionState,
	"errors":   events.EventGatewayError,
	"plans":    events.EventPlanSubmitted,
	"fills":    events.EventExecution,
}

type streamMessage struct {
	Topic   events.Event `json:"topic"`
	Payload any          `json:"payload"`
}

// websocket streams bus events. ?topics=orders,sessions selects topics; the
// default is everything.
func (s *Server) websocket(c *gin.Context) {
	var topics []events.Event
	for _, name := range strings.Split(c.DefaultQuery("topics", ""), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, ok := streamTopics[name]
		if !ok {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown topic "+name)
			return
		}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		for _, t := range streamTopics {
			topics = append(topics, t)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}

	merged := make(chan streamMessage, 128)
	done := make(chan struct{})
	defer close(done)
	for _, topic := range topics {
		ch, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func() {
			for msg := range ch {
				select {
				case merged <- streamMessage{Topic: topic, Payload: msg}:
				case <-done:
					return
				}
			}
		}()
	}

	// reader detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debugf("ws write: %v", err)
				return
			}
		}
	}
}
