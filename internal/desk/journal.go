package desk

import (
	"context"
	"errors"
	"time"

	"trading-desk/internal/bridge"
	"trading-desk/internal/events"
	"trading-desk/internal/session"
	"trading-desk/pkg/db"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Hooks publish session traffic on bus. Install them in session.Config so
// every session the manager opens reports to the desk.
func Hooks(bus *events.Bus, classifier *bridge.Classifier) session.Hooks {
	if classifier == nil {
		classifier = bridge.NewClassifier(bridge.DefaultCodeTable())
	}
	return session.Hooks{
		OnEvent: func(clientID int, ev gateway.Event) {
			topic, payload, ok := events.FromGateway(clientID, ev)
			if !ok {
				return
			}
			if ge, isErr := payload.(events.GatewayError); isErr {
				ge.Severity = classifier.Classify(ge.Code).String()
				payload = ge
			}
			bus.Publish(topic, payload)
		},
		OnStatus: func(info session.Info) {
			bus.Publish(events.EventSessionState, events.SessionState{
				ClientID: info.ClientID,
				Host:     info.Host,
				Port:     info.Port,
				Status:   info.Status,
				Time:     time.Now(),
			})
		},
	}
}

// RunJournal records order status and session state events until ctx ends.
func RunJournal(ctx context.Context, bus *events.Bus, journal *db.Database) error {
	statuses, unsubStatus := bus.Subscribe(events.EventOrderStatus, 256)
	defer unsubStatus()
	states, unsubState := bus.Subscribe(events.EventSessionState, 64)
	defer unsubState()

	log := logger.Named("journal")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-statuses:
			st, ok := msg.(events.OrderStatus)
			if !ok {
				continue
			}
			if err := journal.RecordStatus(ctx, db.StatusUpdate{
				OrderID:      st.OrderID,
				Status:       st.Status,
				Filled:       st.Filled,
				Remaining:    st.Remaining,
				AvgFillPrice: st.AvgFillPrice,
				RecordedAt:   st.Time,
			}); err != nil && ctx.Err() == nil {
				log.Warnf("order %d status %s: %v", st.OrderID, st.Status, err)
			}
		case msg := <-states:
			st, ok := msg.(events.SessionState)
			if !ok {
				continue
			}
			if err := recordSession(ctx, journal, st); err != nil && ctx.Err() == nil {
				log.Warnf("session %d %s: %v", st.ClientID, st.Status, err)
			}
		}
	}
}

func recordSession(ctx context.Context, journal *db.Database, st events.SessionState) error {
	connected := session.StatusConnected.String()
	if st.Status == connected {
		_, err := journal.OpenSession(ctx, db.Session{
			ClientID: st.ClientID, Host: st.Host, Port: st.Port, Status: st.Status, OpenedAt: st.Time,
		})
		return err
	}
	err := journal.UpdateSessionStatus(ctx, st.ClientID, st.Status, "", st.Status == session.StatusDisconnected.String())
	// handshakes that never connected have no row
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}
