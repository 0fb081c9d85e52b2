// Package monitor counts desk activity and raises alerts for gateway faults.
package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trading-desk/internal/events"
	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Monitor watches the bus, feeding Metrics and sending alerts for
// session-level gateway errors.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink

	log *zap.SugaredLogger
}

// New returns a Monitor that alerts through the log when sink is nil.
func New(bus *events.Bus, metrics *Metrics, sink AlertSink) *Monitor {
	log := logger.Named("monitor")
	if sink == nil {
		sink = LogSink{Log: log}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Monitor{Bus: bus, Metrics: metrics, Sink: sink, log: log}
}

// Run consumes events until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	errs, unsubErrs := m.Bus.Subscribe(events.EventGatewayError, 64)
	defer unsubErrs()
	states, unsubStates := m.Bus.Subscribe(events.EventSessionState, 64)
	defer unsubStates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-errs:
			ge, ok := msg.(events.GatewayError)
			if !ok || ge.Severity != "error" {
				continue
			}
			m.Metrics.IncrementGatewayErrors()
			if ge.ReqID == gateway.NoRequestID {
				m.alert(fmt.Sprintf("client %d: gateway error %d: %s", ge.ClientID, ge.Code, ge.Message))
			}
		case msg := <-states:
			st, ok := msg.(events.SessionState)
			if ok && st.Status == "disconnected" {
				m.Metrics.IncrementSessionsClosed()
			}
		}
	}
}

func (m *Monitor) alert(message string) {
	if err := m.Sink.Send(message); err != nil {
		m.log.Warnf("alert delivery failed: %v", err)
	}
}
