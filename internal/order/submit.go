package order

import (
	"context"
	"errors"
	"fmt"

	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Sender issues requests to the gateway.
type Sender interface {
	Send(ctx context.Context, req gateway.Request) error
}

// SubmitError reports a plan that was only partly sent. CancelErr holds the
// failures to cancel legs that had already gone out.
type SubmitError struct {
	PlanID    string
	Sent      []int64
	Err       error
	CancelErr error
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("submit plan %s: sent %d leg(s): %v", e.PlanID, len(e.Sent), e.Err)
	if e.CancelErr != nil {
		msg += fmt.Sprintf(" (cancel failed: %v)", e.CancelErr)
	}
	return msg
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Submit sends the legs of p in order. If a leg fails after earlier legs
// went out, the earlier legs are cancelled best-effort; legs held with
// transmit unset are never acted on by the gateway on their own.
func Submit(ctx context.Context, s Sender, p Plan) ([]int64, error) {
	if len(p.Legs) == 0 {
		return nil, invalid("legs", 0, "plan is empty")
	}
	sent := make([]int64, 0, len(p.Legs))
	for _, o := range p.Legs {
		t := o.Ticket()
		req := gateway.Request{
			ID:       int(o.ID),
			Kind:     gateway.ReqPlaceOrder,
			Contract: o.Contract,
			Order:    &t,
		}
		if err := s.Send(ctx, req); err != nil {
			cancelErr := cancelSent(context.WithoutCancel(ctx), s, p, sent)
			return sent, &SubmitError{PlanID: p.ID, Sent: sent, Err: err, CancelErr: cancelErr}
		}
		sent = append(sent, o.ID)
	}
	return sent, nil
}

func cancelSent(ctx context.Context, s Sender, p Plan, ids []int64) error {
	var errs []error
	for _, id := range ids {
		err := s.Send(ctx, gateway.Request{ID: int(id), Kind: gateway.ReqCancelOrder, Contract: p.Root().Contract})
		if err != nil {
			logger.Named("order").Errorf("plan %s: cancel order %d: %v", p.ID, id, err)
			errs = append(errs, fmt.Errorf("order %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
