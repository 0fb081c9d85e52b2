package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Client ids handed to the gateway are drawn from this range.
const (
	MinClientID = 1000
	MaxClientID = 9999
)

const defaultAllocAttempts = 64

var (
	ErrIdentitiesExhausted = errors.New("no free client id")
	ErrOrderIDsNotSeeded   = errors.New("order ids not seeded by gateway")
)

// Allocator draws random client ids and rejects any that is registered or
// still cooling down in the Registry.
type Allocator struct {
	registry *Registry
	attempts int
	intn     func(n int) int
}

func NewAllocator(registry *Registry) *Allocator {
	return &Allocator{
		registry: registry,
		attempts: defaultAllocAttempts,
		intn:     rand.IntN,
	}
}

// Next returns a client id that is free at the time of the call. The caller
// still has to win Registry.Register with it.
func (a *Allocator) Next() (int, error) {
	span := MaxClientID - MinClientID + 1
	for i := 0; i < a.attempts; i++ {
		id := MinClientID + a.intn(span)
		if !a.registry.InUse(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrIdentitiesExhausted, a.attempts)
}

// OrderIDs hands out order ids for one session. The gateway seeds it with its
// next valid id on connect; ids never move backwards and are never reused.
type OrderIDs struct {
	mu     sync.Mutex
	next   int64
	seeded bool
}

// Seed raises the next id to id. A seed lower than ids already handed out is
// ignored.
func (o *OrderIDs) Seed(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.seeded || id > o.next {
		o.next = id
	}
	o.seeded = true
}

// Seeded reports whether the gateway has delivered a starting id.
func (o *OrderIDs) Seeded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seeded
}

// Next returns one order id.
func (o *OrderIDs) Next() (int64, error) {
	ids, err := o.Reserve(1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Reserve returns n consecutive order ids.
func (o *OrderIDs) Reserve(n int) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reserve %d order ids: count must be positive", n)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.seeded {
		return nil, ErrOrderIDsNotSeeded
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = o.next
		o.next++
	}
	return ids, nil
}
