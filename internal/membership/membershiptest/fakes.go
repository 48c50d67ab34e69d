// Package membershiptest holds test doubles for the membership collaborators
// and a contract suite every Repository adapter has to pass.
package membershiptest

import (
	"context"
	"sync"

	"kyri56xcaesar/eventteams/internal/membership"
)

// Oracle is an in-memory capacity oracle whose bounds can change mid-test.
type Oracle struct {
	mu     sync.Mutex
	events map[string]membership.Bounds
	calls  int
}

func NewOracle() *Oracle {
	return &Oracle{events: make(map[string]membership.Bounds)}
}

func (o *Oracle) Set(eventID string, minSize, maxSize int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[eventID] = membership.Bounds{Min: minSize, Max: maxSize}
}

func (o *Oracle) TeamBounds(_ context.Context, eventID string) (membership.Bounds, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	b, ok := o.events[eventID]
	if !ok {
		return membership.Bounds{}, membership.ErrEventNotFound
	}
	return b, nil
}

// Calls reports how many lookups were served.
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Directory knows every user except the ones listed as missing.
type Directory struct {
	Missing map[string]bool
}

func (d Directory) UserExists(_ context.Context, userID string) (bool, error) {
	return !d.Missing[userID], nil
}
