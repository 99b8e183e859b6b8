// Package permission brokers asynchronous tool-permission decisions.
// The upstream runtime asks whether a tool may run; the answer arrives
// later on a different channel (an HTTP endpoint, a UI prompt). The
// Broker connects the two without process-wide state: the host owns a
// Broker instance and passes it to whoever needs it.
package permission

import (
	"context"
	"fmt"
	"sync"
)

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is the resolution of one pending request.
type Decision struct {
	Behavior Behavior `json:"behavior"`
	// Message is shown to the user on deny.
	Message string `json:"message,omitempty"`
	// UpdatedInput optionally replaces the tool input on allow.
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	// Interrupt asks the runtime to stop the turn on deny.
	Interrupt bool `json:"interrupt,omitempty"`
}

type pending struct {
	toolName  string
	toolUseID string
	ch        chan Decision
}

// Broker tracks pending permission requests by request ID.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*pending)}
}

// Register records a pending request and returns the channel its
// decision will arrive on. Registering an already pending ID fails.
func (b *Broker) Register(requestID, toolName, toolUseID string) (<-chan Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[requestID]; ok {
		return nil, fmt.Errorf("permission request %s already pending", requestID)
	}
	p := &pending{
		toolName:  toolName,
		toolUseID: toolUseID,
		ch:        make(chan Decision, 1),
	}
	b.pending[requestID] = p
	return p.ch, nil
}

// Resolve delivers the decision for a pending request. It returns false
// when the ID is unknown or already resolved.
func (b *Broker) Resolve(requestID string, decision Decision) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- decision
	return true
}

// Remove drops a pending request without resolving it, closing its
// channel so waiters unblock. Removing an unknown ID is a no-op.
func (b *Broker) Remove(requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if ok {
		close(p.ch)
	}
}

// Await blocks until the request is resolved, removed, or ctx ends.
// A removed request reports a deny so tools fail closed.
func (b *Broker) Await(ctx context.Context, requestID string, ch <-chan Decision) (Decision, error) {
	select {
	case decision, ok := <-ch:
		if !ok {
			return Decision{Behavior: BehaviorDeny, Message: "permission request cancelled"}, nil
		}
		return decision, nil
	case <-ctx.Done():
		b.Remove(requestID)
		return Decision{}, ctx.Err()
	}
}

// Pending returns the IDs of all unresolved requests.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
