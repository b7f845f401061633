package outbox

import (
	"context"
	"fmt"
)

// FakeProvider is an in-memory Provider used by tests, mirroring the
// structure of the test doubles the Python original used to exercise
// deliver_row's reconciliation branches.
type FakeProvider struct {
	SendCalls   []string // recipients passed to Send, in call order
	sent        map[string]string
	existing    map[string]bool
	nextID      int
	LookupStub  func(providerMessageID string) bool
}

// NewFakeProvider returns a ready-to-use FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		sent:     make(map[string]string),
		existing: make(map[string]bool),
	}
}

// Send records the call and manufactures a unique provider message id.
func (p *FakeProvider) Send(ctx context.Context, recipient, payload, idempotencyKey string) (string, error) {
	p.SendCalls = append(p.SendCalls, recipient)
	p.nextID++
	id := fmt.Sprintf("msg-%d", p.nextID)
	p.sent[id] = payload
	p.existing[id] = true
	return id, nil
}

// Lookup reports whether providerMessageID is known to exist, deferring to
// LookupStub when set.
func (p *FakeProvider) Lookup(ctx context.Context, providerMessageID string) (bool, error) {
	if p.LookupStub != nil {
		return p.LookupStub(providerMessageID), nil
	}
	return p.existing[providerMessageID], nil
}
