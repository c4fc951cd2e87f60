// Package adapter defines the per-exchange driver contract (spec §4.A): a
// small interface every exchange package implements, plus a name->
// constructor registry so the data manager can plug in new exchanges
// without a type switch (spec's Design Notes: "adapter interface/trait...
// registry is a map from name to constructor").
package adapter

import (
	"context"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// ConnState is a connection lifecycle transition.
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// ConnEvent is emitted whenever an adapter's connection state changes.
type ConnEvent struct {
	Source string
	State  ConnState
	At     time.Time
	Err    error // non-nil on a transport-error-triggered disconnect
}

// SubscriptionError is emitted when a per-symbol subscribe/unsubscribe
// fails without taking down the whole connection (spec §4.A: "subscription
// errors surface as per-symbol drop events").
type SubscriptionError struct {
	Source string
	Symbol string
	Err    error
}

// Capabilities describes what an adapter can do. Nothing in this module
// reads it at runtime.
type Capabilities struct {
	Streaming           bool
	REST                bool
	Volume              bool
	SupportedCategories []feed.Category
}

// Adapter is the contract every exchange driver satisfies (spec §4.A).
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	// Updates is the normalized PriceUpdate stream; never closed while the
	// adapter is alive, safe to range over across reconnects.
	Updates() <-chan feed.Update
	// Transitions emits connected<->disconnected events; subscription
	// errors go to Subscriptions.
	Transitions() <-chan ConnEvent
	Subscriptions() <-chan SubscriptionError

	Capabilities() Capabilities
}

// Constructor builds a named Adapter instance; each exchange package
// supplies its own endpoint URL.
type Constructor func(name string) Adapter

// Registry is a name->constructor map (spec Design Notes: dynamic dispatch
// on adapter objects replaced by an interface plus a constructor registry).
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under name, overwriting any prior entry.
func (r *Registry) Register(name string, ctor Constructor) {
	r.ctors[name] = ctor
}

// Build instantiates the adapter registered under name, or (nil, false) if
// unknown.
func (r *Registry) Build(name string) (Adapter, bool) {
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, false
	}
	return ctor(name), true
}

// Names lists every registered adapter name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	return out
}
