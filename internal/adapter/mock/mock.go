// Package mock provides an in-process Adapter for tests and the CLI's
// selftest command — no network, deterministic, driven entirely by Push.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

type Adapter struct {
	name string

	mu        sync.Mutex
	connected bool

	updates       chan feed.Update
	transitions   chan adapter.ConnEvent
	subscriptions chan adapter.SubscriptionError
}

// New constructs a mock adapter under the given registry name.
func New(name string) adapter.Adapter {
	return &Adapter{
		name:          name,
		updates:       make(chan feed.Update, 256),
		transitions:   make(chan adapter.ConnEvent, 16),
		subscriptions: make(chan adapter.SubscriptionError, 16),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.emitTransition(adapter.Connected, nil)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.emitTransition(adapter.Disconnected, nil)
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error   { return nil }
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error { return nil }

func (a *Adapter) Updates() <-chan feed.Update                     { return a.updates }
func (a *Adapter) Transitions() <-chan adapter.ConnEvent            { return a.transitions }
func (a *Adapter) Subscriptions() <-chan adapter.SubscriptionError  { return a.subscriptions }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:           true,
		Volume:              true,
		SupportedCategories: []feed.Category{feed.Crypto, feed.Forex, feed.Commodity, feed.Stock},
	}
}

// Push injects a synthetic update, tagging it with this adapter's name as
// the source.
func (a *Adapter) Push(symbol string, price float64, volume float64) {
	u := feed.Update{
		Symbol:      symbol,
		Price:       price,
		TimestampMs: time.Now().UnixMilli(),
		Source:      a.name,
		Confidence:  1.0,
		Volume:      volume,
		HasVolume:   volume > 0,
	}
	select {
	case a.updates <- u:
	default:
	}
}

// Disrupt simulates a transport-error-triggered disconnect, for exercising
// the recovery component's failover path without a real socket.
func (a *Adapter) Disrupt(err error) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.emitTransition(adapter.Disconnected, err)
}

func (a *Adapter) emitTransition(state adapter.ConnState, err error) {
	ev := adapter.ConnEvent{Source: a.name, State: state, At: time.Now(), Err: err}
	select {
	case a.transitions <- ev:
	default:
	}
}
