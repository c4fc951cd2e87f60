// Package datamanager is the fan-in hub (spec §4.D): it owns every
// adapter's receive loop, validates and circuit-guards each update, tags
// it with the feed it belongs to, and forwards accepted updates to the
// aggregation service. Grounded on the teacher's per-source goroutine
// pattern in exchanges_src/binance/book.go generalized to many adapters
// fanning into one hub, and on internal/circuit's event-channel idiom for
// emitting state to the integration layer.
package datamanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/consensus"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feederr"
)

// EventKind classifies a Manager event.
type EventKind int

const (
	EventPriceUpdate EventKind = iota
	EventSourceRejected
	EventSourceDisconnected
	EventSourceConnected
)

// Event is emitted on every routing decision the data manager makes.
type Event struct {
	Kind   EventKind
	Source string
	Feed   feed.ID
	At     time.Time
	Err    error
}

// Forwarder is the aggregation service's inbound surface, kept as an
// interface here so datamanager never imports aggsvc directly.
type Forwarder interface {
	AddPriceUpdate(id feed.ID, update feed.Update)
}

// ResolveFunc maps a raw update's symbol to the feed it belongs to.
type ResolveFunc func(update feed.Update) (feed.ID, bool)

// DefaultResolver splits "BASE/QUOTE" symbols (already normalized by the
// adapter) into a Crypto feed id, folding quote aliases via
// consensus.ResolveFeedName.
func DefaultResolver(category feed.Category) ResolveFunc {
	return func(u feed.Update) (feed.ID, bool) {
		base, quote := splitSymbol(u.Symbol)
		if base == "" || quote == "" {
			return feed.ID{}, false
		}
		name := consensus.ResolveFeedName(base, quote)
		id, err := feed.NewID(category, name)
		if err != nil {
			return feed.ID{}, false
		}
		return id, true
	}
}

func splitSymbol(symbol string) (base, quote string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return "", ""
}

type source struct {
	adapter adapter.Adapter
	cancel  context.CancelFunc
}

// Manager is the fan-in hub.
type Manager struct {
	breakers *circuit.Manager
	forward  Forwarder
	resolve  ResolveFunc

	mu          sync.RWMutex
	sources     map[string]*source
	health      map[string]*feed.SourceHealth
	freshness   map[string]time.Time // feed name -> max(lastUpdate) over contributing sources
	subscribed  map[string]bool      // empty means "subscribed to everything"
	onFailover  func(sourceName, reason string)

	events chan Event
	wg     sync.WaitGroup
}

// New constructs a Manager. resolve maps updates to feed ids; pass nil to
// use DefaultResolver(feed.Crypto).
func New(forward Forwarder, breakers *circuit.Manager, resolve ResolveFunc) *Manager {
	if resolve == nil {
		resolve = DefaultResolver(feed.Crypto)
	}
	return &Manager{
		breakers:   breakers,
		forward:    forward,
		resolve:    resolve,
		sources:    make(map[string]*source),
		health:     make(map[string]*feed.SourceHealth),
		freshness:  make(map[string]time.Time),
		subscribed: make(map[string]bool),
		events:     make(chan Event, 256),
	}
}

// Events exposes the manager's event stream for the integration layer.
func (m *Manager) Events() <-chan Event { return m.events }

// OnFailover registers the callback TriggerSourceFailover invokes; the
// recovery component sets this to drive its own failover state machine.
func (m *Manager) OnFailover(fn func(sourceName, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailover = fn
}

// AddDataSource registers and connects a new adapter, then starts its
// consume loops.
func (m *Manager) AddDataSource(ctx context.Context, name string, a adapter.Adapter) error {
	if err := a.Connect(ctx); err != nil {
		return feederr.Wrap(feederr.KindSourceTransient, err, "data source connect failed").WithSource(name)
	}
	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sources[name] = &source{adapter: a, cancel: cancel}
	m.health[name] = &feed.SourceHealth{Source: name, Status: feed.StatusHealthy, LastUpdate: time.Now()}
	m.mu.Unlock()

	if !m.breakers.Configured(name) {
		m.breakers.AddSource(name, circuit.DefaultConfig)
	}

	m.wg.Add(2)
	go m.consumeUpdates(loopCtx, name, a)
	go m.consumeTransitions(loopCtx, name, a)
	return nil
}

// RemoveDataSource disconnects and deregisters a source.
func (m *Manager) RemoveDataSource(ctx context.Context, name string) error {
	m.mu.Lock()
	src, ok := m.sources[name]
	if ok {
		delete(m.sources, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	src.cancel()
	return src.adapter.Disconnect(ctx)
}

// SubscribeToFeed marks a feed of interest; once any feed is subscribed,
// only subscribed feeds are forwarded downstream.
func (m *Manager) SubscribeToFeed(id feed.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[id.Name] = true
}

// UnsubscribeFromFeed removes a feed from the subscribed set.
func (m *Manager) UnsubscribeFromFeed(id feed.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, id.Name)
}

// GetConnectionHealth snapshots the per-source health table.
func (m *Manager) GetConnectionHealth() map[string]feed.SourceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]feed.SourceHealth, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}

// GetDataFreshness returns how long ago the freshest contributing source
// updated this feed.
func (m *Manager) GetDataFreshness(id feed.ID, now time.Time) (time.Duration, bool) {
	m.mu.RLock()
	last, ok := m.freshness[id.Name]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return now.Sub(last), true
}

// TriggerSourceFailover marks a source unhealthy and invokes the
// registered failover hook (owned by the recovery component); the actual
// backup activation and backoff scheduling lives there, not here.
func (m *Manager) TriggerSourceFailover(sourceName, reason string) {
	m.mu.Lock()
	if h, ok := m.health[sourceName]; ok {
		h.Status = feed.StatusUnhealthy
		h.ErrorCount++
	}
	hook := m.onFailover
	m.mu.Unlock()

	log.Warn().Str("source", sourceName).Str("reason", reason).Msg("data manager: failover triggered")
	if hook != nil {
		hook(sourceName, reason)
	}
}

func (m *Manager) consumeUpdates(ctx context.Context, name string, a adapter.Adapter) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-a.Updates():
			if !ok {
				return
			}
			m.handleUpdate(name, u)
		}
	}
}

func (m *Manager) consumeTransitions(ctx context.Context, name string, a adapter.Adapter) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Transitions():
			if !ok {
				return
			}
			m.handleTransition(name, ev)
		}
	}
}

func (m *Manager) handleTransition(name string, ev adapter.ConnEvent) {
	now := time.Now()
	m.mu.Lock()
	h, exists := m.health[name]
	if !exists {
		h = &feed.SourceHealth{Source: name}
		m.health[name] = h
	}
	switch ev.State {
	case adapter.Connected:
		h.Status = feed.StatusHealthy
	case adapter.Disconnected:
		h.Status = feed.StatusUnhealthy
		h.ErrorCount++
	}
	h.LastUpdate = now
	m.mu.Unlock()

	kind := EventSourceConnected
	if ev.State == adapter.Disconnected {
		kind = EventSourceDisconnected
		log.Warn().Str("source", name).Err(ev.Err).Msg("data manager: source disconnected")
	}
	m.emit(Event{Kind: kind, Source: name, At: now, Err: ev.Err})
}

func (m *Manager) handleUpdate(name string, u feed.Update) {
	now := time.Now()
	u.Source = name

	id, resolved := m.resolve(u)
	if !resolved {
		m.rejectUpdate(name, feed.ID{}, now, feederr.New(feederr.KindNoValidData, "unresolvable feed symbol"))
		return
	}
	if !u.Valid(now, feed.DefaultMaxStaleness) {
		m.rejectUpdate(name, id, now, feederr.New(feederr.KindNoValidData, "invalid update"))
		return
	}
	if b := m.breakers.Get(name); !b.Allow() {
		m.rejectUpdate(name, id, now, feederr.ErrCircuitOpen)
		return
	}
	if !m.shouldForward(id) {
		return
	}

	m.mu.Lock()
	h, exists := m.health[name]
	if !exists {
		h = &feed.SourceHealth{Source: name}
		m.health[name] = h
	}
	h.Status = feed.StatusHealthy
	h.LastLatency = u.Age(now)
	h.LastUpdate = now
	if cur, ok := m.freshness[id.Name]; !ok || now.After(cur) {
		m.freshness[id.Name] = now
	}
	m.mu.Unlock()

	m.forward.AddPriceUpdate(id, u)
	m.emit(Event{Kind: EventPriceUpdate, Source: name, Feed: id, At: now})
}

func (m *Manager) rejectUpdate(name string, id feed.ID, now time.Time, err error) {
	m.mu.Lock()
	if h, ok := m.health[name]; ok {
		h.ErrorCount++
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventSourceRejected, Source: name, Feed: id, At: now, Err: err})
}

func (m *Manager) shouldForward(id feed.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.subscribed) == 0 {
		return true
	}
	return m.subscribed[id.Name]
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
		}
		select {
		case m.events <- ev:
		default:
		}
	}
}

// Shutdown disconnects every source and waits for consume loops to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		_ = m.RemoveDataSource(ctx, name)
	}
	m.wg.Wait()
}
