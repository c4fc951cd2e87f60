// Package recovery implements connection recovery (spec §4.C): per feed,
// an ordered list of primary and backup sources, exponential backoff
// reconnection scheduling, and failover/restoration events. It listens to
// the data manager's failover hook and drives adapter reconnects through
// the same adapter.Adapter contract the data manager uses, so it never
// needs to know about transport details.
package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Config tunes the exponential backoff schedule (spec §4.C.3: base 1s, cap
// 60s, jitter +-20%).
type Config struct {
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	JitterFraction  float64
	StableChecks    int           // consecutive healthy checks before a recovered backup is retired
	HealthCheckTick time.Duration
}

var DefaultConfig = Config{
	BackoffBase:     time.Second,
	BackoffCap:      60 * time.Second,
	JitterFraction:  0.2,
	StableChecks:    3,
	HealthCheckTick: 5 * time.Second,
}

// FailoverEvent mirrors spec §4.C's failoverCompleted emission.
type FailoverEvent struct {
	SourceID          string
	Success           bool
	ActivatedSources  []string
	FailoverTime      time.Duration
	At                time.Time
}

// RestoredEvent mirrors spec §4.C's connectionRestored emission.
type RestoredEvent struct {
	SourceID string
	At       time.Time
}

type sourceEntry struct {
	name    string
	adapter adapter.Adapter
}

type feedSources struct {
	primaries []sourceEntry
	backups   []sourceEntry
}

type sourceState struct {
	mu              sync.Mutex
	healthy         bool
	backoffAttempt  int
	activeBackups   map[string]bool
	consecutiveOK   map[string]int // per backup, consecutive healthy checks toward retirement
}

// Manager runs the recovery state machine. It is wired to a
// datamanager.Manager via OnFailover and does not import that package
// directly, avoiding an import cycle.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	feeds   map[string]*feedSources // feed name -> ordered sources
	states  map[string]*sourceState // source name -> recovery state

	failovers chan FailoverEvent
	restored  chan RestoredEvent

	wg sync.WaitGroup
}

// New constructs a recovery manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		feeds:     make(map[string]*feedSources),
		states:    make(map[string]*sourceState),
		failovers: make(chan FailoverEvent, 64),
		restored:  make(chan RestoredEvent, 64),
	}
}

// Failovers exposes the failoverCompleted event stream.
func (m *Manager) Failovers() <-chan FailoverEvent { return m.failovers }

// Restored exposes the connectionRestored event stream.
func (m *Manager) Restored() <-chan RestoredEvent { return m.restored }

// RegisterFeed declares the primary/backup source ordering for one feed.
func (m *Manager) RegisterFeed(feedName string, primaries, backups []sourceEntryArg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := &feedSources{}
	for _, p := range primaries {
		fs.primaries = append(fs.primaries, sourceEntry{name: p.Name, adapter: p.Adapter})
		m.ensureStateLocked(p.Name)
	}
	for _, b := range backups {
		fs.backups = append(fs.backups, sourceEntry{name: b.Name, adapter: b.Adapter})
		m.ensureStateLocked(b.Name)
	}
	m.feeds[feedName] = fs
}

// sourceEntryArg is the registration shape that Primary and Backup build;
// kept distinct from the internal sourceEntry so the package's internal
// bookkeeping can evolve independently of the registration API. The type
// is unexported, so code outside this package cannot declare the slices
// RegisterFeed takes.
type sourceEntryArg struct {
	Name    string
	Adapter adapter.Adapter
}

// Primary builds a primary-source registration argument.
func Primary(name string, a adapter.Adapter) sourceEntryArg { return sourceEntryArg{name, a} }

// Backup builds a backup-source registration argument.
func Backup(name string, a adapter.Adapter) sourceEntryArg { return sourceEntryArg{name, a} }

func (m *Manager) ensureStateLocked(name string) {
	if _, ok := m.states[name]; !ok {
		m.states[name] = &sourceState{healthy: true, activeBackups: make(map[string]bool), consecutiveOK: make(map[string]int)}
	}
}

// HandleSourceDisconnect runs the failover sequence for one source
// (spec §4.C steps 1-3): mark unhealthy, activate the next viable backup,
// schedule a reconnect with exponential backoff.
func (m *Manager) HandleSourceDisconnect(ctx context.Context, sourceName, reason string) {
	start := time.Now()

	m.mu.Lock()
	st, ok := m.states[sourceName]
	if !ok {
		st = &sourceState{activeBackups: make(map[string]bool), consecutiveOK: make(map[string]int)}
		m.states[sourceName] = st
	}
	var feedName string
	var fs *feedSources
	for name, f := range m.feeds {
		for _, p := range f.primaries {
			if p.name == sourceName {
				feedName, fs = name, f
			}
		}
	}
	m.mu.Unlock()

	st.mu.Lock()
	st.healthy = false
	attempt := st.backoffAttempt
	st.backoffAttempt++
	st.mu.Unlock()

	log.Warn().Str("source", sourceName).Str("reason", reason).Msg("recovery: source marked unhealthy")

	var activated []string
	if fs != nil {
		if backup := m.activateNextBackupLocked(feedName, fs); backup != "" {
			activated = append(activated, backup)
		}
	}

	m.scheduleReconnect(ctx, sourceName, attempt)

	m.emitFailover(FailoverEvent{
		SourceID:         sourceName,
		Success:          len(activated) > 0,
		ActivatedSources: activated,
		FailoverTime:     time.Since(start),
		At:               time.Now(),
	})
}

func (m *Manager) activateNextBackupLocked(feedName string, fs *feedSources) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range fs.backups {
		st := m.states[b.name]
		if st == nil {
			continue
		}
		st.mu.Lock()
		active := st.activeBackups[feedName]
		st.mu.Unlock()
		if active {
			continue
		}
		if b.adapter != nil && !b.adapter.IsConnected() {
			_ = b.adapter.Connect(context.Background())
		}
		st.mu.Lock()
		st.activeBackups[feedName] = true
		st.mu.Unlock()
		return b.name
	}
	return ""
}

// scheduleReconnect makes one Connect attempt after an exponential backoff
// delay capped at BackoffCap, +-JitterFraction jitter (spec §4.C.3). A failed
// attempt is logged and not rescheduled; the delay grows with each further
// disconnect reported for the source. Runs in the background; callers do
// not block on it.
func (m *Manager) scheduleReconnect(ctx context.Context, sourceName string, attempt int) {
	m.mu.Lock()
	var target adapter.Adapter
	for _, f := range m.feeds {
		for _, p := range f.primaries {
			if p.name == sourceName {
				target = p.adapter
			}
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}

	delay := m.backoffDelay(attempt)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := target.Connect(ctx); err != nil {
			log.Debug().Str("source", sourceName).Err(err).Msg("recovery: reconnect attempt failed")
			return
		}
		m.onReconnected(sourceName)
	}()
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := m.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt // exponential growth
	if d <= 0 || d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	jitter := 1 + (rand.Float64()*2-1)*m.cfg.JitterFraction
	return time.Duration(float64(d) * jitter)
}

// onReconnected marks the reconnected source healthy, resets its backoff
// and emits a RestoredEvent. It leaves active backups in place; ConfirmStable
// retires them after StableChecks consecutive healthy checks.
func (m *Manager) onReconnected(sourceName string) {
	m.mu.Lock()
	st, ok := m.states[sourceName]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.healthy = true
	st.backoffAttempt = 0
	st.mu.Unlock()

	log.Info().Str("source", sourceName).Msg("recovery: source reconnected")
	m.emitRestored(RestoredEvent{SourceID: sourceName, At: time.Now()})
}

// ConfirmStable records a healthy check tick for a reconnected primary and,
// once StableChecks consecutive checks pass, deactivates the backups that
// were covering its feed.
func (m *Manager) ConfirmStable(feedName, primaryName string) {
	m.mu.Lock()
	fs, ok := m.feeds[feedName]
	m.mu.Unlock()
	if !ok {
		return
	}

	st, ok := m.states[primaryName]
	if !ok {
		return
	}
	st.mu.Lock()
	st.consecutiveOK[feedName]++
	stable := st.consecutiveOK[feedName] >= m.cfg.StableChecks
	st.mu.Unlock()
	if !stable {
		return
	}

	for _, b := range fs.backups {
		bst := m.states[b.name]
		if bst == nil {
			continue
		}
		bst.mu.Lock()
		delete(bst.activeBackups, feedName)
		bst.mu.Unlock()
	}
	st.mu.Lock()
	st.consecutiveOK[feedName] = 0
	st.mu.Unlock()
}

func (m *Manager) emitFailover(ev FailoverEvent) {
	select {
	case m.failovers <- ev:
	default:
	}
}

func (m *Manager) emitRestored(ev RestoredEvent) {
	select {
	case m.restored <- ev:
	default:
	}
}

// Shutdown waits for any in-flight reconnect goroutines to observe ctx
// cancellation.
func (m *Manager) Shutdown() { m.wg.Wait() }

// feedIDFromName is a small convenience used by callers that already have
// a feed.ID and want its string key into RegisterFeed/ConfirmStable.
func feedIDFromName(id feed.ID) string { return id.Name }
