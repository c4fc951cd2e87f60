package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// parseFunc normalizes one raw websocket frame into an Update. ok is false
// for frames that carry no price data (subscription acks, pings echoed as
// text, heartbeats); err is non-nil only for frames that should be counted
// as malformed input.
type parseFunc func(raw []byte) (update feed.Update, ok bool, err error)

// urlFunc builds the stream URL for a set of symbols.
type urlFunc func(symbols []string) string

// connectFunc runs once right after a successful dial, before the read
// loop starts — exchanges whose subscription model requires a post-connect
// message (Coinbase, Kraken) use this instead of URL query parameters.
type connectFunc func(conn *websocket.Conn, symbols []string) error

// wsAdapter is the shared dial-loop skeleton every streaming exchange
// package embeds, generalized from exchanges_src/binance/book.go's
// dial/read/reconnect loop: one read goroutine per connection, a single
// immediate reconnect attempt on dial failure, and a buffered update
// channel that drops the oldest update when full so a slow consumer never
// blocks the socket read.
type wsAdapter struct {
	name       string
	buildURL   urlFunc
	parse      parseFunc
	onConnect  connectFunc
	caps       Capabilities
	readMaxAge time.Duration // pong deadline refresh window

	mu        sync.Mutex
	connected bool
	symbols   []string
	cancel    context.CancelFunc
	conn      *websocket.Conn

	updates       chan feed.Update
	transitions   chan ConnEvent
	subscriptions chan SubscriptionError
}

// NewWSAdapter builds a streaming Adapter around a URL builder and frame
// parser; every concrete exchange package is a thin pair of those two
// functions plus a capability descriptor.
func NewWSAdapter(name string, buildURL urlFunc, parse parseFunc, caps Capabilities) Adapter {
	a := newWSAdapter(name, buildURL, parse)
	a.caps = caps
	return a
}

// NewWSAdapterWithSubscribe is NewWSAdapter plus a post-connect hook for
// exchanges that subscribe via an in-band message rather than the URL.
func NewWSAdapterWithSubscribe(name string, buildURL urlFunc, parse parseFunc, onConnect connectFunc, caps Capabilities) Adapter {
	a := newWSAdapter(name, buildURL, parse)
	a.onConnect = onConnect
	a.caps = caps
	return a
}

func (a *wsAdapter) Capabilities() Capabilities { return a.caps }

func newWSAdapter(name string, buildURL urlFunc, parse parseFunc) *wsAdapter {
	return &wsAdapter{
		name:          name,
		buildURL:      buildURL,
		parse:         parse,
		readMaxAge:    30 * time.Second,
		updates:       make(chan feed.Update, 1024),
		transitions:   make(chan ConnEvent, 16),
		subscriptions: make(chan SubscriptionError, 16),
	}
}

func (a *wsAdapter) Name() string { return a.name }

func (a *wsAdapter) Updates() <-chan feed.Update                { return a.updates }
func (a *wsAdapter) Transitions() <-chan ConnEvent              { return a.transitions }
func (a *wsAdapter) Subscriptions() <-chan SubscriptionError     { return a.subscriptions }

func (a *wsAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect dials once; on failure it tries exactly one more time after a
// short pause, matching the spec's "adapters attempt one immediate
// reconnect; sustained failure is the recovery component's job" split of
// responsibility. Once a connection is established, a background read
// loop owns reconnection of its own accord only within that same rule: a
// read error ends the loop and reports Disconnected, it does not retry.
func (a *wsAdapter) Connect(ctx context.Context) error {
	url := a.buildURL(a.currentSymbols())

	conn, err := dialOnceWithRetry(url)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	if a.onConnect != nil {
		if err := a.onConnect(conn, a.currentSymbols()); err != nil {
			_ = conn.Close()
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			return err
		}
	}

	a.emitTransition(Connected, nil)
	go a.readLoop(loopCtx, conn)
	return nil
}

func dialOnceWithRetry(url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		return conn, nil
	}
	time.Sleep(500 * time.Millisecond)
	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

func (a *wsAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *wsAdapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	a.symbols = append(a.symbols, symbols...)
	a.mu.Unlock()
	return nil
}

func (a *wsAdapter) Unsubscribe(ctx context.Context, symbols []string) error {
	drop := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		drop[s] = true
	}
	a.mu.Lock()
	kept := a.symbols[:0]
	for _, s := range a.symbols {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	a.symbols = kept
	a.mu.Unlock()
	return nil
}

func (a *wsAdapter) currentSymbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.symbols))
	copy(out, a.symbols)
	return out
}

func (a *wsAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(a.readMaxAge))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(a.readMaxAge))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			a.emitTransition(Disconnected, err)
			return
		}

		update, ok, err := a.parse(raw)
		if err != nil {
			log.Debug().Str("source", a.name).Err(err).Msg("adapter: malformed frame")
			continue
		}
		if !ok {
			continue
		}
		update.Source = a.name
		a.emitUpdate(update)
	}
}

// emitUpdate drops the oldest queued update rather than blocking the
// socket read when the consumer falls behind (spec §4.A backpressure:
// "drop-oldest, never block the reader").
func (a *wsAdapter) emitUpdate(u feed.Update) {
	select {
	case a.updates <- u:
	default:
		select {
		case <-a.updates:
		default:
		}
		select {
		case a.updates <- u:
		default:
		}
	}
}

func (a *wsAdapter) emitTransition(state ConnState, err error) {
	ev := ConnEvent{Source: a.name, State: state, At: time.Now(), Err: err}
	select {
	case a.transitions <- ev:
	default:
	}
}
