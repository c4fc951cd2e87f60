package datamanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/mock"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

type recordingForwarder struct {
	mu      sync.Mutex
	updates []feed.Update
	ids     []feed.ID
}

func (f *recordingForwarder) AddPriceUpdate(id feed.ID, u feed.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	f.updates = append(f.updates, u)
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func TestAddDataSource_ForwardsValidUpdate(t *testing.T) {
	fwd := &recordingForwarder{}
	mgr := New(fwd, circuit.NewManager(circuit.DefaultConfig), nil)
	ctx := context.Background()

	a := mock.New("binance").(*mock.Adapter)
	if err := mgr.AddDataSource(ctx, "binance", a); err != nil {
		t.Fatal(err)
	}

	a.Push("BTC/USD", 50000, 1.2)

	deadline := time.Now().Add(time.Second)
	for fwd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fwd.count() != 1 {
		t.Fatalf("expected 1 forwarded update, got %d", fwd.count())
	}
	if fwd.ids[0].Name != "BTC/USD" {
		t.Fatalf("unexpected feed id: %+v", fwd.ids[0])
	}

	mgr.Shutdown(ctx)
}

func TestSubscribeToFeed_GatesForwarding(t *testing.T) {
	fwd := &recordingForwarder{}
	mgr := New(fwd, circuit.NewManager(circuit.DefaultConfig), nil)
	ctx := context.Background()

	a := mock.New("binance").(*mock.Adapter)
	_ = mgr.AddDataSource(ctx, "binance", a)

	mgr.SubscribeToFeed(feed.MustID(feed.Crypto, "ETH/USD"))
	a.Push("BTC/USD", 50000, 1)
	a.Push("ETH/USD", 3000, 1)

	deadline := time.Now().Add(time.Second)
	for fwd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // let any stray BTC/USD forward land too, if it would

	if fwd.count() != 1 {
		t.Fatalf("expected only subscribed feed forwarded, got %d updates", fwd.count())
	}
	if fwd.ids[0].Name != "ETH/USD" {
		t.Fatalf("expected ETH/USD forwarded, got %s", fwd.ids[0].Name)
	}

	mgr.Shutdown(ctx)
}

func TestHandleTransition_DisconnectMarksUnhealthy(t *testing.T) {
	fwd := &recordingForwarder{}
	mgr := New(fwd, circuit.NewManager(circuit.DefaultConfig), nil)
	ctx := context.Background()

	a := mock.New("kraken").(*mock.Adapter)
	_ = mgr.AddDataSource(ctx, "kraken", a)

	a.Disrupt(context.DeadlineExceeded)

	deadline := time.Now().Add(time.Second)
	for {
		health := mgr.GetConnectionHealth()
		if h, ok := health["kraken"]; ok && h.Status == feed.StatusUnhealthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected kraken to be marked unhealthy after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mgr.Shutdown(ctx)
}

func TestTriggerSourceFailover_InvokesHook(t *testing.T) {
	fwd := &recordingForwarder{}
	mgr := New(fwd, circuit.NewManager(circuit.DefaultConfig), nil)

	var gotSource, gotReason string
	mgr.OnFailover(func(source, reason string) {
		gotSource, gotReason = source, reason
	})

	mgr.TriggerSourceFailover("binance", "manual test trigger")

	if gotSource != "binance" || gotReason != "manual test trigger" {
		t.Fatalf("hook not invoked with expected args: %q %q", gotSource, gotReason)
	}
}

func TestGetDataFreshness_UnknownFeedReportsFalse(t *testing.T) {
	fwd := &recordingForwarder{}
	mgr := New(fwd, circuit.NewManager(circuit.DefaultConfig), nil)

	if _, ok := mgr.GetDataFreshness(feed.MustID(feed.Crypto, "XRP/USD"), time.Now()); ok {
		t.Fatal("expected unknown feed to report no freshness data")
	}
}
