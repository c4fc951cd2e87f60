package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/mock"
)

func TestHandleSourceDisconnect_ActivatesBackup(t *testing.T) {
	cfg := DefaultConfig
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 20 * time.Millisecond
	m := New(cfg)

	primary := mock.New("binance").(*mock.Adapter)
	backup := mock.New("coinbase").(*mock.Adapter)
	_ = primary.Connect(context.Background())

	m.RegisterFeed("BTC/USD", []sourceEntryArg{Primary("binance", primary)}, []sourceEntryArg{Backup("coinbase", backup)})

	m.HandleSourceDisconnect(context.Background(), "binance", "transport error")

	select {
	case ev := <-m.Failovers():
		if !ev.Success || len(ev.ActivatedSources) != 1 || ev.ActivatedSources[0] != "coinbase" {
			t.Fatalf("unexpected failover event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failover event")
	}
	if !backup.IsConnected() {
		t.Fatal("expected backup to be connected after failover")
	}
}

func TestScheduleReconnect_EmitsRestoredOnSuccess(t *testing.T) {
	cfg := DefaultConfig
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	m := New(cfg)

	primary := mock.New("kraken").(*mock.Adapter)
	m.RegisterFeed("ETH/USD", []sourceEntryArg{Primary("kraken", primary)}, nil)

	m.HandleSourceDisconnect(context.Background(), "kraken", "read error")

	select {
	case ev := <-m.Restored():
		if ev.SourceID != "kraken" {
			t.Fatalf("unexpected restored event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for restored event")
	}
}

func TestBackoffDelay_CapsAtConfiguredMax(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffCap: 5 * time.Second, JitterFraction: 0}
	m := New(cfg)

	d := m.backoffDelay(10) // would be enormous uncapped
	if d != 5*time.Second {
		t.Fatalf("expected delay capped at 5s, got %v", d)
	}
}

func TestConfirmStable_DeactivatesBackupAfterThreshold(t *testing.T) {
	cfg := DefaultConfig
	cfg.StableChecks = 2
	m := New(cfg)

	primary := mock.New("binance").(*mock.Adapter)
	backup := mock.New("coinbase").(*mock.Adapter)
	m.RegisterFeed("BTC/USD", []sourceEntryArg{Primary("binance", primary)}, []sourceEntryArg{Backup("coinbase", backup)})
	m.activateNextBackupLocked("BTC/USD", m.feeds["BTC/USD"])

	m.ConfirmStable("BTC/USD", "binance")
	st := m.states["coinbase"]
	st.mu.Lock()
	stillActive := st.activeBackups["BTC/USD"]
	st.mu.Unlock()
	if !stillActive {
		t.Fatal("backup should still be active before threshold reached")
	}

	m.ConfirmStable("BTC/USD", "binance")
	st.mu.Lock()
	stillActive = st.activeBackups["BTC/USD"]
	st.mu.Unlock()
	if stillActive {
		t.Fatal("expected backup deactivated after StableChecks consecutive confirmations")
	}
}
