package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/mock"
)

func TestRegistry_BuildUnknownReturnsFalse(t *testing.T) {
	r := adapter.NewRegistry()
	r.Register("mock", mock.New)

	if _, ok := r.Build("nope"); ok {
		t.Fatal("expected unknown adapter name to fail")
	}
	a, ok := r.Build("mock")
	if !ok || a.Name() != "mock" {
		t.Fatalf("expected mock adapter, got %+v ok=%v", a, ok)
	}
}

func TestMockAdapter_ConnectPushUpdate(t *testing.T) {
	r := adapter.NewRegistry()
	r.Register("mock", mock.New)
	a, _ := r.Build("mock")

	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.IsConnected() {
		t.Fatal("expected connected after Connect")
	}

	m := a.(*mock.Adapter)
	m.Push("BTC/USD", 50000, 1.5)

	select {
	case u := <-a.Updates():
		if u.Symbol != "BTC/USD" || u.Price != 50000 {
			t.Fatalf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed update")
	}
}

func TestMockAdapter_DisruptEmitsDisconnectTransition(t *testing.T) {
	a := mock.New("mock").(*mock.Adapter)
	_ = a.Connect(context.Background())
	<-a.Transitions() // connected

	a.Disrupt(context.DeadlineExceeded)

	select {
	case ev := <-a.Transitions():
		if ev.State != adapter.Disconnected || ev.Err == nil {
			t.Fatalf("expected disconnected-with-error transition, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect transition")
	}
	if a.IsConnected() {
		t.Fatal("expected disconnected state after Disrupt")
	}
}
