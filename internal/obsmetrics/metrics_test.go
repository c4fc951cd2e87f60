package obsmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistry_RegistersWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveResponseTime("BTC/USD", 5*time.Millisecond)
	r.RecordSourceUpdate("binance", 50*time.Millisecond)
	r.RecordSourceReject("binance", "stale")
	r.RecordCircuitState("binance", 0)
	r.RecordWarmAttempt("aggressive", true)
	r.RecordWarmAttempt("aggressive", false)
	r.SyncCacheSize("realtime", 42)
	r.RecordCacheAccess("realtime", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}
