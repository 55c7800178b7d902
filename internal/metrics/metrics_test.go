package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransfer(t *testing.T) {
	m := New()
	m.ObserveTransfer(Upload, 10, nil)
	m.ObserveTransfer(Upload, 5, errors.New("boom"))
	m.ObserveTransfer(Download, 0, nil)

	if got := testutil.ToFloat64(m.Transfers.WithLabelValues(Upload, ResultOK)); got != 1 {
		t.Errorf("upload ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Transfers.WithLabelValues(Upload, ResultError)); got != 1 {
		t.Errorf("upload error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Bytes.WithLabelValues(Upload)); got != 15 {
		t.Errorf("upload bytes = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.Bytes.WithLabelValues(Download)); got != 0 {
		t.Errorf("download bytes = %v, want 0", got)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Accepted.Inc()
	if got := testutil.ToFloat64(b.Accepted); got != 0 {
		t.Fatalf("second instance saw %v accepts", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Pairings.Set(3)
	m.StaleEvents.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"backhaul_pairings_active 3", "backhaul_stale_events_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestObserveEventDrops(t *testing.T) {
	m := New()
	var dropped uint64 = 4
	m.ObserveEventDrops(func() uint64 { return dropped })

	if got := testutil.ToFloat64(m.EventDrops); got != 4 {
		t.Fatalf("event drops = %v, want 4", got)
	}
	dropped = 6
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, "backhaul_event_drops_total 6") {
		t.Fatalf("metrics output missing event drops:\n%s", body)
	}
}
