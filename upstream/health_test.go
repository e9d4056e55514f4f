package upstream

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cdnedge-io/edgecache/breaker"
	"github.com/cdnedge-io/edgecache/config"
)

func TestHealthProbeRecordsSuccess(t *testing.T) {
	var status atomic.Int32
	status.Store(200)
	doer := &fakeDoer{respond: func(req *http.Request, attempt int) (*http.Response, error) {
		return newResponse(int(status.Load()), "", nil), nil
	}}

	mgr := breaker.NewManager(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, SuccessThreshold: 1})
	probe := NewHealthProbe(doer, mgr)

	origin := config.Origin{
		Name:                    "o1",
		URL:                     "http://origin.internal",
		HealthCheckPath:         "/healthz",
		HealthCheckIntervalSecs: 3600,
		HealthCheckTimeoutSecs:  1,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probe.Start(ctx, origin)
	defer probe.Stop(origin.Name)

	deadline := time.Now().Add(time.Second)
	for doer.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if doer.calls.Load() == 0 {
		t.Fatal("expected at least one probe call")
	}
	if mgr.Get("o1").Snapshot().State != breaker.Closed {
		t.Fatalf("expected Closed after 2xx probe")
	}
}

func TestHealthProbeSkipsOriginsWithoutPath(t *testing.T) {
	doer := &fakeDoer{respond: func(req *http.Request, attempt int) (*http.Response, error) {
		t.Fatal("should not be called")
		return nil, nil
	}}
	mgr := breaker.NewManager(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 1})
	probe := NewHealthProbe(doer, mgr)

	probe.Start(context.Background(), config.Origin{Name: "o2", URL: "http://origin.internal"})
	time.Sleep(10 * time.Millisecond)
}
