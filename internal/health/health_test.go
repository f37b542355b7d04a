package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/apwatch/internal/clock"
)

func fixed(status Status) CheckFunc {
	return func(context.Context) Check { return Check{Status: status} }
}

func TestChecker_Aggregate(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Status
		want   Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", map[string]Status{"a": StatusHealthy, "b": StatusHealthy}, StatusHealthy},
		{"degraded wins over healthy", map[string]Status{"a": StatusHealthy, "b": StatusDegraded}, StatusDegraded},
		{"unhealthy wins", map[string]Status{"a": StatusDegraded, "b": StatusUnhealthy, "c": StatusHealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(clock.NewMock(time.Unix(0, 0)), 0)
			for name, st := range tt.checks {
				c.Register(name, fixed(st))
			}
			report := c.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.checks))
			for name := range tt.checks {
				assert.Equal(t, name, report.Checks[name].Name)
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	clk := clock.NewMock(time.Unix(1000, 0))
	c := NewChecker(clk, 5*time.Second)
	var calls atomic.Int32
	c.Register("count", func(context.Context) Check {
		calls.Add(1)
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(6 * time.Second)
	c.Check(context.Background())
	assert.Equal(t, int32(2), calls.Load())

	c.Register("other", fixed(StatusHealthy))
	report := c.Check(context.Background())
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, report.Checks, 2)
}

func TestHandlers(t *testing.T) {
	c := NewChecker(nil, 0)
	c.Register("broken", fixed(StatusUnhealthy))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["broken"].Status)

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT READY", rec.Body.String())

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ok := NewChecker(nil, 0)
	ok.Register("fine", fixed(StatusDegraded))
	rec = httptest.NewRecorder()
	ok.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())
}

type fakeCapture struct {
	running, enabled bool
	err              error
}

func (f fakeCapture) Running() bool { return f.running }
func (f fakeCapture) Enabled() bool { return f.enabled }
func (f fakeCapture) Err() error    { return f.err }

func TestCaptureCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, CaptureCheck(fakeCapture{running: true, enabled: true})(ctx).Status)
	assert.Equal(t, StatusDegraded, CaptureCheck(fakeCapture{})(ctx).Status)

	c := CaptureCheck(fakeCapture{err: errors.New("capture exited")})(ctx)
	assert.Equal(t, StatusUnhealthy, c.Status)
	assert.Contains(t, c.Message, "capture exited")
}

type fakeStore struct{ err error }

func (f fakeStore) ListBuckets() ([]string, error) {
	return []string{"blocklist", "monitor"}, f.err
}

func (f fakeStore) CurrentVersion() uint64 { return 7 }

func TestStoreCheck(t *testing.T) {
	ctx := context.Background()
	c := StoreCheck(fakeStore{})(ctx)
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, "2 buckets at version 7", c.Message)
	assert.Equal(t, StatusUnhealthy, StoreCheck(fakeStore{err: errors.New("closed")})(ctx).Status)
}

func TestBlocklistCheck(t *testing.T) {
	c := BlocklistCheck(func() (int, int) { return 2, 5 })(context.Background())
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, "2 targets, 5 drop rules", c.Message)
}

func TestInterfaceCheck(t *testing.T) {
	ctx := context.Background()
	c := InterfaceCheck(func() (string, error) { return "", errors.New("no hotspot") })(ctx)
	assert.Equal(t, StatusDegraded, c.Status)

	c = InterfaceCheck(func() (string, error) { return "apwatch-none0", nil })(ctx)
	assert.Equal(t, StatusDegraded, c.Status)
	assert.Contains(t, c.Message, "apwatch-none0")
}
