package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstructors(t *testing.T) {
	before := time.Now()

	h := NewHealthy("store", "ok")
	assert.True(t, h.Healthy)
	assert.True(t, h.IsHealthy())
	assert.Equal(t, LevelHealthy, h.Level())
	assert.False(t, h.Timestamp.Before(before))

	d := NewDegraded("catalog", "reconnecting")
	assert.False(t, d.Healthy)
	assert.True(t, d.IsDegraded())
	assert.Equal(t, LevelDegraded, d.Level())

	u := NewUnhealthy("nats", "down")
	assert.True(t, u.IsUnhealthy())
	assert.Equal(t, LevelUnhealthy, u.Level())
	assert.Equal(t, LevelUnhealthy, Status{}.Level())
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("store", nil).IsHealthy())

	st := FromError("nats", fmt.Errorf("dial nats://10.0.0.5:4222: connection refused"))
	assert.True(t, st.IsUnhealthy())
	assert.Equal(t, "dial [URL] connection refused", st.Message)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, "system", st.Component)
			assert.Len(t, st.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_DoesNotAliasInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	st := Aggregate("system", subs)
	subs[0].Status = "unhealthy"
	assert.Equal(t, "healthy", st.SubStatuses[0].Status)
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	original := Status{Component: "parent", Status: "healthy", SubStatuses: []Status{{Component: "child1", Status: "healthy"}}}
	modified := original.WithSubStatus(Status{Component: "child2", Status: "unhealthy"})

	assert.Len(t, original.SubStatuses, 1)
	assert.Len(t, modified.SubStatuses, 2)

	original.SubStatuses[0].Status = "degraded"
	assert.Equal(t, "healthy", modified.SubStatuses[0].Status)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name, input, expected string
	}{
		{"empty", "", ""},
		{"unix path", "failed to open /var/lib/pointstream/points.db", "failed to open [PATH]"},
		{"windows path", "cannot read C:\\data\\points.db", "cannot read [PATH]"},
		{"http url", "connection failed to https://api.example.com/v1/health", "connection failed to [URL]"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"ip", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"port", "failed to bind to :8080", "failed to bind to [PORT]"},
		{"credentials", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{"combined", "failed to connect to https://192.168.1.1:8080/api with token=abc123def", "failed to connect to [URL] with [REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	var seen []Status
	m.OnUpdate(func(st Status) { seen = append(seen, st) })

	m.Update("store", Status{Component: "ignored", Status: "healthy", Healthy: true})
	st, ok := m.Get("store")
	require.True(t, ok)
	assert.Equal(t, "store", st.Component)
	assert.False(t, st.Timestamp.IsZero())
	require.Len(t, seen, 1)

	m.Update("catalog", NewDegraded("catalog", "slow"))
	assert.Equal(t, []string{"catalog", "store"}, m.ListComponents())

	agg := m.AggregateHealth("pointstream")
	assert.True(t, agg.IsDegraded())
	assert.Equal(t, "catalog", agg.SubStatuses[0].Component)

	m.Remove("catalog")
	_, ok = m.Get("catalog")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth("pointstream").IsHealthy())
}

func TestMonitor_CheckAll(t *testing.T) {
	m := NewMonitor()
	m.SetCheckTimeout(50 * time.Millisecond)
	m.Register("store", ErrorCheck("store", func(context.Context) error { return nil }))
	m.Register("slow", ErrorCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	agg := m.CheckAll(context.Background(), "pointstream")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "slow", agg.SubStatuses[0].Component)
	assert.Equal(t, "context deadline exceeded", agg.SubStatuses[0].Message)
	assert.True(t, agg.SubStatuses[1].IsHealthy())
	assert.NotEmpty(t, agg.SubStatuses[1].Latency)
}

func TestMonitor_Run(t *testing.T) {
	m := NewMonitor()
	var mu sync.Mutex
	calls := 0
	m.Register("store", func(context.Context) Status {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return NewHealthy("store", "ok")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, "pointstream", 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	healthy := true
	m.Register("store", func(context.Context) Status {
		if healthy {
			return NewHealthy("store", "ok")
		}
		return NewUnhealthy("store", "down")
	})

	rec := httptest.NewRecorder()
	m.Handler("pointstream").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "pointstream", st.Component)
	assert.True(t, st.Healthy)

	healthy = false
	rec = httptest.NewRecorder()
	m.Handler("pointstream").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.Update(fmt.Sprintf("c%d", i), NewHealthy("", ""))
		}(i)
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("system")
		}()
	}
	wg.Wait()
	assert.Len(t, m.ListComponents(), 10)
}
