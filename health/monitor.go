package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check reports the status of one component.
type Check func(ctx context.Context) Status

// ErrorCheck adapts a ping-style function into a Check.
func ErrorCheck(name string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Status {
		return FromError(name, ping(ctx))
	}
}

// Monitor holds the latest status of each component. Statuses are either
// pushed with Update or pulled from registered checks by CheckAll.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
	onChange func(Status)
	timeout  time.Duration
}

// NewMonitor creates an empty monitor. Checks run with a 5s timeout.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
		timeout:  5 * time.Second,
	}
}

// SetCheckTimeout bounds each check run by CheckAll.
func (m *Monitor) SetCheckTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// OnUpdate registers fn to be called with every status stored. fn must not
// call back into the monitor.
func (m *Monitor) OnUpdate(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Register adds a check polled by CheckAll under name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update stores status under name, overriding status.Component.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// Get returns the latest status of name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	return st, ok
}

// Remove forgets a component and its check.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// ListComponents returns component names in sorted order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth aggregates the latest statuses, in component name order.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.ListComponents()
	subs := make([]Status, 0, len(names))
	m.mu.RLock()
	for _, name := range names {
		if st, ok := m.statuses[name]; ok {
			subs = append(subs, st)
		}
	}
	m.mu.RUnlock()
	return Aggregate(systemName, subs)
}

// CheckAll runs every registered check concurrently, stores the results
// and returns the aggregate.
func (m *Monitor) CheckAll(ctx context.Context, systemName string) Status {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	timeout := m.timeout
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			st := check(cctx)
			st.Latency = time.Since(start).Round(time.Microsecond).String()
			m.Update(name, st)
		}(name, check)
	}
	wg.Wait()
	return m.AggregateHealth(systemName)
}

// Run calls CheckAll every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, systemName string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.CheckAll(ctx, systemName)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx, systemName)
		}
	}
}

// Handler runs the checks and serves the aggregate as JSON: 200 when
// healthy or degraded, 503 when unhealthy.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := m.CheckAll(r.Context(), systemName)
		code := http.StatusOK
		if st.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
}
