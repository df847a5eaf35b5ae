package kinfolk

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeBackend routes requests by "METHOD /path" and counts calls.
type fakeBackend struct {
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	calls  map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		routes: make(map[string]http.HandlerFunc),
		calls:  make(map[string]int),
	}
}

func (b *fakeBackend) handle(method, path string, h http.HandlerFunc) {
	b.mu.Lock()
	b.routes[method+" "+path] = h
	b.mu.Unlock()
}

// reply registers a handler that always answers status with body as JSON.
func (b *fakeBackend) reply(method, path string, status int, body any) {
	b.handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, body)
	})
}

func (b *fakeBackend) count(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method+" "+path]
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.calls[key]++
	h, ok := b.routes[key]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no route " + key})
		return
	}
	h(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("decode request body: %v", err)
	}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore serves b over httptest and builds a store against it.
func newTestStore(t *testing.T, b *fakeBackend, opts ...StoreOption) (*Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	client := NewClient("test-token", WithBaseURL(srv.URL))
	all := append([]StoreOption{WithLogger(discardLogger())}, opts...)
	s := NewStore(client, all...)
	t.Cleanup(func() { s.Close() })
	return s, srv
}

func signIn(t *testing.T, s *Store, p Profile) {
	t.Helper()
	if err := s.SignIn(p); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// counterValue reads a counter from reg by metric name and label value.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func postJSON(id, username string, likes int, liked bool) map[string]any {
	return map[string]any{
		"id":         id,
		"author":     map[string]any{"id": "id-" + username, "username": username},
		"content":    "post " + id,
		"like_count": likes,
		"is_liked":   liked,
		"created_at": "2024-05-01T11:00:00Z",
	}
}

func strPtr(s string) *string { return &s }
