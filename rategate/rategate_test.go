package rategate

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/mediaforge/playlock/coordinator"
)

func newTestRouter(g *Gate) http.Handler {
	r := mux.NewRouter()
	ok := func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
	}
	r.HandleFunc(coordinator.PathStartSession, ok).Methods("POST")
	r.HandleFunc(coordinator.PathHeartbeat, ok).Methods("POST")
	r.HandleFunc(coordinator.PathStatus, ok).Methods("GET")
	return g.Middleware(r)
}

func fire(h http.Handler, method, path, user string) int {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("X-Playlock-User", user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

// The liveness paths must never be throttled: a 429 on the poll loop would
// stop playback on a healthy session.
func TestGateNeverThrottlesLivenessPaths(t *testing.T) {
	g := New(30, 15, coordinator.PathHeartbeat, coordinator.PathStatus)
	defer g.Teardown()
	h := newTestRouter(g)

	for i := 0; i < 10000; i++ {
		if code := fire(h, "GET", coordinator.PathStatus+"?user_id=@u&device_class=web", "@u"); code == 429 {
			t.Fatalf("status call %d throttled", i)
		}
		if code := fire(h, "POST", coordinator.PathHeartbeat, "@u"); code == 429 {
			t.Fatalf("heartbeat call %d throttled", i)
		}
	}
}

func TestGateThrottlesNonExemptFlood(t *testing.T) {
	g := New(30, 15, coordinator.PathHeartbeat, coordinator.PathStatus)
	defer g.Teardown()
	h := newTestRouter(g)

	var throttled int
	for i := 0; i < 100; i++ {
		if code := fire(h, "POST", coordinator.PathStartSession, "@flooder"); code == 429 {
			throttled++
		}
	}
	if throttled == 0 {
		t.Fatalf("100 rapid start-session calls were never throttled")
	}
	// well-behaved callers get through: the burst allowance covers them
	if code := fire(h, "POST", coordinator.PathStartSession, "@someone-else"); code != 200 {
		t.Errorf("distinct caller throttled: HTTP %d", code)
	}
}

func TestGateKeysOnUserThenRemoteHost(t *testing.T) {
	g := New(30, 2, coordinator.PathHeartbeat, coordinator.PathStatus)
	defer g.Teardown()
	h := newTestRouter(g)

	// exhaust one user's burst
	for i := 0; i < 5; i++ {
		fire(h, "POST", coordinator.PathStartSession, "@a")
	}
	if code := fire(h, "POST", coordinator.PathStartSession, "@a"); code != 429 {
		t.Errorf("exhausted user: got HTTP %d want 429", code)
	}
	if code := fire(h, "POST", coordinator.PathStartSession, "@b"); code != 200 {
		t.Errorf("fresh user sharing the host: got HTTP %d want 200", code)
	}
}

// Exemption is decided on the exact path form the router matches, so the
// classifier and the route table cannot drift apart.
func TestGateExemptionUsesRouterPathForm(t *testing.T) {
	g := New(30, 15, coordinator.PathHeartbeat, coordinator.PathStatus)
	defer g.Teardown()

	testCases := []struct {
		path string
		want bool
	}{
		{coordinator.PathHeartbeat, true},
		{coordinator.PathStatus, true},
		{coordinator.PathStartSession, false},
		{coordinator.PathEndSession, false},
		{coordinator.PathCleanup, false},
		{coordinator.PathHeartbeat + "/", false},
		{"/_PLAYLOCK/v1/heartbeat", false},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			if got := g.IsExempt(tc.path); got != tc.want {
				t.Errorf("IsExempt(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestGateAllowRefillsOverTime(t *testing.T) {
	// 6000/min = 100/s: a limiter that refills fast enough to observe
	g := New(6000, 1)
	defer g.Teardown()

	if !g.Allow("/x", "k") {
		t.Fatal("first call should pass on burst")
	}
	// 100/s refills one token every 10ms
	for i := 0; i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
		if g.Allow("/x", "k") {
			return
		}
	}
	t.Errorf("limiter never refilled")
}
