package rategate

import (
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mediaforge/playlock/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Gate rate-limits coordinator traffic per caller. The session-liveness
// paths (heartbeat, status) are exempt: throttling them would make the
// failsafe kill playback, which is exactly the wrong failure mode. Exempt
// paths are matched against the one canonical form the router delivers,
// before any limiter state is touched.
type Gate struct {
	exempt map[string]struct{}
	limit  rate.Limit
	burst  int

	// one limiter per caller key, dropped after an idle hour so the map
	// doesn't grow with every user ever seen
	limiters *ttlcache.Cache[string, *rate.Limiter]

	throttled *prometheus.CounterVec
}

// New builds a Gate allowing perMinute requests (bursting to burst) per
// caller on every path not listed in exemptPaths.
func New(perMinute, burst int, exemptPaths ...string) *Gate {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = struct{}{}
	}
	g := &Gate{
		exempt: exempt,
		limit:  rate.Limit(float64(perMinute) / 60.0),
		burst:  burst,
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Hour),
		),
	}
	go g.limiters.Start()
	return g
}

// WithPrometheus registers a throttled-requests counter. Call at most once.
func (g *Gate) WithPrometheus() *Gate {
	g.throttled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlock",
		Subsystem: "rategate",
		Name:      "throttled_total",
		Help:      "Number of requests refused with 429",
	}, []string{"path"})
	prometheus.MustRegister(g.throttled)
	return g
}

func (g *Gate) Teardown() {
	g.limiters.Stop()
	if g.throttled != nil {
		prometheus.Unregister(g.throttled)
	}
}

// IsExempt reports whether a request path bypasses the limiter entirely.
// The argument must be the path exactly as the router delivers it.
func (g *Gate) IsExempt(path string) bool {
	_, ok := g.exempt[path]
	return ok
}

// Allow runs the limiter for one request and reports whether it may
// proceed. Exposed separately from the middleware for tests.
func (g *Gate) Allow(path, key string) bool {
	if g.IsExempt(path) {
		return true
	}
	item, _ := g.limiters.GetOrSet(key, rate.NewLimiter(g.limit, g.burst))
	return item.Value().Allow()
}

// callerKey identifies who is being limited: the authenticated user where
// the client supplies it, else the remote host.
func callerKey(req *http.Request) string {
	if u := req.Header.Get("X-Playlock-User"); u != "" {
		return "u:" + u
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return "h:" + req.RemoteAddr
	}
	return "h:" + host
}

// Middleware enforces the gate, answering 429 for throttled requests.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if g.Allow(req.URL.Path, callerKey(req)) {
			next.ServeHTTP(w, req)
			return
		}
		if g.throttled != nil {
			g.throttled.WithLabelValues(req.URL.Path).Inc()
		}
		logger.Warn().Str("path", req.URL.Path).Msg("throttling caller")
		herr := &internal.HandlerError{
			StatusCode: http.StatusTooManyRequests,
			Err:        rateLimitedError{},
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
	})
}

type rateLimitedError struct{}

func (rateLimitedError) Error() string {
	return "too many requests, slow down"
}
