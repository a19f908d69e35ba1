package playlock

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mediaforge/playlock/coordinator"
	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/pubsub"
	"github.com/mediaforge/playlock/rategate"
	"github.com/mediaforge/playlock/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

type Opts struct {
	AdminToken string

	// Redis liveness store; empty means the Postgres table is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AMQP accounting bridge; empty disables it.
	AMQPURL      string
	AMQPExchange string

	SentryDSN string
	OTLPURL   string

	EnablePrometheus bool

	SweepInterval time.Duration
	AbandonAfter  time.Duration

	// Rate gate; zero values fall back to 30/min with a burst of 15.
	RatePerMinute int
	RateBurst     int
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-Playlock-User")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Setup assembles the coordinator: storage, liveness, accounting fan-out,
// the HTTP surface and its middleware chain. The returned handler is the
// coordinator core (exposed so callers can run sweeps or teardown); the
// http.Handler is what should be served.
func Setup(postgresURI string, opts Opts) (*coordinator.Handler, http.Handler) {
	if opts.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: "playlock@" + Version,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}
	if opts.OTLPURL != "" {
		_, err := internal.ConfigureOTLP(context.Background(), opts.OTLPURL, Version)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP exporter")
		}
	}

	storage := state.NewStorage(postgresURI)
	var liveness state.LivenessStore = storage.LivenessTable
	if opts.RedisAddr != "" {
		redisLiveness, err := state.NewRedisLivenessStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", opts.RedisAddr).Msg("failed to connect to redis")
		}
		liveness = redisLiveness
		logger.Info().Str("addr", opts.RedisAddr).Msg("liveness store: redis")
	}

	bus := pubsub.NewPubSub(128)
	var notifier pubsub.Notifier = bus
	if opts.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(bus, "coordinator")
	}
	h := coordinator.NewHandler(storage.SessionsTable, liveness, notifier, opts.EnablePrometheus)
	h.AdminToken = opts.AdminToken
	if opts.SweepInterval > 0 {
		h.SweepInterval = opts.SweepInterval
	}
	if opts.AbandonAfter > 0 {
		h.AbandonAfter = opts.AbandonAfter
	}

	if opts.AMQPURL != "" {
		amqpNotifier, err := pubsub.NewAMQPNotifier(opts.AMQPURL, opts.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to AMQP broker")
		}
		bridge := pubsub.NewAccountingSub(bus, pubsub.NewAMQPBridge(amqpNotifier))
		go func() {
			defer internal.ReportPanicsToSentry()
			if err := bridge.Listen(); err != nil {
				logger.Err(err).Msg("AMQP accounting bridge stopped")
			}
		}()
		logger.Info().Str("exchange", opts.AMQPExchange).Msg("accounting events bridged to AMQP")
	}

	go func() {
		defer internal.ReportPanicsToSentry()
		h.SweepLoop(context.Background())
	}()

	r := mux.NewRouter()
	h.Register(r)
	if opts.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}

	perMinute, burst := opts.RatePerMinute, opts.RateBurst
	if perMinute == 0 {
		perMinute = 30
	}
	if burst == 0 {
		burst = 15
	}
	gate := rategate.New(perMinute, burst, coordinator.PathHeartbeat, coordinator.PathStatus)
	if opts.EnablePrometheus {
		gate = gate.WithPrometheus()
	}

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
				})
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				entry := hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path)
				internal.DecorateLogger(r.Context(), entry).Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			gate.Middleware,
			allowCORSMiddleware,
		},
		final: r,
	}

	var root http.Handler = srv
	if opts.SentryDSN != "" {
		root = sentryhttp.New(sentryhttp.Options{}).Handle(root)
	}
	if opts.OTLPURL != "" {
		root = otelhttp.NewHandler(root, "playlock")
	}
	return h, root
}

func allowCORSMiddleware(next http.Handler) http.Handler {
	return allowCORS(next)
}

// RunPlaylockServer blocks, serving the coordinator on bindAddr until
// SIGINT/SIGTERM, then drains in-flight requests.
func RunPlaylockServer(h http.Handler, bindAddr string) {
	srv := &http.Server{
		Addr:    bindAddr,
		Handler: h,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Err(err).Msg("shutdown did not drain cleanly")
		}
	}()
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
	<-done
	sentry.Flush(2 * time.Second)
}
