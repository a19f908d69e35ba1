package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	playlock "github.com/mediaforge/playlock"
	_ "github.com/mediaforge/playlock/state/migrations"
)

var GitCommit string

const version = "0.2.1"

var (
	flagBindAddr    = flag.String("port", ":8009", "Bind address")
	flagPostgres    = flag.String("db", "user=postgres dbname=playlock sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagRedis       = flag.String("redis", "", "Redis address for the liveness store; empty uses Postgres")
	flagAMQP        = flag.String("amqp", "", "AMQP URL to bridge accounting events to; empty disables")
	flagExchange    = flag.String("amqp-exchange", "playlock.accounting", "AMQP exchange for accounting events")
	flagMigrate     = flag.Bool("migrate", true, "Run pending schema migrations before serving")
	flagSweepSecs   = flag.Int("sweep-interval-secs", 60, "Seconds between abandoned-session sweeps")
	flagAbandonMins = flag.Int("abandon-after-mins", 120, "Minutes a session may sit unattended before the sweep closes it")
)

// env takes precedence over flag defaults but not over explicit flags;
// container deployments set PLAYLOCK_* and never pass flags.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	fmt.Printf("playlock %s (%s)\n", version, GitCommit)
	flag.Parse()
	playlock.Version = fmt.Sprintf("%s (%s)", version, GitCommit)

	postgresURI := envOr("PLAYLOCK_DB", *flagPostgres)
	opts := playlock.Opts{
		AdminToken:       os.Getenv("PLAYLOCK_ADMIN_TOKEN"),
		RedisAddr:        envOr("PLAYLOCK_REDIS", *flagRedis),
		RedisPassword:    os.Getenv("PLAYLOCK_REDIS_PASSWORD"),
		AMQPURL:          envOr("PLAYLOCK_AMQP_URL", *flagAMQP),
		AMQPExchange:     *flagExchange,
		SentryDSN:        os.Getenv("PLAYLOCK_SENTRY_DSN"),
		OTLPURL:          os.Getenv("PLAYLOCK_OTLP_URL"),
		EnablePrometheus: os.Getenv("PLAYLOCK_PROM_DISABLED") == "",
		SweepInterval:    time.Duration(*flagSweepSecs) * time.Second,
		AbandonAfter:     time.Duration(*flagAbandonMins) * time.Minute,
	}

	if *flagMigrate {
		migrate(postgresURI)
	}
	h, root := playlock.Setup(postgresURI, opts)
	defer h.Teardown()
	playlock.RunPlaylockServer(root, envOr("PLAYLOCK_BINDADDR", *flagBindAddr))
}

// migrate applies the Go migrations registered by the state/migrations
// package, then closes its connection; the server opens its own pool.
func migrate(postgresURI string) {
	db, err := sql.Open("postgres", postgresURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open postgres for migrations: %s\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		fmt.Fprintf(os.Stderr, "goose: %s\n", err)
		os.Exit(1)
	}
	if err := goose.Up(db, "."); err != nil {
		fmt.Fprintf(os.Stderr, "failed to apply migrations: %s\n", err)
		os.Exit(1)
	}
}
