package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentry HTTP integration attaches a hub to request contexts. Background
// goroutines (sweepers, hook dispatch) have no such hub, hence the fallback.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry is a defer-able which recovers a panic, ships it to
// sentry and then re-raises it. Use at the top of long-lived goroutines so
// that sweeper or listener crashes are visible before the process dies.
func ReportPanicsToSentry() {
	err := recover()
	if err != nil {
		sentry.CurrentHub().Recover(err)
		sentry.Flush(time.Second * 5)
		panic(err)
	}
}
