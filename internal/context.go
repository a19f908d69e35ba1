package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "playlock_data"
)

// logging metadata for a single coordinator request
type data struct {
	userID      string
	deviceClass DeviceClass
	sessionID   string
	decision    string
}

// RequestContext prepares a request context so it can carry coordinator
// metadata for access-log decoration.
func RequestContext(c context.Context) context.Context {
	d := &data{}
	return context.WithValue(c, ctxData, d)
}

// SetRequestContextUserID attaches the resolved user to this request
// context. Needs RequestContext to have been called first.
func SetRequestContextUserID(c context.Context, userID string) {
	d := c.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

// SetRequestContextSession records the device class, session id and
// resolver decision for this request, where known.
func SetRequestContextSession(c context.Context, deviceClass DeviceClass, sessionID, decision string) {
	d := c.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.deviceClass = deviceClass
	da.sessionID = sessionID
	da.decision = decision
}

// DecorateLogger adds the request-scoped coordinator fields to a log event.
func DecorateLogger(c context.Context, l *zerolog.Event) *zerolog.Event {
	d := c.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.deviceClass != "" {
		l = l.Str("dc", string(da.deviceClass))
	}
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.decision != "" {
		l = l.Str("d", da.decision)
	}
	return l
}
