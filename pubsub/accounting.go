package pubsub

import (
	"os"

	"github.com/mediaforge/playlock/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// The channel session lifecycle payloads are published on. The watch-time /
// ad-accounting collaborator subscribes to this channel; the coordinator
// never computes minutes or rewards itself.
const ChanAccounting = "accounting"

// SessionOpened fires when the registry opens a playback session.
type SessionOpened struct {
	SessionID   string
	UserID      string
	DeviceClass internal.DeviceClass
}

func (*SessionOpened) Type() string { return "SessionOpened" }

// SessionClosed fires when a session leaves the open state for any reason
// (natural, preempted, abandoned).
type SessionClosed struct {
	SessionID       string
	UserID          string
	Reason          string
	DurationSeconds float64
}

func (*SessionClosed) Type() string { return "SessionClosed" }

// AccountingReceiver is implemented by anything wanting session lifecycle
// events: the accounting integration, the AMQP bridge, tests.
type AccountingReceiver interface {
	OnSessionOpened(p *SessionOpened)
	OnSessionClosed(p *SessionClosed)
}

// AccountingSub glues a Listener to an AccountingReceiver, dispatching
// payloads by type.
type AccountingSub struct {
	listener Listener
	receiver AccountingReceiver
}

func NewAccountingSub(l Listener, recv AccountingReceiver) *AccountingSub {
	return &AccountingSub{
		listener: l,
		receiver: recv,
	}
}

func (s *AccountingSub) onMessage(p Payload) {
	switch pl := p.(type) {
	case *SessionOpened:
		s.receiver.OnSessionOpened(pl)
	case *SessionClosed:
		s.receiver.OnSessionClosed(pl)
	default:
		logger.Warn().Str("type", p.Type()).Msg("AccountingSub: unhandled payload type")
	}
}

// Listen blocks, processing payloads, until Teardown is called.
func (s *AccountingSub) Listen() error {
	return s.listener.Listen(ChanAccounting, s.onMessage)
}

func (s *AccountingSub) Teardown() {
	_ = s.listener.Close()
}
