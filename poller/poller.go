package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// State is the agent's playback permission.
type State int

const (
	// StateIdle: no session, not playing.
	StateIdle State = iota
	// StatePlaying: we own the session and may render media.
	StatePlaying
	// StateBlocked: another device owns playback; play is refused until
	// the user presses play again (which re-runs the start handshake).
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StateBlocked:
		return "blocked"
	}
	return "idle"
}

// Hooks are the embedding player's callbacks. Both are invoked from the
// poller's goroutines and must not block.
type Hooks struct {
	// StopPlayback tells the player to pause immediately. reason is
	// human-readable ("preempted by desktop", "coordinator unreachable").
	StopPlayback func(reason string)
	// Notice surfaces a non-fatal message ("desktop session lapsed").
	Notice func(msg string)
}

type Config struct {
	Client      Client
	DeviceClass internal.DeviceClass
	// PollInterval is the status-check cadence while playing. Default 5s.
	PollInterval time.Duration
	// BeatInterval only applies to desktop agents. Default 15s.
	BeatInterval time.Duration
	Hooks        Hooks
}

const statusCacheKey = "status"

// Poller drives the playback session lifecycle for one device: the start
// handshake, the while-playing status poll, and (desktop only) the
// heartbeat. It never ends a session in reaction to a conflict; the
// winner's registry write already closed ours.
type Poller struct {
	cfg Config

	mu        sync.Mutex
	st        State
	sessionID string
	snapshot  []byte // latest local resume snapshot, rides on the next beat
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// statusCache collapses simultaneous UI status queries into one
	// network call. TTL is half the poll interval so a cached answer is
	// never staler than the poll loop itself.
	statusCache *ttlcache.Cache[string, StatusResult]
}

func New(cfg Config) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BeatInterval == 0 {
		cfg.BeatInterval = state.BeatInterval
	}
	return &Poller{
		cfg: cfg,
		statusCache: ttlcache.New[string, StatusResult](
			ttlcache.WithTTL[string, StatusResult](cfg.PollInterval/2),
			ttlcache.WithDisableTouchOnHit[string, StatusResult](),
		),
	}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

func (p *Poller) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// UpdateSnapshot stores the player's current resume state. Desktop agents
// piggyback it on the next heartbeat.
func (p *Poller) UpdateSnapshot(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = b
}

// Play runs the start handshake. On admission it transitions to
// StatePlaying, starts the poll (and, for desktop, heartbeat) loops, and
// returns any resume snapshot from the previous session. A *ConflictError
// return means playback is refused and the poller is StateBlocked; pressing
// play again simply calls Play again.
func (p *Poller) Play(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if p.st == StatePlaying {
		p.mu.Unlock()
		return nil, fmt.Errorf("already playing session %s", p.sessionID)
	}
	snapshot := p.snapshot
	p.mu.Unlock()

	res, err := p.cfg.Client.StartSession(ctx, snapshot)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			p.mu.Lock()
			p.st = StateBlocked
			p.mu.Unlock()
			if p.cfg.Hooks.Notice != nil {
				p.cfg.Hooks.Notice(fmt.Sprintf("playback active on your %s", conflict.OwnerClass))
			}
			return nil, err
		}
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.st = StatePlaying
	p.sessionID = res.SessionID
	p.cancel = cancel
	p.mu.Unlock()
	p.statusCache.Delete(statusCacheKey)

	p.wg.Add(1)
	go p.pollLoop(loopCtx)
	if p.cfg.DeviceClass == internal.DeviceClassDesktop {
		p.wg.Add(1)
		go p.beatLoop(loopCtx)
	}
	logger.Info().Str("session", res.SessionID).Msg("playback admitted")
	return res.ResumeSnapshot, nil
}

// Stop ends playback gracefully: close the session, and for desktop also
// retire the liveness record so a web device need not wait out the TTL.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	sessionID := p.sessionID
	wasPlaying := p.st == StatePlaying
	p.st = StateIdle
	p.sessionID = ""
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	if !wasPlaying {
		return nil
	}
	if err := p.cfg.Client.EndSession(ctx, sessionID, state.ReasonNatural); err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	if p.cfg.DeviceClass == internal.DeviceClassDesktop {
		if err := p.cfg.Client.Heartbeat(ctx, nil, true); err != nil {
			// the TTL cleans this up anyway
			logger.Warn().Err(err).Msg("goodbye beat failed")
		}
	}
	return nil
}

// Status answers "may I play / who owns playback" for the UI, hitting the
// cache first so that several components asking at once cost one call.
func (p *Poller) Status(ctx context.Context) (*StatusResult, error) {
	if item := p.statusCache.Get(statusCacheKey); item != nil {
		res := item.Value()
		return &res, nil
	}
	res, err := p.cfg.Client.StatusCheck(ctx)
	if err != nil {
		return nil, err
	}
	p.statusCache.Set(statusCacheKey, *res, ttlcache.DefaultTTL)
	return res, nil
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := p.Status(ctx)
		if err != nil {
			if errors.Is(err, ErrUnreachable) {
				// cut off from the coordinator: we cannot prove we still
				// own the session, so stop rather than risk double play
				p.block("coordinator unreachable")
				return
			}
			if ctx.Err() != nil {
				return
			}
			// transient: fail open, keep playing, retry next tick
			logger.Warn().Err(err).Msg("status poll failed, continuing playback")
			continue
		}
		if res.HasConflict {
			p.block(fmt.Sprintf("playback taken over by %s", res.OwnerClass))
			return
		}
	}
}

// block stops playback without ending the session: on preemption the
// registry row is already closed by the winner, and when unreachable we
// couldn't reach the coordinator to end it anyway.
func (p *Poller) block(reason string) {
	p.mu.Lock()
	p.st = StateBlocked
	p.sessionID = ""
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	logger.Info().Str("reason", reason).Msg("playback blocked")
	if p.cfg.Hooks.StopPlayback != nil {
		p.cfg.Hooks.StopPlayback(reason)
	}
	if cancel != nil {
		cancel()
	}
}

func (p *Poller) beatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		snapshot := p.snapshot
		p.mu.Unlock()
		if err := p.cfg.Client.Heartbeat(ctx, snapshot, false); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("heartbeat failed")
		}
	}
}
