package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/state"
)

// mockClient scripts coordinator behaviour per call site and counts calls.
type mockClient struct {
	mu           sync.Mutex
	startErr     error
	statusResult StatusResult
	statusErr    error
	startCalls   int
	statusCalls  int
	beatCalls    int
	goodbyeCalls int
	endCalls     []string
}

func (m *mockClient) StartSession(ctx context.Context, snapshot []byte) (*StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &StartResult{SessionID: fmt.Sprintf("sess-%d", m.startCalls)}, nil
}

func (m *mockClient) EndSession(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endCalls = append(m.endCalls, sessionID+"/"+reason)
	return nil
}

func (m *mockClient) Heartbeat(ctx context.Context, snapshot []byte, goodbye bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if goodbye {
		m.goodbyeCalls++
	} else {
		m.beatCalls++
	}
	return nil
}

func (m *mockClient) StatusCheck(ctx context.Context) (*StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	res := m.statusResult
	return &res, nil
}

func (m *mockClient) setStatus(res StatusResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusResult = res
	m.statusErr = err
}

func (m *mockClient) snapshotInts() (start, status, beat, goodbye, end int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls, m.statusCalls, m.beatCalls, m.goodbyeCalls, len(m.endCalls)
}

type hookRecorder struct {
	mu      sync.Mutex
	stopped []string
	notices []string
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		StopPlayback: func(reason string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stopped = append(h.stopped, reason)
		},
		Notice: func(msg string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notices = append(h.notices, msg)
		},
	}
}

func (h *hookRecorder) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stopped)
}

func newTestPoller(client Client, class internal.DeviceClass, hooks Hooks) *Poller {
	return New(Config{
		Client:       client,
		DeviceClass:  class,
		PollInterval: 10 * time.Millisecond,
		BeatInterval: 10 * time.Millisecond,
		Hooks:        hooks,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPollerConflictOnStartBlocksPlay(t *testing.T) {
	client := &mockClient{
		startErr: &ConflictError{OwnerClass: internal.DeviceClassDesktop},
	}
	rec := &hookRecorder{}
	p := newTestPoller(client, internal.DeviceClassWeb, rec.hooks())

	_, err := p.Play(context.Background())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Play: got %v, want ConflictError", err)
	}
	if conflict.OwnerClass != internal.DeviceClassDesktop {
		t.Errorf("owner class: got %s want desktop", conflict.OwnerClass)
	}
	if got := p.State(); got != StateBlocked {
		t.Errorf("state after refused start: got %s want blocked", got)
	}
	// refused play must not close anyone's session
	if _, _, _, _, ends := client.snapshotInts(); ends != 0 {
		t.Errorf("refused start triggered %d EndSession calls", ends)
	}
}

func TestPollerStopsPlaybackOnConflict(t *testing.T) {
	client := &mockClient{}
	rec := &hookRecorder{}
	p := newTestPoller(client, internal.DeviceClassWeb, rec.hooks())

	if _, err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %s", err)
	}
	if got := p.State(); got != StatePlaying {
		t.Fatalf("state: got %s want playing", got)
	}

	// a desktop takes over
	client.setStatus(StatusResult{HasConflict: true, OwnerClass: internal.DeviceClassDesktop}, nil)
	waitFor(t, "StopPlayback hook", func() bool { return rec.stopCount() > 0 })

	if got := p.State(); got != StateBlocked {
		t.Errorf("state after takeover: got %s want blocked", got)
	}
	// the winner's registry write closed our row; ending it ourselves
	// would race the winner's new session
	if _, _, _, _, ends := client.snapshotInts(); ends != 0 {
		t.Errorf("conflict triggered %d EndSession calls, want 0", ends)
	}
	if rec.stopCount() != 1 {
		t.Errorf("StopPlayback called %d times, want 1", rec.stopCount())
	}
}

func TestPollerFailsOpenOnTransientErrors(t *testing.T) {
	client := &mockClient{}
	rec := &hookRecorder{}
	p := newTestPoller(client, internal.DeviceClassWeb, rec.hooks())

	if _, err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %s", err)
	}
	client.setStatus(StatusResult{}, fmt.Errorf("%w: HTTP 503", ErrTransient))

	// several poll ticks worth of failures
	waitFor(t, "polls to accumulate", func() bool {
		_, status, _, _, _ := client.snapshotInts()
		return status >= 3
	})
	if got := p.State(); got != StatePlaying {
		t.Errorf("state during transient outage: got %s want playing", got)
	}
	if rec.stopCount() != 0 {
		t.Errorf("StopPlayback called %d times during transient outage, want 0", rec.stopCount())
	}
	p.Stop(context.Background())
}

func TestPollerFailsClosedWhenUnreachable(t *testing.T) {
	client := &mockClient{}
	rec := &hookRecorder{}
	p := newTestPoller(client, internal.DeviceClassWeb, rec.hooks())

	if _, err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %s", err)
	}
	client.setStatus(StatusResult{}, fmt.Errorf("%w: connection refused", ErrUnreachable))

	waitFor(t, "StopPlayback hook", func() bool { return rec.stopCount() > 0 })
	if got := p.State(); got != StateBlocked {
		t.Errorf("state when unreachable: got %s want blocked", got)
	}
	// can't reach the coordinator, so no end-session attempt either
	if _, _, _, _, ends := client.snapshotInts(); ends != 0 {
		t.Errorf("unreachable outage triggered %d EndSession calls", ends)
	}
}

func TestPollerStatusCacheCollapsesCallers(t *testing.T) {
	client := &mockClient{}
	// long poll interval so the background loop stays quiet
	p := New(Config{
		Client:       client,
		DeviceClass:  internal.DeviceClassWeb,
		PollInterval: time.Hour,
	})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := p.Status(ctx); err != nil {
			t.Fatalf("Status %d: %s", i, err)
		}
	}
	if _, status, _, _, _ := client.snapshotInts(); status != 1 {
		t.Errorf("10 concurrent-ish status queries made %d network calls, want 1", status)
	}
}

func TestPollerDesktopHeartbeats(t *testing.T) {
	client := &mockClient{}
	p := newTestPoller(client, internal.DeviceClassDesktop, Hooks{})

	if _, err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %s", err)
	}
	waitFor(t, "heartbeats", func() bool {
		_, _, beats, _, _ := client.snapshotInts()
		return beats >= 2
	})
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %s", err)
	}
	// graceful stop ends the session and retires the liveness record
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.endCalls) != 1 || client.endCalls[0] != "sess-1/"+state.ReasonNatural {
		t.Errorf("end calls: got %v", client.endCalls)
	}
	if client.goodbyeCalls != 1 {
		t.Errorf("goodbye beats: got %d want 1", client.goodbyeCalls)
	}
}

func TestPollerWebNeverHeartbeats(t *testing.T) {
	client := &mockClient{}
	p := newTestPoller(client, internal.DeviceClassWeb, Hooks{})

	if _, err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play: %s", err)
	}
	// give the (nonexistent) beat loop several intervals to misbehave
	time.Sleep(50 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %s", err)
	}
	_, _, beats, goodbyes, _ := client.snapshotInts()
	if beats != 0 || goodbyes != 0 {
		t.Errorf("web agent sent %d beats and %d goodbyes, want none", beats, goodbyes)
	}
}
