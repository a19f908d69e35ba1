package pubsub

import (
	"sync"
	"testing"
	"time"
)

type accountingRecorder struct {
	mu     sync.Mutex
	opened []*SessionOpened
	closed []*SessionClosed
}

func (r *accountingRecorder) OnSessionOpened(p *SessionOpened) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, p)
}

func (r *accountingRecorder) OnSessionClosed(p *SessionClosed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, p)
}

func TestAccountingSubDispatchesByType(t *testing.T) {
	bus := NewPubSub(10)
	recorder := &accountingRecorder{}
	sub := NewAccountingSub(bus, recorder)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sub.Listen(); err != nil {
			t.Errorf("Listen returned error: %s", err)
		}
	}()

	err := bus.Notify(ChanAccounting, &SessionOpened{
		SessionID:   "s1",
		UserID:      "u1",
		DeviceClass: "desktop",
	})
	if err != nil {
		t.Fatalf("Notify: %s", err)
	}
	err = bus.Notify(ChanAccounting, &SessionClosed{
		SessionID:       "s1",
		UserID:          "u1",
		Reason:          "natural",
		DurationSeconds: 42,
	})
	if err != nil {
		t.Fatalf("Notify: %s", err)
	}

	// the listener runs on its own goroutine; wait for it to drain
	deadline := time.Now().Add(time.Second)
	for {
		recorder.mu.Lock()
		got := len(recorder.opened) + len(recorder.closed)
		recorder.mu.Unlock()
		if got == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for payloads, got %d", got)
		}
		time.Sleep(time.Millisecond)
	}
	sub.Teardown()
	<-done

	if recorder.opened[0].SessionID != "s1" || recorder.opened[0].DeviceClass != "desktop" {
		t.Errorf("unexpected SessionOpened payload: %+v", recorder.opened[0])
	}
	if recorder.closed[0].Reason != "natural" || recorder.closed[0].DurationSeconds != 42 {
		t.Errorf("unexpected SessionClosed payload: %+v", recorder.closed[0])
	}
}
