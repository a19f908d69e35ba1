package coordinator

import (
	"testing"
	"time"

	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/state"
)

func openSession(class internal.DeviceClass) *state.SessionRow {
	return &state.SessionRow{
		SessionID:   "s-" + string(class),
		UserID:      "@u1",
		DeviceClass: class,
		StartedAt:   time.Now(),
	}
}

func TestResolve(t *testing.T) {
	desktop := internal.DeviceClassDesktop
	web := internal.DeviceClassWeb
	testCases := []struct {
		name       string
		open       *state.SessionRow
		ownerLive  bool
		requesting internal.DeviceClass
		want       Decision
	}{
		{
			name:       "no open session admits desktop",
			open:       nil,
			requesting: desktop,
			want:       DecisionAdmit,
		},
		{
			name:       "no open session admits web",
			open:       nil,
			requesting: web,
			want:       DecisionAdmit,
		},
		{
			name:       "live desktop rejects web",
			open:       openSession(desktop),
			ownerLive:  true,
			requesting: web,
			want:       DecisionReject,
		},
		{
			name:       "lapsed desktop admits web",
			open:       openSession(desktop),
			ownerLive:  false,
			requesting: web,
			want:       DecisionAdmit,
		},
		{
			name:       "desktop preempts live web",
			open:       openSession(web),
			requesting: desktop,
			want:       DecisionAdmit,
		},
		{
			name:       "desktop replaces its own class even while live",
			open:       openSession(desktop),
			ownerLive:  true,
			requesting: desktop,
			want:       DecisionAdmit,
		},
		{
			name:       "web replaces its own class",
			open:       openSession(web),
			requesting: web,
			want:       DecisionAdmit,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.open, tc.ownerLive, tc.requesting)
			if got != tc.want {
				t.Errorf("Resolve(%v, live=%v, %s) = %s, want %s", tc.open, tc.ownerLive, tc.requesting, got, tc.want)
			}
		})
	}
}

func TestHasConflict(t *testing.T) {
	desktop := internal.DeviceClassDesktop
	web := internal.DeviceClassWeb
	testCases := []struct {
		name       string
		open       *state.SessionRow
		ownerLive  bool
		requesting internal.DeviceClass
		want       bool
	}{
		{
			name:       "no session, no conflict",
			open:       nil,
			requesting: web,
			want:       false,
		},
		{
			name:       "own class is never a conflict",
			open:       openSession(web),
			requesting: web,
			want:       false,
		},
		{
			name:       "live desktop blocks web",
			open:       openSession(desktop),
			ownerLive:  true,
			requesting: web,
			want:       true,
		},
		{
			name:       "lapsed desktop blocks nobody",
			open:       openSession(desktop),
			ownerLive:  false,
			requesting: web,
			want:       false,
		},
		{
			name:       "open web conflicts a preempted desktop context",
			open:       openSession(web),
			requesting: desktop,
			want:       true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := HasConflict(tc.open, tc.ownerLive, tc.requesting)
			if got != tc.want {
				t.Errorf("HasConflict(%v, live=%v, %s) = %v, want %v", tc.open, tc.ownerLive, tc.requesting, got, tc.want)
			}
		})
	}
}
