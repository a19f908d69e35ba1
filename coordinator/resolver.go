package coordinator

import (
	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/state"
)

// Decision is the resolver's verdict on an incoming start-session request.
type Decision int

const (
	// DecisionAdmit lets the requester open a session; any existing open
	// session for the user is preempted by the registry.
	DecisionAdmit Decision = iota
	// DecisionReject refuses the requester; the existing session keeps
	// playing and no session id is issued.
	DecisionReject
)

func (d Decision) String() string {
	if d == DecisionAdmit {
		return "admit"
	}
	return "reject"
}

// Resolve is the pure conflict-resolution function. Given the user's open
// session (nil if none), whether that session's backing device is live, and
// the class of the incoming request, it decides whether the requester may
// take over playback.
//
// The precedence rule: desktop wins while alive; web may reclaim once the
// desktop's heartbeat lapses. Desktop unconditionally preempts a live web
// session because web sessions are ephemeral per-tab - losing one only
// costs the user a press of play. ownerLive is only meaningful when the
// open session is desktop-class; web sessions have no heartbeat and their
// liveness is inferred from the registry row alone.
func Resolve(open *state.SessionRow, ownerLive bool, requesting internal.DeviceClass) Decision {
	if open == nil {
		return DecisionAdmit
	}
	if open.DeviceClass == requesting {
		// reconnect/replace: a reloaded tab or restarted app takes over
		// its own class's session
		return DecisionAdmit
	}
	if open.DeviceClass == internal.DeviceClassDesktop {
		if ownerLive {
			return DecisionReject
		}
		// desktop crashed without signalling; let web reclaim
		return DecisionAdmit
	}
	// open session is web, requester is desktop
	return DecisionAdmit
}

// HasConflict is the status-check counterpart of Resolve: would this class
// be refused playback right now? Used by already-playing clients to decide
// whether to self-pause, so it must agree with Resolve on the precedence
// rule while mutating nothing.
func HasConflict(open *state.SessionRow, ownerLive bool, requesting internal.DeviceClass) bool {
	if open == nil || open.DeviceClass == requesting {
		return false
	}
	if open.DeviceClass == internal.DeviceClassDesktop && !ownerLive {
		// lapsed desktop does not block anyone
		return false
	}
	return true
}
