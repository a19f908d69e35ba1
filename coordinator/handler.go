package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/pubsub"
	"github.com/mediaforge/playlock/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Route paths as the transport delivers them. The rate gate's exemption
// list is built from these same constants so the classifier and the router
// can never disagree on what "the path" means.
const (
	PathStartSession = "/_playlock/v1/session/start"
	PathEndSession   = "/_playlock/v1/session/end"
	PathHeartbeat    = "/_playlock/v1/heartbeat"
	PathStatus       = "/_playlock/v1/status"
	PathCleanup      = "/_playlock/v1/cleanup"
)

// Defaults for the abandonment sweep. A dead session can block its user for
// at most AbandonAfter; the sweep runs every SweepInterval.
const (
	DefaultAbandonAfter  = 2 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Handler is the network-facing coordinator surface. It owns all writes to
// the session registry and the liveness store, making it the single seam
// for per-user serialisation and for the accounting event hooks.
type Handler struct {
	Sessions *state.SessionsTable
	Liveness state.LivenessStore

	// AdminToken guards force-cleanup when non-empty.
	AdminToken    string
	AbandonAfter  time.Duration
	SweepInterval time.Duration

	notifier pubsub.Notifier
	// accounting hooks run here so a slow subscriber never blocks a
	// request handler
	hooks *internal.WorkerPool
	now   func() time.Time

	sessionsOpened *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	numHeartbeats  prometheus.Counter
}

func NewHandler(sessions *state.SessionsTable, liveness state.LivenessStore, notifier pubsub.Notifier, enablePrometheus bool) *Handler {
	h := &Handler{
		Sessions:      sessions,
		Liveness:      liveness,
		AbandonAfter:  DefaultAbandonAfter,
		SweepInterval: DefaultSweepInterval,
		notifier:      notifier,
		hooks:         internal.NewWorkerPool(8),
		now:           time.Now,
	}
	h.hooks.Start()
	if enablePrometheus {
		h.addPrometheusMetrics()
	}
	return h
}

func (h *Handler) addPrometheusMetrics() {
	h.sessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlock",
		Subsystem: "coordinator",
		Name:      "sessions_opened_total",
		Help:      "Number of playback sessions opened",
	}, []string{"device_class"})
	h.sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlock",
		Subsystem: "coordinator",
		Name:      "sessions_closed_total",
		Help:      "Number of playback sessions closed",
	}, []string{"reason"})
	h.conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlock",
		Subsystem: "coordinator",
		Name:      "conflicts_total",
		Help:      "Number of start-session requests rejected due to an active session elsewhere",
	}, []string{"requester_class"})
	h.numHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playlock",
		Subsystem: "coordinator",
		Name:      "heartbeats_total",
		Help:      "Number of device heartbeats received",
	})
	prometheus.MustRegister(h.sessionsOpened, h.sessionsClosed, h.conflicts, h.numHeartbeats)
}

func (h *Handler) Teardown() {
	h.hooks.Stop()
	if h.sessionsOpened != nil {
		prometheus.Unregister(h.sessionsOpened)
		prometheus.Unregister(h.sessionsClosed)
		prometheus.Unregister(h.conflicts)
		prometheus.Unregister(h.numHeartbeats)
	}
}

// conflictError is the expected business outcome of a start-session losing
// to an active session elsewhere. It is not an infrastructure failure and
// is rendered as 409 with the owner's class, never as a HandlerError.
type conflictError struct {
	Owner internal.DeviceClass
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("session owned by %s", e.Owner)
}

type startSessionRequest struct {
	UserID      string `json:"user_id"`
	DeviceClass string `json:"device_class"`
	DeviceToken string `json:"device_token,omitempty"`
	Snapshot    []byte `json:"snapshot,omitempty"`
}

type startSessionResponse struct {
	SessionID      string `json:"session_id"`
	ResumeSnapshot []byte `json:"resume_snapshot,omitempty"`
}

type conflictResponse struct {
	OwnerClass string `json:"owner_class"`
}

type endSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type heartbeatRequest struct {
	DeviceToken string `json:"device_token"`
	Snapshot    []byte `json:"snapshot,omitempty"`
	// Goodbye deletes the liveness record instead of refreshing it; sent
	// by desktop clients on graceful shutdown.
	Goodbye bool `json:"goodbye,omitempty"`
}

type statusResponse struct {
	HasConflict bool    `json:"has_conflict"`
	OwnerClass  *string `json:"owner_class"`
}

type cleanupRequest struct {
	UserID string `json:"user_id"`
}

type cleanupResponse struct {
	Closed int `json:"closed"`
}

// Register mounts the coordinator routes. Heartbeat and status must stay on
// exactly these paths: the rate gate exempts them by the path form the
// router delivers.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc(PathStartSession, h.StartSession).Methods("POST")
	r.HandleFunc(PathEndSession, h.EndSession).Methods("POST")
	r.HandleFunc(PathHeartbeat, h.Heartbeat).Methods("POST")
	r.HandleFunc(PathStatus, h.StatusCheck).Methods("GET")
	r.HandleFunc(PathCleanup, h.ForceCleanup).Methods("POST")
}

func (h *Handler) StartSession(w http.ResponseWriter, req *http.Request) {
	h.serve(w, req, h.startSession)
}

func (h *Handler) EndSession(w http.ResponseWriter, req *http.Request) {
	h.serve(w, req, h.endSession)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, req *http.Request) {
	h.serve(w, req, h.heartbeat)
}

func (h *Handler) StatusCheck(w http.ResponseWriter, req *http.Request) {
	h.serve(w, req, h.statusCheck)
}

func (h *Handler) ForceCleanup(w http.ResponseWriter, req *http.Request) {
	h.serve(w, req, h.forceCleanup)
}

// serve funnels every endpoint through one response writer so that the
// error taxonomy is applied uniformly: 409 for business conflicts, the
// HandlerError's own code for client misuse, 500 (+ sentry) for anything
// else.
func (h *Handler) serve(w http.ResponseWriter, req *http.Request, fn func(req *http.Request) (interface{}, error)) {
	res, err := fn(req)
	w.Header().Set("Content-Type", "application/json")
	if err == nil {
		if res == nil {
			res = struct{}{}
		}
		w.WriteHeader(200)
		if encErr := json.NewEncoder(w).Encode(res); encErr != nil {
			hlog.FromRequest(req).Err(encErr).Msg("failed to encode response")
		}
		return
	}
	var conflict *conflictError
	if errors.As(err, &conflict) {
		// expected outcome, informational only
		hlog.FromRequest(req).Info().Str("owner", string(conflict.Owner)).Msg("start-session rejected: conflict")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictResponse{OwnerClass: string(conflict.Owner)})
		return
	}
	herr, ok := err.(*internal.HandlerError)
	if !ok {
		herr = &internal.HandlerError{
			StatusCode: 500,
			Err:        err,
		}
	}
	if herr.StatusCode >= 500 {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr)
		hlog.FromRequest(req).Err(herr).Msg("request failed")
	} else {
		hlog.FromRequest(req).Warn().Err(herr).Msg("rejecting misused request")
	}
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func decode(req *http.Request, into interface{}) error {
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(into); err != nil {
		return &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("failed to decode request body: %w", err),
		}
	}
	return nil
}

func badRequest(format string, args ...interface{}) *internal.HandlerError {
	return &internal.HandlerError{
		StatusCode: 400,
		Err:        fmt.Errorf(format, args...),
	}
}

func (h *Handler) startSession(req *http.Request) (interface{}, error) {
	var body startSessionRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	if body.UserID == "" {
		return nil, badRequest("missing user_id")
	}
	class, err := internal.ParseDeviceClass(body.DeviceClass)
	if err != nil {
		return nil, badRequest("%s", err)
	}
	if len(body.Snapshot) > internal.MaxSnapshotBytes {
		return nil, badRequest("snapshot exceeds %d bytes", internal.MaxSnapshotBytes)
	}
	internal.SetRequestContextUserID(req.Context(), body.UserID)
	now := h.now()

	open, err := h.Sessions.FindOpen(body.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}
	ownerLive, err := h.ownerLive(open, now)
	if err != nil {
		return nil, err
	}
	decision := Resolve(open, ownerLive, class)
	internal.SetRequestContextSession(req.Context(), class, "", decision.String())
	if decision == DecisionReject {
		if h.conflicts != nil {
			h.conflicts.WithLabelValues(string(class)).Inc()
		}
		return nil, &conflictError{Owner: open.DeviceClass}
	}

	// Open re-checks for an open row under the per-user lock, so a start
	// racing us cannot double-admit; whichever insert runs last wins.
	opened, preempted, err := h.Sessions.Open(body.UserID, class, body.DeviceToken, now)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	internal.SetRequestContextSession(req.Context(), class, opened.SessionID, decision.String())
	if len(body.Snapshot) > 0 {
		opened.Snapshot = body.Snapshot
		if err := h.Sessions.UpdateSnapshot(opened.SessionID, body.Snapshot); err != nil {
			hlog.FromRequest(req).Warn().Err(err).Msg("failed to store initial snapshot")
		}
	}
	if class == internal.DeviceClassDesktop && body.DeviceToken != "" {
		// the start itself proves the process is running; don't wait for
		// the first scheduled beat
		if err := h.Liveness.Beat(body.DeviceToken, now); err != nil {
			hlog.FromRequest(req).Warn().Err(err).Msg("failed to record initial beat")
		}
	}

	var resume []byte
	if preempted != nil {
		h.publishClosed(*preempted)
		resume = preempted.Snapshot
	}
	if resume == nil {
		resume, err = h.Sessions.LatestResumeSnapshot(body.UserID)
		if err != nil {
			hlog.FromRequest(req).Warn().Err(err).Msg("failed to load resume snapshot")
			resume = nil
		}
	}
	h.publishOpened(opened)
	if h.sessionsOpened != nil {
		h.sessionsOpened.WithLabelValues(string(class)).Inc()
	}
	return &startSessionResponse{
		SessionID:      opened.SessionID,
		ResumeSnapshot: resume,
	}, nil
}

func (h *Handler) endSession(req *http.Request) (interface{}, error) {
	var body endSessionRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	if body.SessionID == "" {
		return nil, badRequest("missing session_id")
	}
	reason := body.Reason
	if reason == "" {
		reason = state.ReasonNatural
	}
	switch reason {
	case state.ReasonNatural, state.ReasonPreempted, state.ReasonAbandoned:
	default:
		return nil, badRequest("unknown close reason %q", reason)
	}
	closed, err := h.Sessions.Close(body.SessionID, reason, h.now())
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	// closed == nil means the id was unknown or already closed; both are
	// fine, handlers race on the "video ended, then heartbeat check" paths
	if closed != nil {
		internal.SetRequestContextUserID(req.Context(), closed.UserID)
		h.publishClosed(*closed)
	}
	return nil, nil
}

func (h *Handler) heartbeat(req *http.Request) (interface{}, error) {
	var body heartbeatRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	if body.DeviceToken == "" {
		return nil, badRequest("missing device_token")
	}
	if len(body.Snapshot) > internal.MaxSnapshotBytes {
		return nil, badRequest("snapshot exceeds %d bytes", internal.MaxSnapshotBytes)
	}
	if body.Goodbye {
		if err := h.Liveness.Remove(body.DeviceToken); err != nil {
			return nil, fmt.Errorf("failed to remove liveness record: %w", err)
		}
		return nil, nil
	}
	if err := h.Liveness.Beat(body.DeviceToken, h.now()); err != nil {
		return nil, fmt.Errorf("failed to record beat: %w", err)
	}
	if h.numHeartbeats != nil {
		h.numHeartbeats.Inc()
	}
	if len(body.Snapshot) > 0 {
		if err := h.Sessions.UpdateSnapshotByToken(body.DeviceToken, body.Snapshot); err != nil {
			// non-fatal: the beat is the contract, the snapshot is best-effort
			hlog.FromRequest(req).Warn().Err(err).Msg("failed to update snapshot on beat")
		}
	}
	return nil, nil
}

// statusCheck is called every poll interval by every playing client, so it
// must stay read-only apart from the lazy TTL garbage-collection embedded
// in the liveness read.
func (h *Handler) statusCheck(req *http.Request) (interface{}, error) {
	q := req.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		return nil, badRequest("missing user_id")
	}
	class, err := internal.ParseDeviceClass(q.Get("device_class"))
	if err != nil {
		return nil, badRequest("%s", err)
	}
	internal.SetRequestContextUserID(req.Context(), userID)
	now := h.now()

	open, err := h.Sessions.FindOpen(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}
	ownerLive, err := h.ownerLive(open, now)
	if err != nil {
		return nil, err
	}
	res := &statusResponse{
		HasConflict: HasConflict(open, ownerLive, class),
	}
	if open != nil {
		owner := string(open.DeviceClass)
		res.OwnerClass = &owner
	}
	return res, nil
}

func (h *Handler) forceCleanup(req *http.Request) (interface{}, error) {
	if h.AdminToken != "" && req.Header.Get("Authorization") != "Bearer "+h.AdminToken {
		return nil, &internal.HandlerError{
			StatusCode: 401,
			Err:        fmt.Errorf("missing or invalid admin token"),
		}
	}
	var body cleanupRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	userID := body.UserID
	if userID == "" {
		userID = req.Header.Get("X-Playlock-User")
	}
	if userID == "" {
		return nil, badRequest("missing user_id")
	}
	internal.SetRequestContextUserID(req.Context(), userID)
	now := h.now()

	closed, err := h.Sessions.CloseAllForUser(userID, state.ReasonAbandoned, now)
	if err != nil {
		return nil, fmt.Errorf("failed to close sessions: %w", err)
	}
	tokens, err := h.Sessions.DeviceTokens(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	for _, token := range tokens {
		if err := h.Liveness.Remove(token); err != nil {
			return nil, fmt.Errorf("failed to remove liveness record %q: %w", token, err)
		}
	}
	for _, row := range closed {
		h.publishClosed(row)
	}
	hlog.FromRequest(req).Info().Int("closed", len(closed)).Int("tokens", len(tokens)).Msg("force cleanup")
	return &cleanupResponse{Closed: len(closed)}, nil
}

// ownerLive reports whether the open session's backing device is live. Only
// desktop sessions carry a heartbeat; a desktop row without a token can
// never prove liveness and counts as lapsed.
func (h *Handler) ownerLive(open *state.SessionRow, now time.Time) (bool, error) {
	if open == nil || open.DeviceClass != internal.DeviceClassDesktop || open.DeviceToken == "" {
		return false, nil
	}
	live, err := h.Liveness.IsLive(open.DeviceToken, now)
	if err != nil {
		return false, fmt.Errorf("failed to check liveness: %w", err)
	}
	return live, nil
}

func (h *Handler) publishOpened(row state.SessionRow) {
	p := &pubsub.SessionOpened{
		SessionID:   row.SessionID,
		UserID:      row.UserID,
		DeviceClass: row.DeviceClass,
	}
	h.hooks.Queue(func() {
		if err := h.notifier.Notify(pubsub.ChanAccounting, p); err != nil {
			logger.Err(err).Str("session", p.SessionID).Msg("failed to publish SessionOpened")
		}
	})
}

func (h *Handler) publishClosed(row state.SessionRow) {
	internal.Assert("closed sessions carry an end timestamp", row.EndedAt != nil)
	var duration float64
	if row.EndedAt != nil {
		duration = row.EndedAt.Sub(row.StartedAt).Seconds()
	}
	p := &pubsub.SessionClosed{
		SessionID:       row.SessionID,
		UserID:          row.UserID,
		Reason:          row.ClosedReason,
		DurationSeconds: duration,
	}
	if h.sessionsClosed != nil {
		h.sessionsClosed.WithLabelValues(row.ClosedReason).Inc()
	}
	h.hooks.Queue(func() {
		if err := h.notifier.Notify(pubsub.ChanAccounting, p); err != nil {
			logger.Err(err).Str("session", p.SessionID).Msg("failed to publish SessionClosed")
		}
	})
}

// Sweep closes abandoned sessions and expires lapsed liveness rows. A
// session is abandoned when it is both old AND its device is not beating;
// a desktop playing past the grace window keeps its session as long as it
// keeps proving liveness. Called periodically by SweepLoop and directly by
// tests.
func (h *Handler) Sweep(now time.Time) {
	liveTokens, err := h.Liveness.LiveTokens(now)
	if err != nil {
		// cannot tell who is still beating, so reap nobody this round
		logger.Err(err).Msg("abandonment sweep skipped: liveness listing failed")
		sentry.CaptureException(err)
		return
	}
	rows, err := h.Sessions.SweepAbandoned(now.Add(-h.AbandonAfter), now, liveTokens)
	if err != nil {
		logger.Err(err).Msg("abandonment sweep failed")
		sentry.CaptureException(err)
	} else {
		for _, row := range rows {
			h.publishClosed(row)
		}
		if len(rows) > 0 {
			logger.Info().Int("closed", len(rows)).Msg("closed abandoned sessions")
		}
	}
	if err := h.Liveness.Expire(now.Add(-state.LivenessTTL)); err != nil {
		logger.Err(err).Msg("liveness expiry sweep failed")
		sentry.CaptureException(err)
	}
}

// SweepLoop blocks, sweeping every SweepInterval until the context is
// cancelled. Run it in a goroutine with internal.ReportPanicsToSentry.
func (h *Handler) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(h.now())
		}
	}
}
