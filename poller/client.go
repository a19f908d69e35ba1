package poller

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mediaforge/playlock/internal"
)

// How the agent reacts to a failed coordinator call depends on which of
// these the error wraps. Transient trouble (5xx, 429, request timeout)
// fails open: playback continues and the next poll retries. Unreachable
// (connection refused, DNS failure) fails closed: the agent cannot tell
// whether it still owns the session, so it stops playback.
var (
	ErrTransient   = errors.New("transient coordinator error")
	ErrUnreachable = errors.New("coordinator unreachable")
)

// ConflictError is the 409 response: someone else owns playback.
type ConflictError struct {
	OwnerClass internal.DeviceClass
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("playback owned by %s session", e.OwnerClass)
}

type StartResult struct {
	SessionID      string
	ResumeSnapshot []byte
}

type StatusResult struct {
	HasConflict bool
	OwnerClass  internal.DeviceClass
}

// Client is the coordinator API from the agent's side. One Client is bound
// to one (user, device class, device token) identity.
type Client interface {
	StartSession(ctx context.Context, snapshot []byte) (*StartResult, error)
	EndSession(ctx context.Context, sessionID, reason string) error
	Heartbeat(ctx context.Context, snapshot []byte, goodbye bool) error
	StatusCheck(ctx context.Context) (*StatusResult, error)
}

// HTTPClient implements Client over the coordinator's HTTP surface.
type HTTPClient struct {
	Client      *http.Client
	BaseURL     string
	UserID      string
	DeviceClass internal.DeviceClass
	DeviceToken string
}

func NewHTTPClient(baseURL, userID string, class internal.DeviceClass, deviceToken string) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
		BaseURL:     baseURL,
		UserID:      userID,
		DeviceClass: class,
		DeviceToken: deviceToken,
	}
}

func (c *HTTPClient) StartSession(ctx context.Context, snapshot []byte) (*StartResult, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "user_id", c.UserID)
	body, _ = sjson.SetBytes(body, "device_class", string(c.DeviceClass))
	if c.DeviceToken != "" {
		body, _ = sjson.SetBytes(body, "device_token", c.DeviceToken)
	}
	if len(snapshot) > 0 {
		// []byte fields travel as base64, matching encoding/json on the
		// coordinator side
		body, _ = sjson.SetBytes(body, "snapshot", base64.StdEncoding.EncodeToString(snapshot))
	}
	res, err := c.post(ctx, "/_playlock/v1/session/start", body)
	if err != nil {
		return nil, err
	}
	var resume []byte
	if r := gjson.GetBytes(res, "resume_snapshot"); r.Str != "" {
		resume, err = base64.StdEncoding.DecodeString(r.Str)
		if err != nil {
			return nil, fmt.Errorf("malformed resume_snapshot: %w", err)
		}
	}
	return &StartResult{
		SessionID:      gjson.GetBytes(res, "session_id").Str,
		ResumeSnapshot: resume,
	}, nil
}

func (c *HTTPClient) EndSession(ctx context.Context, sessionID, reason string) error {
	body, _ := sjson.SetBytes([]byte(`{}`), "session_id", sessionID)
	if reason != "" {
		body, _ = sjson.SetBytes(body, "reason", reason)
	}
	_, err := c.post(ctx, "/_playlock/v1/session/end", body)
	return err
}

func (c *HTTPClient) Heartbeat(ctx context.Context, snapshot []byte, goodbye bool) error {
	body, _ := sjson.SetBytes([]byte(`{}`), "device_token", c.DeviceToken)
	if len(snapshot) > 0 {
		body, _ = sjson.SetBytes(body, "snapshot", base64.StdEncoding.EncodeToString(snapshot))
	}
	if goodbye {
		body, _ = sjson.SetBytes(body, "goodbye", true)
	}
	_, err := c.post(ctx, "/_playlock/v1/heartbeat", body)
	return err
}

func (c *HTTPClient) StatusCheck(ctx context.Context) (*StatusResult, error) {
	u := fmt.Sprintf("%s/_playlock/v1/status?user_id=%s&device_class=%s",
		c.BaseURL, url.QueryEscape(c.UserID), url.QueryEscape(string(c.DeviceClass)))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		HasConflict: gjson.GetBytes(res, "has_conflict").Bool(),
		OwnerClass:  internal.DeviceClass(gjson.GetBytes(res, "owner_class").Str),
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("X-Playlock-User", c.UserID)
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer res.Body.Close()
	resBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}
	switch {
	case res.StatusCode == 200:
		return resBytes, nil
	case res.StatusCode == 409:
		owner, err := internal.ParseDeviceClass(gjson.GetBytes(resBytes, "owner_class").Str)
		if err != nil {
			return nil, fmt.Errorf("conflict with unparseable owner: %v", err)
		}
		return nil, &ConflictError{OwnerClass: owner}
	case res.StatusCode == 429 || res.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTransient, res.StatusCode, string(resBytes))
	default:
		// 4xx misuse; retrying won't help and it isn't a liveness signal
		return nil, fmt.Errorf("coordinator rejected request: HTTP %d: %s", res.StatusCode, string(resBytes))
	}
}

// classify sorts a transport error into the fail-open or fail-closed
// bucket. A timeout means the coordinator probably got the request, so it
// is transient; refused connections and DNS failures mean we are cut off.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
