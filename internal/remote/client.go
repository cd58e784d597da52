// Package remote is the stateless wire adapter for the sync service:
// one push, one pull, no retry logic. Retry policy belongs to the
// orchestrator, which keys off TransientError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	syncerrors "github.com/opencivic/civic-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory. Pull responses are bounded by the
	// push caps, so 8MB leaves generous headroom for POI payloads.
	maxResponseBytes = 8 * 1024 * 1024

	// maxRedirects is the maximum number of HTTP redirects to follow.
	maxRedirects = 10
)

// Client talks to the remote synchronization service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so credentials never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a sync client for the given service base URL.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// Push uploads the device's current state. Any 2xx response is success;
// the response body is ignored. Transport failures and transient HTTP
// statuses come back wrapped in TransientError.
func (c *Client) Push(ctx context.Context, req SyncRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating push request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending push: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading push response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError("push", resp.StatusCode, body)
	}

	return nil
}

// Pull fetches records changed on the server since lastSyncAt. A nil
// lastSyncAt requests a full snapshot (first sync).
func (c *Client) Pull(ctx context.Context, ownerID string, lastSyncAt *string) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("ownerId", ownerID)

	if lastSyncAt != nil {
		q.Set("lastSyncAt", *lastSyncAt)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("sending pull: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading pull response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError("pull", resp.StatusCode, body)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: pull response is not valid JSON", syncerrors.ErrMalformedPayload)
	}

	var sr SyncResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("%w: decoding pull response: %v", syncerrors.ErrMalformedPayload, err)
	}

	return &sr, nil
}

// statusError builds the error for a non-2xx response. The body is
// probed for a JSON "error" field; otherwise a sanitized excerpt is
// included. Transient statuses wrap in TransientError.
func (c *Client) statusError(op string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "error").Str
	if msg == "" {
		msg = sanitizeResponseBody(body)
	}

	err := fmt.Errorf("%w: %s returned status %d: %s", syncerrors.ErrServerRejected, op, status, msg)
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
