package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"panelbridge/database/model"
	"panelbridge/util/metrics"
)

const (
	requestTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20
)

// restClient is the transport shared by every adapter: one http.Client with a
// cookie jar, TLS 1.2 floor and a fixed timeout, plus the session artifact
// (bearer token or cookie) with its tracked expiry.
type restClient struct {
	kind model.PanelKind
	name string
	base string
	http *http.Client

	mu         sync.Mutex
	bearer     string
	sessionExp time.Time
}

func newRestClient(kind model.PanelKind, name, baseUrl string) *restClient {
	jar, _ := cookiejar.New(nil)
	return &restClient{
		kind: kind,
		name: name,
		base: strings.TrimRight(strings.TrimSpace(baseUrl), "/"),
		http: &http.Client{
			Timeout: requestTimeout,
			Jar:     jar,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
			// Redirects on API routes mean the session died, surface them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *restClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base + path
}

// absURL resolves a possibly relative URL the panel returned against its base.
func (c *restClient) absURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.base + raw
}

func (c *restClient) setBearer(token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = token
	c.sessionExp = time.Now().Add(ttl)
}

func (c *restClient) bearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearer
}

// markSession records a session lifetime for cookie-based panels, where the
// artifact itself lives in the jar.
func (c *restClient) markSession(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionExp = time.Now().Add(ttl)
}

func (c *restClient) sessionFresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.sessionExp)
}

func (c *restClient) dropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = ""
	c.sessionExp = time.Time{}
}

func (c *restClient) doJSON(ctx context.Context, op, method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, &ProtocolError{Op: op, Detail: err.Error()}
		}
	}
	return c.do(ctx, op, method, c.url(path), "application/json", payload, out)
}

func (c *restClient) doForm(ctx context.Context, op, method, path string, form url.Values, out any) (int, error) {
	return c.do(ctx, op, method, c.url(path), "application/x-www-form-urlencoded", []byte(form.Encode()), out)
}

func (c *restClient) do(ctx context.Context, op, method, rawURL, contentType string, payload []byte, out any) (status int, err error) {
	start := time.Now()
	defer func() {
		metrics.PanelRequestDuration.WithLabelValues(string(c.kind), op).Observe(time.Since(start).Seconds())
		metrics.PanelRequestsTotal.WithLabelValues(string(c.kind), op, requestOutcome(status, err)).Inc()
	}()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return 0, &ProtocolError{Op: op, Detail: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, &TransientError{Op: op, Err: err}
	}

	if out != nil && len(data) > 0 && resp.StatusCode < 500 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 400 {
			return resp.StatusCode, &ProtocolError{Op: op, Detail: snippet(data)}
		}
	}
	return resp.StatusCode, nil
}

func requestOutcome(status int, err error) string {
	if err != nil {
		return outcomeLabel(err)
	}
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth_expired"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "upstream_error"
	default:
		return "rejected"
	}
}

// transientStatus marks gateway-style failures worth a bounded retry upstream.
func transientStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// withRelogin runs fn, and once more after a forced re-login when the cached
// session was rejected mid-call. A second rejection surfaces as AuthError.
func withRelogin(ctx context.Context, panelName string, login func(context.Context) error, fn func() error) error {
	err := fn()
	if !errors.Is(err, errAuthExpired) {
		return err
	}
	if err := login(ctx); err != nil {
		return err
	}
	err = fn()
	if errors.Is(err, errAuthExpired) {
		return &AuthError{Panel: panelName, Reason: "session rejected immediately after re-login"}
	}
	return err
}
