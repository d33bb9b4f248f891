package connector

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hazyhaar/procura/guard"
)

const (
	defaultUserAgent = "procura/1.0"
	defaultMaxBytes  = 20 * 1024 * 1024
)

// httpClient performs GETs and maps HTTP failures to *Error.
type httpClient struct {
	id        string
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func newHTTPClient(id string, c *http.Client) *httpClient {
	if c == nil {
		c = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		}
	}
	return &httpClient{id: id, client: c, userAgent: defaultUserAgent, maxBytes: defaultMaxBytes}
}

type response struct {
	StatusCode int
	Body       []byte
	ETag       string
	LastMod    string
}

// get issues a GET with the given headers (values are ${ENV} expanded).
// 304 is returned as a response, not an error.
func (h *httpClient) get(ctx context.Context, url string, headers map[string]string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, malformed(h.id, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range headers {
		req.Header.Set(k, expandEnv(v))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, AsError(h.id, fmt.Errorf("http get: %w", err))
	}
	defer resp.Body.Close()

	out := &response{
		StatusCode: resp.StatusCode,
		ETag:       resp.Header.Get("ETag"),
		LastMod:    resp.Header.Get("Last-Modified"),
	}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Connector:  h.id,
			Kind:       RateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Connector: h.id, Kind: Unavailable, StatusCode: resp.StatusCode}
	}

	body, err := guard.LimitedReadAll(resp.Body, h.maxBytes)
	if errors.Is(err, guard.ErrTooLarge) {
		return nil, malformed(h.id, err)
	}
	if err != nil {
		return nil, AsError(h.id, fmt.Errorf("read body: %w", err))
	}
	out.Body = body
	return out, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func contentHash(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

// expandEnv replaces ${ENV_VAR} patterns with their values.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
