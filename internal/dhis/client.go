package dhis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datim/mechsync/internal/logging"
)

// AccessControlAck is the one non-JSON acknowledgement the sharing endpoint
// is known to return.
const AccessControlAck = "Access control set\n"

const (
	sessionCookieName = "JSESSIONID"
	maxRedirects      = 10
)

var (
	ErrUnauthorized      = errors.New("invalid login credentials")
	ErrNotFound          = errors.New("not found")
	ErrTransient         = errors.New("transient transport failure")
	ErrMalformedResponse = errors.New("malformed response body")
)

type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, body)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrTransient:
		return isRetryableStatus(e.StatusCode)
	}
	return false
}

// Client issues one logical request against the metadata API. Paths are
// relative to the server root, e.g. "/api/userGroups.json?paging=none".
// A nil message with a nil error means the server acknowledged without a body.
type Client interface {
	Do(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// Observer is told about every attempt, including retries.
type Observer interface {
	ObserveRequest(method string, status int, err error)
}

type ClientOptions struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *slog.Logger
	Observer   Observer
}

type HTTPClient struct {
	baseURL    *url.URL
	username   string
	password   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
	observer   Observer
}

func NewHTTPClient(opts ClientOptions) (*HTTPClient, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", raw)
	}
	hc := &http.Client{Timeout: 60 * time.Second}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		hc = &copied
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPClient{
		baseURL:    base,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: hc,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
		observer:   opts.Observer,
	}, nil
}

func (c *HTTPClient) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	logging.Trace(c.logger, "request", "method", method, "path", path)

	var lastErr error
	for attempt := 0; ; attempt++ {
		status, payload, err := c.roundTrip(ctx, method, target, bodyBytes)
		c.observe(method, status, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < c.maxRetries {
				c.logger.Warn("connection error, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, lastErr)
		}

		switch {
		case status.code == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w for %s", ErrUnauthorized, c.baseURL.Host)
		case status.code >= 200 && status.code <= 299:
			return DecodeResponse(method, path, status.code, payload)
		case isRetryableStatus(status.code):
			lastErr = &HTTPError{Method: method, Path: path, StatusCode: status.code, Body: string(payload)}
			if attempt < c.maxRetries {
				c.logger.Warn("gateway error, retrying", "method", method, "path", path, "status", status.code, "attempt", attempt+1)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, status.retryAfter)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrTransient, lastErr)
		default:
			return DecodeResponse(method, path, status.code, payload)
		}
	}
}

type responseStatus struct {
	code       int
	retryAfter string
}

// roundTrip performs one attempt, following redirects with the same method
// and body.
func (c *HTTPClient) roundTrip(ctx context.Context, method string, target *url.URL, bodyBytes []byte) (responseStatus, []byte, error) {
	for hop := 0; ; hop++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
		if err != nil {
			return responseStatus{}, nil, err
		}
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if !c.hasSession(target) {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return responseStatus{}, nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return responseStatus{}, nil, readErr
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			if location == "" {
				return responseStatus{}, nil, fmt.Errorf("status %d without redirect location for %s %s", resp.StatusCode, method, target.Path)
			}
			if hop >= maxRedirects {
				return responseStatus{}, nil, fmt.Errorf("too many redirects for %s %s", method, target.Path)
			}
			next, err := target.Parse(location)
			if err != nil {
				return responseStatus{}, nil, fmt.Errorf("parse redirect location: %w", err)
			}
			c.logger.Info("following redirect", "status", resp.StatusCode, "location", next.String())
			target = next
			continue
		}
		return responseStatus{code: resp.StatusCode, retryAfter: resp.Header.Get("Retry-After")}, payload, nil
	}
}

func (c *HTTPClient) resolve(path string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse request path %q: %w", path, err)
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + ref.Path
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	return &u, nil
}

func (c *HTTPClient) hasSession(target *url.URL) bool {
	for _, cookie := range c.httpClient.Jar.Cookies(target) {
		if cookie.Name == sessionCookieName && cookie.Value != "" {
			return true
		}
	}
	return false
}

func (c *HTTPClient) observe(method string, status responseStatus, err error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveRequest(method, status.code, err)
}

// DecodeResponse applies the body rules shared by every Client: a 2xx body
// must be empty, JSON, or the sharing acknowledgement. Other statuses become
// *HTTPError.
func DecodeResponse(method, path string, status int, payload []byte) (json.RawMessage, error) {
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	if status < 200 || status > 299 {
		return nil, &HTTPError{Method: method, Path: path, StatusCode: status, Body: string(payload)}
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	if string(payload) == AccessControlAck {
		return nil, nil
	}
	snippet := string(payload)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return nil, fmt.Errorf("%w: %s %s: %q", ErrMalformedResponse, method, path, snippet)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
