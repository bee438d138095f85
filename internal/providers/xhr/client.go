// Package xhr performs GM_xmlhttpRequest calls and install downloads.
//
// Requests go through a shared resty client whose transport retries with
// go-retryablehttp, a token-bucket limiter, and one circuit breaker per
// remote host.
package xhr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

var (
	// ErrSchemeNotAllowed is returned for URLs that are not http or https.
	ErrSchemeNotAllowed = errors.New("scheme not allowed")
	// ErrHostUnavailable is returned while a host's breaker is open.
	ErrHostUnavailable = errors.New("host unavailable")
)

// Config configures the client.
type Config struct {
	Timeout           time.Duration
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	MaxBodyBytes      int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		UserAgent:    "webmonkey/1.0",
		MaxBodyBytes: 10 << 20,
	}
}

// Client implements capability.Network.
type Client struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	logger   *zap.Logger
}

// serverError marks a 5xx response so the breaker counts it.
type serverError struct {
	status int
}

func (e *serverError) Error() string { return fmt.Sprintf("server error %d", e.status) }

// New creates a client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)
	if cfg.MaxBodyBytes > 0 {
		restyClient.SetResponseBodyLimit(cfg.MaxBodyBytes)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	breakers := resilience.NewGroup(resilience.Settings{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("host breaker changed state",
				zap.String("host", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	return &Client{
		resty:    restyClient,
		limiter:  limiter,
		breakers: breakers,
		logger:   logger,
	}
}

// Request performs req on behalf of s.
func (c *Client) Request(ctx context.Context, s *userscript.Script, req capability.Request) (*capability.Response, error) {
	target, err := checkURL(req.URL)
	if err != nil {
		return nil, err
	}

	r := c.resty.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Data != "" {
		r.SetBody(req.Data)
	}
	if req.User != "" || req.Password != "" {
		r.SetBasicAuth(req.User, req.Password)
	}

	resp, err := c.execute(ctx, target, func() (*resty.Response, error) {
		return r.Execute(req.Method, req.URL)
	})
	if err != nil {
		c.logger.Debug("script request failed",
			zap.String("script", s.ID),
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("script request",
		zap.String("script", s.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode()))

	return &capability.Response{
		Status:          resp.StatusCode(),
		StatusText:      statusText(resp),
		ResponseText:    resp.String(),
		ResponseHeaders: formatHeaders(resp.Header()),
		FinalURL:        finalURL(resp, req.URL),
	}, nil
}

// Fetch downloads rawURL and returns the body and its Content-Type.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	target, err := checkURL(rawURL)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.execute(ctx, target, func() (*resty.Response, error) {
		return c.resty.R().SetContext(ctx).Get(rawURL)
	})
	if err != nil {
		return nil, "", err
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("fetch %s: %s", rawURL, resp.Status())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

// BreakerStates reports per-host breaker states.
func (c *Client) BreakerStates() map[string]resilience.State {
	return c.breakers.States()
}

func (c *Client) execute(ctx context.Context, target *url.URL, fn func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	var resp *resty.Response
	err := c.breakers.For(target.Host).Do(func() error {
		var err error
		resp, err = fn()
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 500 {
			return &serverError{status: resp.StatusCode()}
		}
		return nil
	})

	var se *serverError
	switch {
	case errors.As(err, &se):
		return resp, nil
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", ErrHostUnavailable, target.Host)
	case err != nil:
		return nil, err
	}
	return resp, nil
}

func checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	return u, nil
}

func statusText(resp *resty.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status(), fmt.Sprint(resp.StatusCode())))
	if text == "" {
		text = http.StatusText(resp.StatusCode())
	}
	return text
}

func formatHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
	return sb.String()
}

func finalURL(resp *resty.Response, fallback string) string {
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		return raw.Request.URL.String()
	}
	return fallback
}
