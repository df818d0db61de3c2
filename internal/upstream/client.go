// Package upstream relays uploaded files to the prediction service with:
// - a multipart body rebuilt for every attempt
// - a deadline covering the round trip and the body read
// - one retry for connection failures before the upload is written
// - circuit breaking
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"predictgate/config"
	"predictgate/internal/core"
)

// Call outcomes reported to the Observer.
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeCircuitOpen = "circuit_open"
)

// Config holds configuration for the upstream client
type Config struct {
	// BaseURL is the prediction service root, e.g. https://abc.ngrok-free.app
	BaseURL string
	// Path is appended to BaseURL.
	Path    string
	Headers map[string]string
	// Timeout bounds each Predict call, retries included.
	Timeout time.Duration

	MaxRetries   int
	RetryBackoff time.Duration

	// AcceptCompressed advertises br/gzip/deflate and decodes the body before returning it.
	AcceptCompressed bool

	// CircuitBreaker is nil when breaking is disabled.
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long the breaker stays open before letting a trial call through.
	Timeout time.Duration
}

// ConfigFrom converts the upstream section of the application config.
func ConfigFrom(cfg config.UpstreamConfig) Config {
	c := Config{
		BaseURL:          cfg.URL,
		Path:             cfg.Path,
		Headers:          cfg.Headers,
		Timeout:          time.Duration(cfg.TimeoutMs) * time.Millisecond,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     100 * time.Millisecond,
		AcceptCompressed: cfg.AcceptCompressed,
	}
	if cfg.Breaker.Enabled {
		c.CircuitBreaker = &CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
		}
	}
	return c
}

// Observer receives upstream call outcomes, e.g. for metrics.
type Observer interface {
	ObserveUpstream(outcome string, statusCode int, duration time.Duration)
	ObserveRetry()
	ObserveBreakerState(state string)
}

// Client sends uploads to the prediction service.
type Client struct {
	httpClient     *http.Client
	config         Config
	endpoint       string
	observer       Observer
	circuitBreaker *circuitBreaker
}

// New creates a client. observer may be nil.
func New(httpClient *http.Client, cfg Config, observer Observer) *Client {
	if cfg.Path == "" {
		cfg.Path = config.DefaultUpstreamPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(config.DefaultUpstreamTimeoutMs) * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		httpClient: httpClient,
		config:     cfg,
		endpoint:   joinURL(cfg.BaseURL, cfg.Path),
		observer:   observer,
	}
	if cfg.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		)
	}
	return c
}

// Endpoint returns the full URL uploads are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// BreakerState returns the circuit state, or "disabled".
func (c *Client) BreakerState() string {
	if c.circuitBreaker == nil {
		return "disabled"
	}
	return c.circuitBreaker.State()
}

type response struct {
	statusCode      int
	contentType     string
	contentEncoding string
	body            []byte
}

// Predict posts upload to the upstream and returns its successful answer.
// Failures are *core.RelayError: rejected for non-2xx statuses, unreachable
// for transport failures, timeouts and an open breaker.
func (c *Client) Predict(ctx context.Context, upload *core.Upload) (*core.RelayResult, error) {
	start := time.Now()

	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		c.observe(OutcomeCircuitOpen, 0, start)
		return nil, core.NewCircuitOpenError()
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var (
		resp *response
		err  error
	)
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.observer != nil {
				c.observer.ObserveRetry()
			}
			slog.WarnContext(ctx, "retrying upstream after connection failure",
				"attempt", attempt+1,
				"error", err,
				"request_id", core.GetRequestID(ctx),
			)
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(c.config.RetryBackoff):
			}
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
		}

		resp, err = c.send(ctx, upload)
		if err == nil || !isConnectionError(err) || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		// a caller that went away says nothing about upstream health
		if c.circuitBreaker != nil && !errors.Is(err, context.Canceled) {
			c.circuitBreaker.RecordFailure()
			c.observeBreaker()
		}
		c.observe(OutcomeUnreachable, 0, start)
		return nil, core.NewUpstreamUnreachableError(err)
	}

	body := resp.body
	if c.config.AcceptCompressed {
		body, err = decodeBody(resp.contentEncoding, resp.body)
		if err != nil {
			if c.circuitBreaker != nil {
				c.circuitBreaker.RecordFailure()
				c.observeBreaker()
			}
			c.observe(OutcomeUnreachable, resp.statusCode, start)
			return nil, core.NewUpstreamUnreachableError(err)
		}
	}

	if resp.statusCode < http.StatusOK || resp.statusCode >= http.StatusMultipleChoices {
		if c.circuitBreaker != nil {
			if resp.statusCode >= http.StatusInternalServerError {
				c.circuitBreaker.RecordFailure()
			} else {
				c.circuitBreaker.RecordSuccess()
			}
			c.observeBreaker()
		}
		c.observe(OutcomeRejected, resp.statusCode, start)
		return nil, core.NewUpstreamRejectedError(resp.statusCode, body, resp.contentType)
	}

	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
		c.observeBreaker()
	}
	c.observe(OutcomeSuccess, resp.statusCode, start)
	return &core.RelayResult{
		StatusCode:  resp.statusCode,
		ContentType: resp.contentType,
		Body:        body,
	}, nil
}

// send executes a single attempt without retries.
func (c *Client) send(ctx context.Context, upload *core.Upload) (*response, error) {
	var written atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	})

	req, err := c.buildRequest(ctx, upload)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if written.Load() {
			return nil, &requestSentError{err: err}
		}
		return nil, err
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &bodyReadError{err: err}
	}

	return &response{
		statusCode:      httpResp.StatusCode,
		contentType:     httpResp.Header.Get("Content-Type"),
		contentEncoding: httpResp.Header.Get("Content-Encoding"),
		body:            body,
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// buildRequest encodes upload as a fresh multipart form.
func (c *Client) buildRequest(ctx context.Context, upload *core.Upload) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		core.FileField, quoteEscaper.Replace(upload.FileName)))
	partHeader.Set("Content-Type", upload.ContentType())

	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return nil, fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.config.AcceptCompressed {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	if id := core.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	return req, nil
}

func (c *Client) observe(outcome string, statusCode int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveUpstream(outcome, statusCode, time.Since(start))
	}
}

func (c *Client) observeBreaker() {
	if c.observer != nil && c.circuitBreaker != nil {
		c.observer.ObserveBreakerState(c.circuitBreaker.State())
	}
}

// bodyReadError marks a failure after the upstream had already answered.
type bodyReadError struct {
	err error
}

func (e *bodyReadError) Error() string { return "read upstream body: " + e.err.Error() }
func (e *bodyReadError) Unwrap() error { return e.err }

// requestSentError marks a failure after the upload reached the upstream.
// The prediction may already be running, so it is never retried.
type requestSentError struct {
	err error
}

func (e *requestSentError) Error() string { return e.err.Error() }
func (e *requestSentError) Unwrap() error { return e.err }

// isConnectionError reports whether err happened before the upload was
// written and is worth one more attempt.
func isConnectionError(err error) bool {
	var readErr *bodyReadError
	if errors.As(err, &readErr) {
		return false
	}
	var sentErr *requestSentError
	if errors.As(err, &sentErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF)
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
