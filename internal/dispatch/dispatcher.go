package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/loopback/internal/nonce"
	"github.com/mattjoyce/loopback/internal/protocol"
	"github.com/mattjoyce/loopback/internal/task"
)

//go:generate mockgen -destination=mocks/mock_doer.go -package=mocks github.com/mattjoyce/loopback/internal/dispatch Doer

const (
	// DefaultAsyncTimeout bounds how long a fire-and-forget send may hold its
	// goroutine. The caller never waits for it.
	DefaultAsyncTimeout = 10 * time.Millisecond

	// DefaultBlockingTimeout is used by Blocking.
	DefaultBlockingTimeout = 5 * time.Second

	// maxResponseBytes caps the endpoint response read by blocking dispatch.
	maxResponseBytes = 4 << 20

	requestIDHeader = "X-Request-Id"
	userAgent       = "loopback-dispatch/1"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves a task identifier for a given argument count.
// *task.Registry satisfies it.
type Resolver interface {
	Resolve(name string, argc int) (*task.Descriptor, error)
}

// Config holds dispatcher settings.
type Config struct {
	// BaseURL is the application's own address, e.g. "https://example.com".
	BaseURL string
	// Path is the run-task endpoint path (default protocol.DefaultPath).
	Path            string
	AsyncTimeout    time.Duration
	BlockingTimeout time.Duration
}

// Result is the success payload of a blocking dispatch.
type Result struct {
	RequestID string
	Payload   json.RawMessage
}

// Decode unmarshals the task's return value into v.
func (r *Result) Decode(v any) error {
	if len(r.Payload) == 0 {
		return errors.New("result has no payload")
	}
	return json.Unmarshal(r.Payload, v)
}

// Dispatcher issues self-addressed run-task requests.
type Dispatcher struct {
	cfg      Config
	endpoint string
	referer  string
	signer   *nonce.Signer
	tasks    Resolver
	client   Doer
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// New creates a Dispatcher. client defaults to http.DefaultClient.
func New(cfg Config, signer *nonce.Signer, tasks Resolver, client Doer, logger *slog.Logger) (*Dispatcher, error) {
	if signer == nil {
		return nil, errors.New("dispatcher requires a signer")
	}
	if tasks == nil {
		return nil, errors.New("dispatcher requires a task resolver")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}

	if cfg.Path == "" {
		cfg.Path = protocol.DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = DefaultAsyncTimeout
	}
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = DefaultBlockingTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		cfg:      cfg,
		endpoint: base.String() + cfg.Path,
		referer:  strings.ToLower(base.String()),
		signer:   signer,
		tasks:    tasks,
		client:   client,
		logger:   logger,
	}, nil
}

// Endpoint returns the URL requests are posted to.
func (d *Dispatcher) Endpoint() string {
	return d.endpoint
}

// Async sends a run-task request without waiting for the task.
//
// A nil return only means the request was handed to a sender goroutine.
// Send failures are logged, not returned.
func (d *Dispatcher) Async(ctx context.Context, identifier string, args ...any) error {
	env, err := d.prepare(identifier, args)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AsyncTimeout)

	var wrote atomic.Bool
	sendCtx = httptrace.WithClientTrace(sendCtx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	})

	req, err := d.newRequest(sendCtx, env, requestID)
	if err != nil {
		cancel()
		return err
	}

	logger := d.logger.With("task", identifier, "request_id", requestID, "mode", "async")
	logger.Debug("dispatching task")

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer cancel()

		resp, err := d.client.Do(req)
		if err != nil {
			if wrote.Load() && errors.Is(err, context.DeadlineExceeded) {
				// Request went out; we just stopped listening.
				logger.Debug("async task handed off")
				return
			}
			logger.Warn("async dispatch failed", "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logger.Warn("async dispatch refused", "status", resp.StatusCode)
			return
		}
		logger.Debug("async task completed before timeout")
	}()

	return nil
}

// Wait blocks until all async sends have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Blocking sends a run-task request and waits up to DefaultBlockingTimeout
// (or the configured blocking timeout) for the task's result.
func (d *Dispatcher) Blocking(ctx context.Context, identifier string, args ...any) (*Result, error) {
	return d.BlockingTimeout(ctx, d.cfg.BlockingTimeout, identifier, args...)
}

// BlockingTimeout is Blocking with an explicit timeout.
//
// Errors:
//   - ErrInvalidTaskKind: unknown identifier (no request sent) or invalid_callback
//   - *TransportError: connection failure, timeout or malformed response
//   - ErrRejected: the endpoint refused the request
//   - *task.Error: the task reported failure
func (d *Dispatcher) BlockingTimeout(ctx context.Context, timeout time.Duration, identifier string, args ...any) (*Result, error) {
	env, err := d.prepare(identifier, args)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.cfg.BlockingTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	requestID := uuid.NewString()
	req, err := d.newRequest(ctx, env, requestID)
	if err != nil {
		return nil, err
	}

	logger := d.logger.With("task", identifier, "request_id", requestID, "mode", "blocking")
	logger.Debug("dispatching task", "timeout", timeout.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "send", URL: d.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: "read", URL: d.endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusForbidden {
		logger.Warn("dispatch rejected by endpoint")
		return nil, ErrRejected
	}

	out, err := protocol.DecodeResponse(bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "decode", URL: d.endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Op:         "decode",
			URL:        d.endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("endpoint error %s: %s", out.Code, out.Message),
		}
	}

	if !out.Success {
		te := &task.Error{Code: out.Code, Message: out.Message}
		if out.Code == protocol.CodeInvalidCallback {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTaskKind, te)
		}
		return nil, te
	}

	return &Result{RequestID: requestID, Payload: out.Data}, nil
}

// prepare validates the task reference and builds its signed envelope.
// No network activity happens here.
func (d *Dispatcher) prepare(identifier string, args []any) (*protocol.Request, error) {
	if _, err := d.tasks.Resolve(identifier, len(args)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTaskKind, err)
	}

	data, err := protocol.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.DecodeArgs(data)
	if err != nil {
		return nil, err
	}
	canonical, err := protocol.Canonical(raw)
	if err != nil {
		return nil, err
	}

	return &protocol.Request{
		Class: identifier,
		Data:  data,
		Nonce: d.signer.Create(identifier, canonical),
	}, nil
}

func (d *Dispatcher) newRequest(ctx context.Context, env *protocol.Request, requestID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(env.Form().Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", d.referer)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(requestIDHeader, requestID)
	for _, c := range cookiesFrom(ctx) {
		req.AddCookie(c)
	}
	return req, nil
}

type cookiesKey struct{}

// WithCookies attaches session cookies that outbound dispatches should carry,
// typically copied from the inbound request that triggered the dispatch.
func WithCookies(ctx context.Context, cookies []*http.Cookie) context.Context {
	return context.WithValue(ctx, cookiesKey{}, cookies)
}

func cookiesFrom(ctx context.Context) []*http.Cookie {
	cookies, _ := ctx.Value(cookiesKey{}).([]*http.Cookie)
	return cookies
}
