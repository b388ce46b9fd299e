// Package worker wires the signer, task registry, dispatcher and run-task
// endpoint into one component an application holds for its lifetime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/loopback/internal/dispatch"
	"github.com/mattjoyce/loopback/internal/endpoint"
	"github.com/mattjoyce/loopback/internal/events"
	"github.com/mattjoyce/loopback/internal/nonce"
	"github.com/mattjoyce/loopback/internal/task"
)

// Options configures a Worker.
type Options struct {
	// BaseURL is the application's own address. Required.
	BaseURL string
	// Path is the run-task endpoint path (default protocol.DefaultPath).
	Path string
	// Secret is the per-installation signing secret. Required.
	Secret []byte
	// Lifetime is the token lifetime (default nonce.DefaultLifetime).
	Lifetime time.Duration

	Provenance      endpoint.Provenance
	MaxBodySize     int64
	AsyncTimeout    time.Duration
	BlockingTimeout time.Duration

	// Registry holds the allowed task kinds. A new empty registry is used if nil.
	Registry *task.Registry
	// Client sends dispatch requests (default http.DefaultClient).
	Client dispatch.Doer
	// Events receives endpoint lifecycle events. Optional.
	Events *events.Hub
	Logger *slog.Logger
}

// Worker dispatches tasks to its own endpoint and serves that endpoint.
type Worker struct {
	registry   *task.Registry
	signer     *nonce.Signer
	dispatcher *dispatch.Dispatcher
	handler    *endpoint.Handler
	logger     *slog.Logger
}

// New builds a Worker from opts.
func New(opts Options) (*Worker, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("worker requires a signing secret")
	}
	if opts.Registry == nil {
		opts.Registry = task.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var signerOpts []nonce.Option
	if opts.Lifetime > 0 {
		signerOpts = append(signerOpts, nonce.WithLifetime(opts.Lifetime))
	}
	signer, err := nonce.NewSigner(opts.Secret, signerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	d, err := dispatch.New(dispatch.Config{
		BaseURL:         opts.BaseURL,
		Path:            opts.Path,
		AsyncTimeout:    opts.AsyncTimeout,
		BlockingTimeout: opts.BlockingTimeout,
	}, signer, opts.Registry, opts.Client, opts.Logger.With("component", "dispatch"))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	// A nil *events.Hub must not become a non-nil Publisher.
	var pub endpoint.Publisher
	if opts.Events != nil {
		pub = opts.Events
	}

	h, err := endpoint.New(endpoint.Config{
		BaseURL:     opts.BaseURL,
		Path:        opts.Path,
		Provenance:  opts.Provenance,
		MaxBodySize: opts.MaxBodySize,
	}, signer, opts.Registry, pub, opts.Logger.With("component", "endpoint"))
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	return &Worker{
		registry:   opts.Registry,
		signer:     signer,
		dispatcher: d,
		handler:    h,
		logger:     opts.Logger,
	}, nil
}

// Registry returns the task registry shared by dispatcher and endpoint.
func (w *Worker) Registry() *task.Registry {
	return w.registry
}

// Signer returns the token signer.
func (w *Worker) Signer() *nonce.Signer {
	return w.signer
}

// Endpoint returns the URL dispatches are posted to.
func (w *Worker) Endpoint() string {
	return w.dispatcher.Endpoint()
}

// Dispatch fires identifier with args and returns without waiting for the task.
func (w *Worker) Dispatch(ctx context.Context, identifier string, args ...any) error {
	return w.dispatcher.Async(ctx, identifier, args...)
}

// DispatchBlocking runs identifier with args and waits for its result,
// bounded by the configured blocking timeout.
func (w *Worker) DispatchBlocking(ctx context.Context, identifier string, args ...any) (*dispatch.Result, error) {
	return w.dispatcher.Blocking(ctx, identifier, args...)
}

// DispatchBlockingTimeout is DispatchBlocking with an explicit timeout.
func (w *Worker) DispatchBlockingTimeout(ctx context.Context, timeout time.Duration, identifier string, args ...any) (*dispatch.Result, error) {
	return w.dispatcher.BlockingTimeout(ctx, timeout, identifier, args...)
}

// Wait blocks until in-flight async sends have finished.
func (w *Worker) Wait() {
	w.dispatcher.Wait()
}

// Register mounts the run-task endpoint on r.
func (w *Worker) Register(r chi.Router) {
	w.handler.Register(r)
}

// Handler returns the run-task endpoint as an http.Handler.
func (w *Worker) Handler() http.Handler {
	return w.handler
}
