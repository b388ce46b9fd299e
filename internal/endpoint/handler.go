package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/loopback/internal/events"
	"github.com/mattjoyce/loopback/internal/nonce"
	"github.com/mattjoyce/loopback/internal/protocol"
	"github.com/mattjoyce/loopback/internal/task"
)

// Handler verifies and runs run-task requests.
type Handler struct {
	cfg    Config
	base   *url.URL
	signer *nonce.Signer
	tasks  TaskResolver
	events Publisher
	logger *slog.Logger
}

// New creates a Handler. events may be nil.
func New(cfg Config, signer *nonce.Signer, tasks TaskResolver, pub Publisher, logger *slog.Logger) (*Handler, error) {
	if signer == nil {
		return nil, errors.New("endpoint requires a signer")
	}
	if tasks == nil {
		return nil, errors.New("endpoint requires a task resolver")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}

	// Apply defaults
	if cfg.Path == "" {
		cfg.Path = protocol.DefaultPath
	}
	if cfg.Provenance == "" {
		cfg.Provenance = ProvenanceExact
	}
	if cfg.Provenance != ProvenanceExact && cfg.Provenance != ProvenanceSubstring {
		return nil, fmt.Errorf("unknown provenance mode %q", cfg.Provenance)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		cfg:    cfg,
		base:   base,
		signer: signer,
		tasks:  tasks,
		events: pub,
		logger: logger,
	}, nil
}

// Path returns the path the handler is mounted at.
func (h *Handler) Path() string {
	return h.cfg.Path
}

// Register mounts the handler on r at the configured path.
func (h *Handler) Register(r chi.Router) {
	r.Post(h.cfg.Path, h.ServeHTTP)
}

// ServeHTTP handles POST run-task requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respondJSON(w, http.StatusMethodNotAllowed, protocol.Failure(protocol.CodeBadRequest, "method not allowed"))
		return
	}

	requestID := requestIDFrom(r)

	// 1. Provenance, checked before the body is read
	if !h.checkProvenance(r.Referer()) {
		h.reject(w, requestID, "", "provenance")
		return
	}

	// Enforce body size limit
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondJSON(w, http.StatusRequestEntityTooLarge, protocol.Failure(protocol.CodeTooLarge, "payload too large"))
			return
		}
		h.respondJSON(w, http.StatusBadRequest, protocol.Failure(protocol.CodeBadRequest, "malformed request body"))
		return
	}

	env, err := protocol.ParseRequest(r.PostForm)
	if err != nil {
		h.reject(w, requestID, "", "envelope")
		return
	}

	// 2. Task kind
	if _, ok := h.tasks.Lookup(env.Class); !ok {
		h.reject(w, requestID, env.Class, "unknown_task")
		return
	}

	// 3. Token
	args, err := protocol.DecodeArgs(env.Data)
	if err != nil {
		h.reject(w, requestID, env.Class, "arguments")
		return
	}
	canonical, err := protocol.Canonical(args)
	if err != nil {
		h.reject(w, requestID, env.Class, "arguments")
		return
	}
	window, ok := h.signer.Verify(env.Nonce, env.Class, canonical)
	if !ok {
		h.reject(w, requestID, env.Class, "token")
		return
	}

	logger := h.logger.With("task", env.Class, "request_id", requestID)
	logger.Debug("run-task request verified", "window", window.String(), "args", len(args))

	// The sender may hang up early (async dispatch); the task keeps running.
	ctx := context.WithoutCancel(r.Context())
	resp := h.run(ctx, logger, env.Class, requestID, task.Args(args))
	h.respondJSON(w, http.StatusOK, resp)
}

// run invokes the task and shapes its outcome.
func (h *Handler) run(ctx context.Context, logger *slog.Logger, name, requestID string, args task.Args) *protocol.Response {
	// Re-resolve right before invoking; the kind may have been removed or may
	// not accept this many arguments.
	desc, err := h.tasks.Resolve(name, args.Len())
	if err != nil {
		logger.Warn("task not invocable", "error", err)
		h.publish(events.TaskFailed, events.TaskEvent{Task: name, RequestID: requestID, Code: protocol.CodeInvalidCallback})
		return protocol.Failure(protocol.CodeInvalidCallback, "invalid callback")
	}

	h.publish(events.TaskStarted, events.TaskEvent{Task: name, RequestID: requestID})
	start := time.Now()

	value, panicked, err := invoke(ctx, desc, args)
	elapsed := time.Since(start)

	if err != nil {
		te := task.AsError(err, protocol.CodeTaskFailed)
		if !panicked && protocol.Reserved(te.Code) {
			logger.Warn("task used a reserved error code", "code", te.Code)
			te = &task.Error{Code: protocol.CodeTaskFailed, Message: te.Message}
		}
		logger.Info("task failed",
			"code", te.Code,
			"duration_ms", elapsed.Milliseconds(),
		)
		h.publish(events.TaskFailed, events.TaskEvent{Task: name, RequestID: requestID, Code: te.Code, DurationMs: elapsed.Milliseconds()})
		return protocol.Failure(te.Code, te.Message)
	}

	resp, err := protocol.Success(value)
	if err != nil {
		logger.Error("task result not encodable", "error", err)
		h.publish(events.TaskFailed, events.TaskEvent{Task: name, RequestID: requestID, Code: protocol.CodeTaskFailed, DurationMs: elapsed.Milliseconds()})
		return protocol.Failure(protocol.CodeTaskFailed, "task result could not be encoded")
	}

	logger.Info("task succeeded", "duration_ms", elapsed.Milliseconds())
	h.publish(events.TaskSucceeded, events.TaskEvent{Task: name, RequestID: requestID, DurationMs: elapsed.Milliseconds()})
	return resp
}

// invoke calls the task's entry point, turning a panic into a task error.
func invoke(ctx context.Context, desc *task.Descriptor, args task.Args) (value any, panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value, panicked = nil, true
			err = task.Errorf(protocol.CodeTaskPanic, "task panicked: %v", rec)
		}
	}()
	value, err = desc.Handler(ctx, args)
	return value, false, err
}

// checkProvenance reports whether referer names this application.
func (h *Handler) checkProvenance(referer string) bool {
	if referer == "" {
		return false
	}

	if h.cfg.Provenance == ProvenanceSubstring {
		return strings.Contains(strings.ToLower(referer), strings.ToLower(h.base.String()))
	}

	u, err := url.Parse(referer)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, h.base.Scheme) ||
		!strings.EqualFold(u.Hostname(), h.base.Hostname()) ||
		effectivePort(u) != effectivePort(h.base) {
		return false
	}

	basePath := strings.ToLower(strings.TrimRight(h.base.Path, "/"))
	if basePath == "" {
		return true
	}
	path := strings.ToLower(u.Path)
	return path == basePath || strings.HasPrefix(path, basePath+"/")
}

// effectivePort returns the URL's port, or the scheme default when none is given.
func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// reject answers with a generic 403. The reason is logged, never returned.
func (h *Handler) reject(w http.ResponseWriter, requestID, name, reason string) {
	h.logger.Warn("run-task request rejected",
		"task", name,
		"reason", reason,
		"request_id", requestID,
	)
	h.publish(events.TaskRejected, events.TaskEvent{Task: name, RequestID: requestID, Reason: reason})
	h.respondJSON(w, http.StatusForbidden, protocol.Failure(protocol.CodeForbidden, "forbidden"))
}

func (h *Handler) publish(eventType string, ev events.TaskEvent) {
	if h.events != nil {
		h.events.Publish(eventType, ev)
	}
}

// respondJSON sends a JSON response.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode run-task response", "error", err)
	}
}

func requestIDFrom(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(middleware.RequestIDHeader)
}
