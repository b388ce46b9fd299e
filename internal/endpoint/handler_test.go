package endpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/loopback/internal/events"
	"github.com/mattjoyce/loopback/internal/nonce"
	"github.com/mattjoyce/loopback/internal/protocol"
	"github.com/mattjoyce/loopback/internal/task"
)

const baseURL = "https://app.example.com"

type fixture struct {
	handler *Handler
	signer  *nonce.Signer
	tasks   *task.Registry
	hub     *events.Hub
	calls   atomic.Int32
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{tasks: task.NewRegistry(), hub: events.NewHub(32)}

	signer, err := nonce.NewSigner([]byte("endpoint-test-secret"))
	require.NoError(t, err)
	f.signer = signer

	f.tasks.MustRegister(task.Descriptor{
		Name:    "echo",
		MaxArgs: task.Variadic,
		Handler: func(_ context.Context, args task.Args) (any, error) {
			f.calls.Add(1)
			return args, nil
		},
	})
	f.tasks.MustRegister(task.Descriptor{
		Name:    "fail",
		MaxArgs: task.Variadic,
		Handler: func(context.Context, task.Args) (any, error) {
			f.calls.Add(1)
			return nil, task.Errorf("quota_exceeded", "limit reached")
		},
	})
	f.tasks.MustRegister(task.Descriptor{
		Name:    "uncoded",
		Handler: func(context.Context, task.Args) (any, error) {
			f.calls.Add(1)
			return nil, &task.Error{Message: "no code given"}
		},
	})
	f.tasks.MustRegister(task.Descriptor{
		Name:    "reserved",
		Handler: func(context.Context, task.Args) (any, error) {
			f.calls.Add(1)
			return nil, task.Errorf(protocol.CodeInvalidCallback, "pretending")
		},
	})
	f.tasks.MustRegister(task.Descriptor{
		Name:    "panics",
		Handler: func(context.Context, task.Args) (any, error) {
			f.calls.Add(1)
			panic("boom")
		},
	})
	f.tasks.MustRegister(task.Descriptor{
		Name:    "unencodable",
		Handler: func(context.Context, task.Args) (any, error) {
			f.calls.Add(1)
			return make(chan int), nil
		},
	})

	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h, err := New(cfg, signer, f.tasks, f.hub, logger)
	require.NoError(t, err)
	f.handler = h
	return f
}

// envelope builds a correctly signed request body.
func (f *fixture) envelope(t *testing.T, class string, args ...any) url.Values {
	t.Helper()
	data, err := protocol.EncodeArgs(args)
	require.NoError(t, err)
	raw, err := protocol.DecodeArgs(data)
	require.NoError(t, err)
	canonical, err := protocol.Canonical(raw)
	require.NoError(t, err)
	return (&protocol.Request{Class: class, Data: data, Nonce: f.signer.Create(class, canonical)}).Form()
}

func post(h http.Handler, form url.Values, referer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, protocol.DefaultPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestNew_Validation(t *testing.T) {
	signer, err := nonce.NewSigner([]byte("k"))
	require.NoError(t, err)
	reg := task.NewRegistry()

	_, err = New(Config{BaseURL: baseURL}, nil, reg, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: baseURL}, signer, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "/relative"}, signer, reg, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: baseURL, Provenance: "fuzzy"}, signer, reg, nil, nil)
	assert.Error(t, err)

	h, err := New(Config{BaseURL: baseURL}, signer, reg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultPath, h.Path())
	assert.Equal(t, ProvenanceExact, h.cfg.Provenance)
	assert.Equal(t, int64(DefaultMaxBodySize), h.cfg.MaxBodySize)
}

func TestHandle_Success(t *testing.T) {
	f := newFixture(t, Config{})

	rec := post(f.handler, f.envelope(t, "echo", 1, "two", map[string]int{"k": 3}), baseURL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode(t, rec)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `[1,"two",{"k":3}]`, string(resp.Data))
	assert.Equal(t, int32(1), f.calls.Load())

	counts := f.hub.Counts()
	assert.Equal(t, int64(1), counts[events.TaskStarted])
	assert.Equal(t, int64(1), counts[events.TaskSucceeded])
}

func TestHandle_TaskError(t *testing.T) {
	f := newFixture(t, Config{})

	rec := post(f.handler, f.envelope(t, "fail"), baseURL)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "quota_exceeded", resp.Code)
	assert.Equal(t, "limit reached", resp.Message)
	assert.Equal(t, int64(1), f.hub.Counts()[events.TaskFailed])
}

func TestHandle_TaskErrorCodes(t *testing.T) {
	tests := []struct {
		name        string
		class       string
		wantMessage string
	}{
		{"missing code", "uncoded", "no code given"},
		{"reserved code", "reserved", "pretending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})

			rec := post(f.handler, f.envelope(t, tt.class), baseURL)
			require.Equal(t, http.StatusOK, rec.Code)

			body := rec.Body.String()
			resp, err := protocol.DecodeResponse(strings.NewReader(body))
			require.NoError(t, err, body)
			assert.False(t, resp.Success)
			assert.Equal(t, protocol.CodeTaskFailed, resp.Code)
			assert.Equal(t, tt.wantMessage, resp.Message)
		})
	}
}

func TestHandle_TaskPanicIsContained(t *testing.T) {
	f := newFixture(t, Config{})

	rec := post(f.handler, f.envelope(t, "panics"), baseURL)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTaskPanic, resp.Code)
}

func TestHandle_UnencodableResult(t *testing.T) {
	f := newFixture(t, Config{})

	resp := decode(t, post(f.handler, f.envelope(t, "unencodable"), baseURL))
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTaskFailed, resp.Code)
}

func TestHandle_ProvenanceGating(t *testing.T) {
	tests := []struct {
		name    string
		referer string
	}{
		{"missing referer", ""},
		{"other host", "https://evil.example.net/"},
		{"scheme mismatch", "http://app.example.com"},
		{"real url embedded elsewhere", "https://evil.example.net/?r=https://app.example.com"},
		{"host prefix attack", "https://app.example.com.evil.net/"},
		{"other port", "https://app.example.com:8443/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			rec := post(f.handler, f.envelope(t, "echo", "x"), tt.referer)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			resp := decode(t, rec)
			assert.Equal(t, protocol.CodeForbidden, resp.Code)
			assert.Equal(t, "forbidden", resp.Message)
			assert.Zero(t, f.calls.Load(), "task must not be invoked")
			assert.Equal(t, int64(1), f.hub.Counts()[events.TaskRejected])
		})
	}
}

func TestHandle_ProvenanceRejectedBeforeTokenCheck(t *testing.T) {
	f := newFixture(t, Config{})
	ch, cancel := f.hub.Subscribe()
	defer cancel()

	form := f.envelope(t, "echo")
	form.Set(protocol.FieldNonce, "0000000000")
	post(f.handler, form, "https://evil.example.net")

	ev := <-ch
	var payload events.TaskEvent
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, events.TaskRejected, ev.Type)
	assert.Equal(t, "provenance", payload.Reason)
}

func TestHandle_ProvenanceAccepted(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		referer string
	}{
		{"exact", baseURL, baseURL},
		{"case-insensitive host", baseURL, "HTTPS://App.Example.COM"},
		{"trailing path", baseURL, baseURL + "/wp-admin/post.php"},
		{"base path", "https://example.com/site", "https://example.com/site/page"},
		{"explicit default port", baseURL, "https://app.example.com:443/page"},
		{"default port on base", "https://app.example.com:443", baseURL + "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{BaseURL: tt.base})
			rec := post(f.handler, f.envelope(t, "echo"), tt.referer)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, int32(1), f.calls.Load())
		})
	}
}

func TestHandle_BasePathBoundary(t *testing.T) {
	f := newFixture(t, Config{BaseURL: "https://example.com/site"})
	rec := post(f.handler, f.envelope(t, "echo"), "https://example.com/site-other/")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.calls.Load())
}

func TestHandle_SubstringProvenance(t *testing.T) {
	f := newFixture(t, Config{Provenance: ProvenanceSubstring})

	rec := post(f.handler, f.envelope(t, "echo"), "https://evil.example.net/?r=HTTPS://APP.EXAMPLE.COM")
	assert.Equal(t, http.StatusOK, rec.Code, "substring mode accepts an embedded base URL")

	rec = post(f.handler, f.envelope(t, "echo"), "https://evil.example.net/")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandle_UnknownTask(t *testing.T) {
	f := newFixture(t, Config{})

	form := f.envelope(t, "echo")
	form.Set(protocol.FieldClass, "NotARegisteredTask")
	rec := post(f.handler, form, baseURL)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "forbidden", resp.Message, "unknown task must look like any other rejection")
	assert.Zero(t, f.calls.Load())
}

func TestHandle_TokenMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v url.Values)
	}{
		{"wrong token", func(v url.Values) { v.Set(protocol.FieldNonce, "0123456789") }},
		{"missing token", func(v url.Values) { v.Del(protocol.FieldNonce) }},
		{"tampered args", func(v url.Values) { v.Set(protocol.FieldData, `["y"]`) }},
		{"reordered args", func(v url.Values) { v.Set(protocol.FieldData, `[2,"x"]`) }},
		{"token for another task", func(v url.Values) { v.Set(protocol.FieldClass, "fail") }},
		{"args not an array", func(v url.Values) { v.Set(protocol.FieldData, `{"a":1}`) }},
		{"missing class", func(v url.Values) { v.Del(protocol.FieldClass) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			form := f.envelope(t, "echo", "x", 2)
			tt.mutate(form)

			rec := post(f.handler, form, baseURL)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Zero(t, f.calls.Load())
		})
	}
}

func TestHandle_WhitespaceInArgsStillVerifies(t *testing.T) {
	f := newFixture(t, Config{})
	form := f.envelope(t, "echo", 1, "two")
	form.Set(protocol.FieldData, `[ 1 , "two" ]`)

	rec := post(f.handler, form, baseURL)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandle_InvalidCallbackRecheck(t *testing.T) {
	f := newFixture(t, Config{})
	f.tasks.MustRegister(task.Descriptor{
		Name:    "pair",
		MinArgs: 2,
		MaxArgs: 2,
		Handler: func(context.Context, task.Args) (any, error) {
			f.calls.Add(1)
			return nil, nil
		},
	})

	// Signed correctly, but with an argument count the kind does not accept.
	rec := post(f.handler, f.envelope(t, "pair", 1), baseURL)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeInvalidCallback, resp.Code)
	assert.Zero(t, f.calls.Load())
}

// vanishingResolver finds the kind during verification but not at invocation.
type vanishingResolver struct {
	*task.Registry
}

func (v vanishingResolver) Resolve(name string, _ int) (*task.Descriptor, error) {
	return nil, task.ErrUnknownKind
}

func TestHandle_KindRemovedBeforeInvocation(t *testing.T) {
	f := newFixture(t, Config{})
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h, err := New(Config{BaseURL: baseURL}, f.signer, vanishingResolver{f.tasks}, nil, logger)
	require.NoError(t, err)

	rec := post(h, f.envelope(t, "echo"), baseURL)
	resp := decode(t, rec)
	assert.Equal(t, protocol.CodeInvalidCallback, resp.Code)
	assert.Zero(t, f.calls.Load())
}

func TestHandle_BodyTooLarge(t *testing.T) {
	f := newFixture(t, Config{MaxBodySize: 64})

	form := f.envelope(t, "echo", strings.Repeat("a", 256))
	rec := post(f.handler, form, baseURL)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.calls.Load())
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, Config{})
	req := httptest.NewRequest(http.MethodGet, protocol.DefaultPath, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandle_QueryStringIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	form := f.envelope(t, "echo")

	req := httptest.NewRequest(http.MethodPost, protocol.DefaultPath+"?"+form.Encode(), strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", baseURL)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.calls.Load())
}

func TestRegister(t *testing.T) {
	f := newFixture(t, Config{Path: "/hooks/run"})
	r := chi.NewRouter()
	f.handler.Register(r)

	rec := post(r, f.envelope(t, "echo"), baseURL)
	assert.Equal(t, http.StatusNotFound, rec.Code, "default path is not mounted")

	req := httptest.NewRequest(http.MethodPost, "/hooks/run", strings.NewReader(f.envelope(t, "echo").Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", baseURL)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
