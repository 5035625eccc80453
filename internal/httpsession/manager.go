// Package httpsession implements the HTTP Session Manager: per-session
// subprocess isolation for multi-tenant HTTP transport, including the
// SSE/init/roots handshake that binds each session's sandbox scope.
package httpsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahma-mcp/ahma/internal/envconfig"
	"github.com/ahma-mcp/ahma/internal/metrics"
	"github.com/ahma-mcp/ahma/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

var tracer = observability.GetTracer("ahma.httpsession")

const sessionHeader = "Mcp-Session-Id"

// SpawnFunc builds the *exec.Cmd for a new session's subprocess. Injected
// so tests can substitute a stub binary.
type SpawnFunc func(ctx context.Context) *exec.Cmd

// Options configures a new Manager.
type Options struct {
	Spawn            SpawnFunc
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	ToolCallTimeout  time.Duration
	// Metrics is optional; a nil value disables HTTP instrumentation (its
	// methods all tolerate a nil receiver).
	Metrics *metrics.Metrics
}

// Manager owns the set of live sessions and the chi router handling
// /health, /mcp (POST), and /mcp (GET, SSE).
type Manager struct {
	spawn  SpawnFunc
	logger *slog.Logger

	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	toolCallTimeout  time.Duration
	metrics          *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	router chi.Router
}

// New constructs a Manager and wires its routes.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		spawn:            opts.Spawn,
		logger:           logger,
		handshakeTimeout: nonZero(opts.HandshakeTimeout, envconfig.HandshakeTimeout()),
		requestTimeout:   nonZero(opts.RequestTimeout, envconfig.HTTPBridgeRequestTimeout()),
		toolCallTimeout:  nonZero(opts.ToolCallTimeout, envconfig.HTTPBridgeToolCallTimeout()),
		metrics:          opts.Metrics,
		sessions:         make(map[string]*Session),
	}
	m.router = m.buildRouter()
	go m.sweepHandshakeDeadlines()
	return m
}

func nonZero(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// Router returns the HTTP handler serving /health, /mcp.
func (m *Manager) Router() http.Handler { return m.router }

func (m *Manager) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(m.metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/mcp", m.handlePost)
	r.Get("/mcp", m.handleSSE)
	return r
}

func (m *Manager) getSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) dropSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) sweepHandshakeDeadlines() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.RLock()
		var stale []*Session
		for _, s := range m.sessions {
			if !s.IsLocked() && !s.IsTerminated() && time.Since(s.CreatedAt()) > m.handshakeTimeout {
				stale = append(stale, s)
			}
		}
		m.mu.RUnlock()
		for _, s := range stale {
			s.terminate("handshake timed out")
		}
	}
}

type rpcBody struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (m *Manager) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var msg rpcBody
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid JSON-RPC body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionHeader)

	if sessionID == "" {
		if msg.Method != "initialize" {
			http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		m.handleInitialize(w, r.Context(), msg)
		return
	}

	sess, ok := m.getSession(sessionID)
	if !ok || sess.IsTerminated() {
		http.Error(w, "unknown or terminated session", http.StatusForbidden)
		return
	}

	if msg.Method == "" {
		// A response to a server-initiated request — in this design the
		// only one the subprocess ever sends outward is roots/list.
		if !sess.hasPendingClientRequest(msg.ID) {
			http.Error(w, "no matching server-initiated request", http.StatusBadRequest)
			return
		}
		m.completeRootsHandshake(sess, msg)
		if !sess.resolveClientResponse(msg.ID, body) {
			http.Error(w, "no matching server-initiated request", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	m.routeClientMethod(r.Context(), w, sess, msg)
}

func (m *Manager) handleInitialize(w http.ResponseWriter, ctx context.Context, msg rpcBody) {
	cmd := m.spawn(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		http.Error(w, "failed to spawn session", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		http.Error(w, "failed to spawn session", http.StatusInternalServerError)
		return
	}
	cmd.Env = envconfig.StripTestEnv(os.Environ())
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		http.Error(w, "failed to start session subprocess", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	sess := newSession(id, cmd, stdin, stdout, m.handshakeTimeout, m.logger)
	sess.onTerminated = func(reason string) { m.dropSession(id) }

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	env, err := sess.forwardRawRequest(msg.ID, msg.Method, msg.Params, m.requestTimeout)
	if err != nil {
		sess.terminate("initialize failed: " + err.Error())
		http.Error(w, "initialize request failed", http.StatusGatewayTimeout)
		return
	}

	w.Header().Set(sessionHeader, id)
	w.Header().Set("Content-Type", "application/json")
	writeEnvelope(w, msg.ID, env)
}

func (m *Manager) routeClientMethod(ctx context.Context, w http.ResponseWriter, sess *Session, msg rpcBody) {
	switch msg.Method {
	case "notifications/initialized":
		if triggered := sess.hs.apply(eventInitialized); triggered {
			_ = sess.sendNotification("notifications/roots/list_changed", nil)
		}
		w.WriteHeader(http.StatusAccepted)
		return

	case "notifications/roots/list_changed":
		if sess.IsLocked() {
			sess.terminate("roots change not allowed after sandbox lock")
			http.Error(w, "Session terminated: roots change not allowed after sandbox lock", http.StatusForbidden)
			return
		}
		m.logger.Warn("httpsession: roots/list_changed received before sandbox lock", "session", sess.ID)
		w.WriteHeader(http.StatusAccepted)
		return

	case "notifications/cancelled":
		_ = sess.sendNotification(msg.Method, msg.Params)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	timeout := m.requestTimeout
	if msg.Method == "tools/call" {
		timeout = m.toolCallTimeout
	}

	if len(msg.ID) == 0 {
		_ = sess.sendNotification(msg.Method, msg.Params)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	_, span := tracer.Start(ctx, observability.SpanSessionRoute, trace.WithAttributes(
		attribute.String(observability.AttrSessionID, sess.ID),
		attribute.String(observability.AttrRPCMethod, msg.Method),
	))
	defer span.End()

	env, err := sess.forwardRawRequest(msg.ID, msg.Method, msg.Params, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, fmt.Sprintf("subprocess request timed out: %v", err), http.StatusGatewayTimeout)
		return
	}
	span.SetStatus(codes.Ok, "")
	w.Header().Set("Content-Type", "application/json")
	writeEnvelope(w, msg.ID, env)
}

func writeEnvelope(w http.ResponseWriter, id json.RawMessage, env envelope) {
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(id)}
	if len(env.Error) > 0 {
		resp["error"] = json.RawMessage(env.Error)
	} else {
		resp["result"] = json.RawMessage(env.Result)
	}
	b, _ := json.Marshal(resp)
	_, _ = w.Write(b)
}

func (m *Manager) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	sess, ok := m.getSession(sessionID)
	if !ok || sess.IsTerminated() {
		http.Error(w, "unknown or terminated session", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if triggered := sess.hs.apply(eventSSEOpen); triggered {
		_ = sess.sendNotification("notifications/roots/list_changed", nil)
	}

	events, unsubscribe := sess.subscribe()
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type rootsListResult struct {
	Roots []struct {
		URI string `json:"uri"`
	} `json:"roots"`
}

// completeRootsHandshake parses the client's roots/list response, binds the
// session's sandbox scope, and advances RootsRequested -> Complete. An
// empty or all-malformed roots reply is a fatal handshake error: the
// session is terminated rather than silently over-permitted.
func (m *Manager) completeRootsHandshake(sess *Session, msg rpcBody) {
	if len(msg.Result) == 0 {
		sess.terminate("roots/list response carried no result")
		return
	}
	var result rootsListResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		sess.terminate("roots/list response was malformed: " + err.Error())
		return
	}
	uris := make([]string, 0, len(result.Roots))
	for _, r := range result.Roots {
		uris = append(uris, r.URI)
	}
	scopes := ParseRoots(uris)
	if !sess.bindSandbox(scopes) {
		sess.terminate("roots/list returned no valid absolute file:// paths")
		return
	}
	sess.hs.completeRoots()
}
