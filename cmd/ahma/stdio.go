package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ahma-mcp/ahma/internal/httpsession"
	"github.com/ahma-mcp/ahma/internal/protocol"
	"github.com/ahma-mcp/ahma/internal/toolservice"
)

// rootsReply is what arrives on a pending roots/list channel: either a raw
// result or the error carried by a JSON-RPC error response.
type rootsReply struct {
	result json.RawMessage
	err    error
}

// stdioServer bridges stdin/stdout newline-delimited JSON-RPC to a
// toolservice.Service, playing both server (answering client requests) and
// peer (issuing its own roots/list request and notification pushes) roles
// over the same two streams — the stdio analogue of the HTTP Session
// Manager's bridging Session.
type stdioServer struct {
	svc    *toolservice.Service
	logger *slog.Logger

	out   io.Writer
	outMu sync.Mutex

	nextID    uint64
	pendingMu sync.Mutex
	pending   map[string]chan rootsReply
}

func newStdioServer(svc *toolservice.Service, out io.Writer, logger *slog.Logger) *stdioServer {
	return &stdioServer{
		svc:     svc,
		out:     out,
		logger:  logger,
		pending: make(map[string]chan rootsReply),
	}
}

func (s *stdioServer) writeLine(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("stdio: failed to marshal outbound message", "error", err)
		return
	}
	b = append(b, '\n')
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = s.out.Write(b)
}

// RequestRoots implements toolservice.Peer: issues a server-initiated
// roots/list request on stdout and blocks for the client's reply on stdin.
func (s *stdioServer) RequestRoots(ctx context.Context) ([]string, error) {
	s.pendingMu.Lock()
	s.nextID++
	id := fmt.Sprintf("ahma-%d", s.nextID)
	idJSON, _ := json.Marshal(id)
	// Keyed by the raw JSON id, which is what Run sees on the response.
	key := string(idJSON)
	ch := make(chan rootsReply, 1)
	s.pending[key] = ch
	s.pendingMu.Unlock()

	s.writeLine(map[string]interface{}{"jsonrpc": protocol.Version, "id": json.RawMessage(idJSON), "method": "roots/list"})

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		var result struct {
			Roots []struct {
				URI string `json:"uri"`
			} `json:"roots"`
		}
		if err := json.Unmarshal(reply.result, &result); err != nil {
			return nil, fmt.Errorf("stdio: malformed roots/list result: %w", err)
		}
		uris := make([]string, 0, len(result.Roots))
		for _, r := range result.Roots {
			uris = append(uris, r.URI)
		}
		return httpsession.ParseRoots(uris), nil

	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify implements toolservice.Peer: pushes a notification to the client.
func (s *stdioServer) Notify(method string, params interface{}) {
	s.writeLine(map[string]interface{}{"jsonrpc": protocol.Version, "method": method, "params": params})
}

// envelope is a loose peek at a line sufficient to route it without
// committing to Request vs Response vs Notification up front.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocol.Error `json:"error,omitempty"`
}

func (e envelope) isRequest() bool      { return e.Method != "" && len(e.ID) > 0 }
func (e envelope) isNotification() bool { return e.Method != "" && len(e.ID) == 0 }
func (e envelope) isResponse() bool     { return e.Method == "" && len(e.ID) > 0 }

// Run reads newline-delimited JSON-RPC from in until EOF, dispatching each
// request and notification on its own goroutine so a slow tools/call (or
// our own in-flight roots/list request) never blocks the read loop.
func (s *stdioServer) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("stdio: malformed line", "error", err)
			continue
		}

		switch {
		case env.isResponse():
			key := string(env.ID)
			s.pendingMu.Lock()
			ch, ok := s.pending[key]
			delete(s.pending, key)
			s.pendingMu.Unlock()
			if !ok {
				continue
			}
			if env.Error != nil {
				ch <- rootsReply{err: env.Error}
			} else {
				ch <- rootsReply{result: env.Result}
			}

		case env.isRequest():
			go s.handleRequest(ctx, env)

		case env.isNotification():
			go s.handleNotification(ctx, env)
		}
	}
	return scanner.Err()
}

func (s *stdioServer) handleRequest(ctx context.Context, env envelope) {
	switch env.Method {
	case "initialize":
		s.writeResult(env.ID, s.svc.GetInfo())

	case "tools/list":
		s.writeResult(env.ID, s.svc.ListTools())

	case "tools/call":
		var params protocol.CallToolParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			s.writeError(env.ID, protocol.CodeInvalidParams, "invalid params: "+err.Error())
			return
		}
		s.writeResult(env.ID, s.svc.CallTool(ctx, string(env.ID), params))

	default:
		s.writeError(env.ID, protocol.CodeMethodNotFound, fmt.Sprintf("method %q not found", env.Method))
	}
}

func (s *stdioServer) handleNotification(ctx context.Context, env envelope) {
	switch env.Method {
	case "notifications/initialized":
		s.svc.OnInitialized(ctx, s)

	case "notifications/roots/list_changed":
		s.svc.OnRootsListChanged(ctx, s)

	case "notifications/cancelled":
		var params protocol.CancelledParams
		if err := json.Unmarshal(env.Params, &params); err == nil {
			s.svc.OnCancelled(string(params.RequestID), params.Reason)
		}

	default:
		s.logger.Debug("stdio: unhandled notification", "method", env.Method)
	}
}

func (s *stdioServer) writeResult(id json.RawMessage, result interface{}) {
	b, err := json.Marshal(result)
	if err != nil {
		s.writeError(id, protocol.CodeInternalError, err.Error())
		return
	}
	s.writeLine(map[string]interface{}{"jsonrpc": protocol.Version, "id": json.RawMessage(id), "result": json.RawMessage(b)})
}

func (s *stdioServer) writeError(id json.RawMessage, code int, message string) {
	s.writeLine(protocol.NewError(id, code, message))
}
