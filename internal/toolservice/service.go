// Package toolservice implements the Protocol server handlers: tools/list,
// tools/call, initialize/initialized, roots handshake, and the built-in
// await/status/cancel meta-tools.
package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/catalog"
	"github.com/ahma-mcp/ahma/internal/exec"
	"github.com/ahma-mcp/ahma/internal/observability"
	"github.com/ahma-mcp/ahma/internal/operation"
	"github.com/ahma-mcp/ahma/internal/protocol"
)

const (
	serverName    = "ahma"
	serverVersion = "0.1.0"

	builtinAwait  = "await"
	builtinStatus = "status"
	builtinCancel = "cancel"

	defaultAwaitTimeout = 240 * time.Second
	awaitOperationCap   = 5 * time.Minute
)

var tracer = observability.GetTracer("ahma.toolservice")

// Peer is the subset of the connected transport's capabilities the Tool
// Service needs to drive the roots handshake and push notifications.
// Captured once on first connection (§5's "Peer handle" policy).
type Peer interface {
	RequestRoots(ctx context.Context) ([]string, error)
	Notify(method string, params interface{})
}

// Options configures a new Service.
type Options struct {
	Catalog      *catalog.Catalog
	Monitor      *operation.Monitor
	Adapter      *exec.Adapter
	Guidance     catalog.Guidance
	Logger       *slog.Logger
	DeferSandbox bool
	ForceSync    bool
	TestMode     bool
}

// Service is the Tool Service: catalog handle, operation monitor, execution
// adapter, guidance table, peer handle, and sandbox state, all scoped to one
// connected client (one per stdio process, one per HTTP session).
type Service struct {
	catalog  *catalog.Catalog
	monitor  *operation.Monitor
	adapter  *exec.Adapter
	guidance catalog.Guidance
	logger   *slog.Logger

	deferSandbox bool
	forceSync    bool
	testMode     bool

	peerMu sync.Mutex
	peer   Peer

	sandboxMu     sync.RWMutex
	sandboxScopes []string
	sandboxLocked atomic.Bool

	// recentOps tracks, per JSON-RPC request id string, the operation id
	// it produced — consulted by OnCancelled to map a cancelled request
	// back to the background operation it started.
	recentOpsMu sync.Mutex
	recentOps   map[string]string
}

// New constructs a Service. If opts.Guidance is nil an empty table is used.
func New(opts Options) *Service {
	guidance := opts.Guidance
	if guidance == nil {
		guidance = catalog.Guidance{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		catalog:      opts.Catalog,
		monitor:      opts.Monitor,
		adapter:      opts.Adapter,
		guidance:     guidance,
		logger:       logger,
		deferSandbox: opts.DeferSandbox,
		forceSync:    opts.ForceSync,
		testMode:     opts.TestMode,
		recentOps:    make(map[string]string),
	}
	s.catalog.SetReloadHook(s.onCatalogReload)
	return s
}

func (s *Service) onCatalogReload() {
	s.peerMu.Lock()
	peer := s.peer
	s.peerMu.Unlock()
	if peer != nil {
		peer.Notify("notifications/tools/list_changed", nil)
	}
}

// GetInfo returns the server's identity and declared capabilities.
func (s *Service) GetInfo() protocol.InitializeResult {
	return protocol.InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{ListChanged: true},
		},
		ServerInfo: protocol.ServerInfo{Name: serverName, Version: serverVersion},
	}
}

// OnInitialized caches the peer handle and, unless sandbox binding is
// deferred, immediately requests the client's workspace roots.
func (s *Service) OnInitialized(ctx context.Context, peer Peer) {
	s.capturePeer(peer)
	if s.deferSandbox {
		return
	}
	s.requestAndBindRoots(ctx, peer)
}

// OnRootsListChanged requests roots and binds the sandbox when binding was
// deferred (the HTTP Session Manager calls this once its own handshake
// reaches RootsRequested).
func (s *Service) OnRootsListChanged(ctx context.Context, peer Peer) {
	s.capturePeer(peer)
	if !s.deferSandbox {
		return
	}
	s.requestAndBindRoots(ctx, peer)
}

func (s *Service) capturePeer(peer Peer) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if s.peer == nil {
		s.peer = peer
	}
}

func (s *Service) requestAndBindRoots(ctx context.Context, peer Peer) {
	roots, err := peer.RequestRoots(ctx)
	if err != nil {
		s.logger.Error("roots request failed", "error", err)
		return
	}
	s.sandboxMu.Lock()
	s.sandboxScopes = roots
	s.sandboxMu.Unlock()
	s.sandboxLocked.Store(true)
}

// OnCancelled handles notifications/cancelled: if requestID maps to a
// background operation, cancel it; otherwise log and drop.
func (s *Service) OnCancelled(requestID, reason string) {
	s.recentOpsMu.Lock()
	opID, ok := s.recentOps[requestID]
	s.recentOpsMu.Unlock()
	if !ok {
		s.logger.Debug("cancelled notification for unknown request", "request_id", requestID)
		return
	}
	s.monitor.Cancel(opID, reason)
}

// pushProgress adapts an Execution Adapter progress callback into a
// notifications/progress push to the captured peer, if any is connected
// yet (stdio connects before the first call; HTTP sessions always have one
// by the time the sandbox unlocks and tools/call is reachable).
func (s *Service) pushProgress(update exec.ProgressUpdate) {
	s.peerMu.Lock()
	peer := s.peer
	s.peerMu.Unlock()
	if peer == nil {
		return
	}
	peer.Notify("notifications/progress", map[string]interface{}{
		"kind": update.Kind(),
		"data": update,
	})
}

func (s *Service) rememberOp(requestID, opID string) {
	if requestID == "" {
		return
	}
	s.recentOpsMu.Lock()
	s.recentOps[requestID] = opID
	s.recentOpsMu.Unlock()
}

// ListTools emits the three built-in descriptors plus one per enabled
// ToolConfig, schemas synthesized from the catalog.
func (s *Service) ListTools() protocol.ListToolsResult {
	tools := []protocol.Tool{
		{Name: builtinAwait, Description: "Wait for one or more background operations to finish.", InputSchema: awaitSchema},
		{Name: builtinStatus, Description: "Report active and completed background operations.", InputSchema: statusSchema},
		{Name: builtinCancel, Description: "Request cancellation of a background operation.", InputSchema: cancelSchema},
	}

	var disabled int
	for _, t := range s.catalog.All() {
		if !t.Enabled {
			disabled++
			continue
		}
		tools = append(tools, protocol.Tool{
			Name:        t.Name,
			Description: s.guidance.Prefix(t.GuidanceKey, t.Description),
			InputSchema: buildToolSchema(t),
		})
	}
	s.logger.Debug("list_tools", "enabled", len(tools)-3, "disabled", disabled)
	return protocol.ListToolsResult{Tools: tools}
}

// CallTool dispatches a tools/call request: built-ins first, then catalog
// lookup, sequence execution, subcommand resolution, sandbox gating,
// working-directory resolution, execution-mode priority, and finally
// invocation of the Execution Adapter.
func (s *Service) CallTool(ctx context.Context, requestID string, params protocol.CallToolParams) protocol.CallToolResult {
	var args map[string]interface{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	switch params.Name {
	case builtinAwait:
		return s.handleAwait(ctx, args)
	case builtinStatus:
		return s.handleStatus(args)
	case builtinCancel:
		return s.handleCancel(args)
	}

	tool, ok := s.catalog.Get(params.Name)
	if !ok {
		return protocol.ErrorResult(ahmaerr.Newf(ahmaerr.KindNotFound, "unknown tool %q", params.Name).Error())
	}
	if !tool.Enabled {
		return protocol.ErrorResult(ahmaerr.Newf(ahmaerr.KindDisabled, "tool %q is disabled", params.Name).Error())
	}

	ctx, span := tracer.Start(ctx, observability.SpanToolDispatch,
		trace.WithAttributes(attribute.String(observability.AttrToolName, tool.Name)))
	defer span.End()

	if len(tool.Sequence) > 0 {
		out, err := s.runSequence(ctx, tool, args)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return protocol.ErrorResult(err.Error())
		}
		span.SetStatus(codes.Ok, "")
		return protocol.TextResult(out)
	}

	leaf, chain, err := s.resolveSubcommand(tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.ErrorResult(err.Error())
	}

	if err := checkRequiredArgs(leaf, args); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.ErrorResult(err.Error())
	}

	if !s.testMode && !s.sandboxLocked.Load() {
		err := ahmaerr.New(ahmaerr.KindSandboxNotReady,
			"sandbox is not yet bound; retry after the workspace-roots handshake completes")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.ErrorResult(err.Error())
	}

	cwd := s.resolveWorkingDirectory(args)
	commandChain := buildCommandChain(tool, chain)
	synchronous := s.resolveExecutionMode(tool, leaf, args)
	timeout := resolveTimeout(tool, leaf)

	if synchronous {
		out, err := s.adapter.ExecuteSync(ctx, tool.Name, commandChain, leaf, args, cwd, timeout, tool.UsePool)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return protocol.ErrorResult(err.Error())
		}
		span.SetStatus(codes.Ok, "")
		return protocol.TextResult(out)
	}

	opID, err := s.adapter.ExecuteAsync(ctx, tool.Name, exec.AsyncOptions{
		Cwd:          cwd,
		Args:         args,
		CommandChain: commandChain,
		Leaf:         leaf,
		Timeout:      timeout,
		Description:  tool.Description,
		Progress:     s.pushProgress,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.ErrorResult(err.Error())
	}
	span.SetStatus(codes.Ok, "")
	s.rememberOp(requestID, opID)
	return protocol.TextResult(fmt.Sprintf(`{"operation_id":%q,"status":"started"}`, opID))
}

// checkRequiredArgs rejects a call missing a value for any option or
// positional arg the resolved leaf marks required, per spec §7's
// InvalidArgument-on-missing-required-arg rule.
func checkRequiredArgs(leaf *catalog.SubcommandConfig, args map[string]interface{}) error {
	for _, opt := range append(append([]catalog.OptionConfig{}, leaf.Options...), leaf.PositionalArgs...) {
		if !opt.Required {
			continue
		}
		val, ok := args[opt.Name]
		if !ok || val == nil {
			return ahmaerr.Newf(ahmaerr.KindInvalidArgument, "missing required argument %q", opt.Name)
		}
		if s, isStr := val.(string); isStr && s == "" {
			return ahmaerr.Newf(ahmaerr.KindInvalidArgument, "missing required argument %q", opt.Name)
		}
	}
	return nil
}

func (s *Service) resolveSubcommand(tool *catalog.ToolConfig, args map[string]interface{}) (*catalog.SubcommandConfig, []*catalog.SubcommandConfig, error) {
	if len(tool.Subcommand) == 0 {
		return &catalog.SubcommandConfig{Name: tool.Name, Enabled: true}, nil, nil
	}
	raw, ok := args["subcommand"]
	if !ok {
		return nil, nil, ahmaerr.Newf(ahmaerr.KindInvalidArgument, "tool %q requires a subcommand", tool.Name)
	}
	name, ok := raw.(string)
	if !ok || name == "" {
		return nil, nil, ahmaerr.Newf(ahmaerr.KindInvalidArgument, "tool %q requires a subcommand", tool.Name)
	}
	delete(args, "subcommand")
	leaf, chain, err := tool.ResolveChain(name)
	if err != nil {
		if names, ok := catalog.IsUnknownSubcommand(err); ok {
			return nil, nil, ahmaerr.Newf(ahmaerr.KindNotFound, "unknown subcommand %q for tool %q; available: %s",
				name, tool.Name, strings.Join(names, ", "))
		}
		return nil, nil, ahmaerr.Wrap(ahmaerr.KindInternal, "resolving subcommand", err)
	}
	return leaf, chain, nil
}

// buildCommandChain resolves the final argv prefix: the program (and any
// whitespace-separated seed args already baked into tool.Command) followed
// by each subcommand node's name. A node literally named "default" is the
// catalog's convention for a tool with no real subcommand surface (see the
// grep example in the tool-definition format) and contributes no token of
// its own.
func buildCommandChain(tool *catalog.ToolConfig, chain []*catalog.SubcommandConfig) []string {
	tokens := strings.Fields(tool.Command)
	for _, c := range chain {
		if c.Name == "default" {
			continue
		}
		tokens = append(tokens, c.Name)
	}
	return tokens
}

func (s *Service) resolveWorkingDirectory(args map[string]interface{}) string {
	if v, ok := args["working_directory"].(string); ok && v != "" {
		return v
	}
	s.sandboxMu.RLock()
	defer s.sandboxMu.RUnlock()
	if len(s.sandboxScopes) > 0 {
		return s.sandboxScopes[0]
	}
	return "."
}

// resolveExecutionMode applies the priority order from spec §4.3 step 7 and
// returns whether the call should run synchronously.
func (s *Service) resolveExecutionMode(tool *catalog.ToolConfig, leaf *catalog.SubcommandConfig, args map[string]interface{}) bool {
	if leaf != nil && leaf.Synchronous != nil {
		return *leaf.Synchronous
	}
	if tool.Synchronous != nil {
		return *tool.Synchronous
	}
	if s.forceSync {
		return true
	}
	if v, ok := args["execution_mode"].(string); ok {
		return v == "Synchronous"
	}
	return false
}

func resolveTimeout(tool *catalog.ToolConfig, leaf *catalog.SubcommandConfig) time.Duration {
	if leaf != nil && leaf.TimeoutSeconds != nil {
		return time.Duration(*leaf.TimeoutSeconds) * time.Second
	}
	if tool.TimeoutSeconds != nil {
		return time.Duration(*tool.TimeoutSeconds) * time.Second
	}
	return operation.DefaultTimeout
}
