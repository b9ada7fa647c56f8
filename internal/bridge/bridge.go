// Package bridge exposes in-process tool-server definitions to agent
// runtimes over HTTP, implementing the MCP streamable HTTP transport at
// /mcp. Handlers always execute in the supervisor process; the bridge is a
// transport adapter only.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/logger"
)

// ProtocolVersion is the MCP protocol revision the bridge speaks.
const ProtocolVersion = "2024-11-05"

// ToolHandler executes one tool call. Arguments arrive after path
// translation; the returned value is serialized into the tool result.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one callable tool inside a server definition.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON-schema properties map; keys are argument names.
	InputSchema map[string]any
	Handler     ToolHandler
}

// ServerDefinition describes an in-process tool server.
type ServerDefinition struct {
	Name    string
	Version string
	Tools   []Tool
}

// Bridge serves one ServerDefinition over HTTP.
type Bridge struct {
	def    *ServerDefinition
	logger *logger.Logger
	// translate rewrites tool arguments before the handler runs
	// (container path translation). Nil means identity.
	translate func(args map[string]any) (map[string]any, error)

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	port     int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithArgTranslation installs an argument rewriter applied before every
// handler invocation. A returned error is reported to the caller as a
// failed tool result and the handler is not invoked.
func WithArgTranslation(fn func(args map[string]any) (map[string]any, error)) Option {
	return func(b *Bridge) { b.translate = fn }
}

// New creates a bridge for def.
func New(def *ServerDefinition, log *logger.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		def:    def,
		logger: log.WithFields(zap.String("component", "tool-bridge"), zap.String("server", def.Name)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start binds a random free port on all interfaces and begins serving /mcp.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return fmt.Errorf("bridge already started")
	}

	version := b.def.Version
	if version == "" {
		version = "1.0.0"
	}
	mcpServer := server.NewMCPServer(
		b.def.Name,
		version,
		server.WithToolCapabilities(false),
	)
	for _, tool := range b.def.Tools {
		mcpServer.AddTool(b.buildTool(tool), b.buildHandler(tool))
	}

	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("binding bridge port: %w", err)
	}
	b.listener = listener
	b.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	b.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := b.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error("bridge server error", zap.Error(err))
		}
	}()

	b.logger.Info("tool bridge listening", zap.Int("port", b.port))
	return nil
}

// Port returns the bound port. Only valid after Start.
func (b *Bridge) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// URL returns the bridge endpoint as seen from host, e.g.
// http://127.0.0.1:43112/mcp.
func (b *Bridge) URL(host string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/mcp", host, b.Port())
}

// Stop shuts the bridge down.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	srv := b.httpSrv
	b.httpSrv = nil
	b.listener = nil
	b.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (b *Bridge) buildTool(tool Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(tool.Description)}
	for name, schema := range tool.InputSchema {
		desc := ""
		if m, ok := schema.(map[string]any); ok {
			if d, ok := m["description"].(string); ok {
				desc = d
			}
		}
		opts = append(opts, mcp.WithString(name, mcp.Description(desc)))
	}
	return mcp.NewTool(tool.Name, opts...)
}

func (b *Bridge) buildHandler(tool Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		if b.translate != nil {
			translated, err := b.translate(args)
			if err != nil {
				b.logger.Warn("tool argument rejected",
					zap.String("tool", tool.Name), zap.Error(err))
				return mcp.NewToolResultError(err.Error()), nil
			}
			args = translated
		}

		result, err := tool.Handler(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%v", result)), nil
	}
}
