package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/bridge"
	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/pkg/claudecode"
)

// DirectRuntime invokes the provider library in-process and re-yields each
// message it produces.
type DirectRuntime struct {
	logger *logger.Logger
	// binary overrides the provider executable; tests point it at a stub.
	binary string
}

// NewDirectRuntime creates a direct runtime.
func NewDirectRuntime(log *logger.Logger) *DirectRuntime {
	return &DirectRuntime{
		logger: log.WithFields(zap.String("runtime", "direct")),
	}
}

// Run implements Runtime.
func (r *DirectRuntime) Run(ctx context.Context, req Request) (*Stream, error) {
	opts, cleanup, err := buildProviderOptions(ctx, req, r.logger, r.binary)
	if err != nil {
		return nil, err
	}

	provider, err := claudecode.Query(ctx, req.Prompt, opts)
	if err != nil {
		cleanup()
		return nil, err
	}

	stream := NewStream(64)
	go func() {
		defer cleanup()
		defer stream.Close()

		for raw := range provider.Events() {
			for _, record := range TranslateProviderRecord(raw) {
				if !stream.Emit(ctx, record) {
					return
				}
			}
		}
		if err := provider.Err(); err != nil {
			stream.Fail(err)
		}
	}()
	return stream, nil
}

// PrepareProvider converts the agent record to the provider's option shape
// and starts an HTTP bridge for each injected tool server. bridgeHost is the
// hostname the provider reaches bridges through (loopback, or the host
// alias from inside containers). The returned server map is the provider's
// mcpServers config, left for the caller to place where the provider can
// read it; stop shuts the bridges down.
func PrepareProvider(ctx context.Context, req Request, log *logger.Logger, binary, bridgeHost string, bridgeOpts ...bridge.Option) (claudecode.Options, map[string]any, func(), error) {
	agent := req.Agent
	opts := claudecode.Options{
		Binary:          binary,
		Model:           agent.Model,
		PermissionMode:  agent.PermissionMode,
		AllowedTools:    append([]string(nil), agent.AllowedTools...),
		DisallowedTools: append([]string(nil), agent.DisallowedTools...),
		WorkingDir:      agent.WorkingDir,
		Resume:          req.ResumeSession,
		ForkSession:     req.Fork,
	}

	servers := make(map[string]any)
	for _, ts := range agent.ToolServers {
		switch ts.Type {
		case config.ToolServerProcess:
			servers[ts.Name] = map[string]any{
				"command": ts.Command,
				"args":    ts.Args,
				"env":     ts.Env,
			}
		case config.ToolServerHTTP:
			servers[ts.Name] = map[string]any{"type": "http", "url": ts.URL}
		}
	}

	var bridges []*bridge.Bridge
	stop := func() {
		for _, b := range bridges {
			_ = b.Stop(context.Background())
		}
	}
	for _, def := range req.InjectedServers {
		b := bridge.New(def, log, bridgeOpts...)
		if err := b.Start(ctx); err != nil {
			stop()
			return claudecode.Options{}, nil, nil, fmt.Errorf("starting tool bridge %s: %w", def.Name, err)
		}
		bridges = append(bridges, b)
		servers[def.Name] = map[string]any{"type": "http", "url": b.URL(bridgeHost)}
		// Injected tools are implicitly trusted.
		opts.AllowedTools = append(opts.AllowedTools, fmt.Sprintf("mcp__%s__*", def.Name))
	}
	return opts, servers, stop, nil
}

// buildProviderOptions is the host-process form of PrepareProvider: bridges
// on loopback, MCP config in a temp file removed by cleanup.
func buildProviderOptions(ctx context.Context, req Request, log *logger.Logger, binary string) (claudecode.Options, func(), error) {
	opts, servers, stop, err := PrepareProvider(ctx, req, log, binary, "127.0.0.1")
	if err != nil {
		return claudecode.Options{}, nil, err
	}
	cleanup := stop
	if len(servers) > 0 {
		path, err := WriteMCPConfigFile("", servers)
		if err != nil {
			stop()
			return claudecode.Options{}, nil, err
		}
		opts.MCPConfigPath = path
		cleanup = func() {
			stop()
			_ = os.Remove(path)
		}
	}
	return opts, cleanup, nil
}

// WriteMCPConfigFile writes the provider's mcpServers config into dir (the
// system temp dir when empty) and returns the file path.
func WriteMCPConfigFile(dir string, servers map[string]any) (string, error) {
	data, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "", fmt.Errorf("encoding mcp config: %w", err)
	}
	f, err := os.CreateTemp(dir, "herdctl-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return f.Name(), nil
}

// TranslateProviderRecord maps one provider stream-json record onto the
// generic record shapes the message processor understands. Unknown shapes
// pass through untouched; the processor classifies them.
func TranslateProviderRecord(raw any) []any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return []any{raw}
	}
	typ, _ := obj["type"].(string)

	switch typ {
	case claudecode.MessageTypeSystem:
		out := map[string]any{"type": "system"}
		if subtype, ok := obj["subtype"].(string); ok {
			out["subtype"] = subtype
		}
		if sid, ok := obj["session_id"].(string); ok {
			out["session_id"] = sid
		}
		if model, ok := obj["model"].(string); ok {
			out["content"] = fmt.Sprintf("session started (model %s)", model)
		}
		return []any{out}

	case claudecode.MessageTypeAssistant:
		return translateAssistant(obj)

	case "user":
		return translateToolResults(obj)

	case claudecode.MessageTypeResult:
		if isError, _ := obj["is_error"].(bool); isError {
			msg, _ := obj["result"].(string)
			if msg == "" {
				msg = "provider reported an error result"
			}
			return []any{map[string]any{"type": "error", "message": msg}}
		}
		var out []any
		if text, ok := obj["result"].(string); ok && text != "" {
			out = append(out, map[string]any{
				"type":    "assistant",
				"content": text,
				"partial": false,
			})
		}
		out = append(out, map[string]any{"type": "system", "subtype": "complete"})
		return out

	default:
		return []any{raw}
	}
}

// IsErrorRecord reports whether a translated record is an error record.
// Runtimes use it to suppress synthesized exit errors when the stream
// already carried a specific failure.
func IsErrorRecord(record any) bool {
	obj, ok := record.(map[string]any)
	if !ok {
		return false
	}
	typ, _ := obj["type"].(string)
	return typ == "error"
}

func translateAssistant(obj map[string]any) []any {
	msg, _ := obj["message"].(map[string]any)
	if msg == nil {
		return []any{obj}
	}
	blocks, _ := msg["content"].([]any)

	var texts []string
	var out []any
	for _, blk := range blocks {
		b, ok := blk.(map[string]any)
		if !ok {
			continue
		}
		switch b["type"] {
		case "text":
			if t, ok := b["text"].(string); ok {
				texts = append(texts, t)
			}
		case "tool_use":
			out = append(out, map[string]any{
				"type":        "tool_use",
				"tool_name":   b["name"],
				"tool_use_id": b["id"],
				"input":       b["input"],
			})
		}
	}
	if len(texts) > 0 {
		rec := map[string]any{
			"type":    "assistant",
			"content": strings.Join(texts, "\n"),
			"partial": false,
		}
		if usage, ok := msg["usage"]; ok {
			rec["usage"] = usage
		}
		out = append([]any{rec}, out...)
	}
	if len(out) == 0 {
		return []any{obj}
	}
	return out
}

func translateToolResults(obj map[string]any) []any {
	msg, _ := obj["message"].(map[string]any)
	if msg == nil {
		return nil
	}
	blocks, _ := msg["content"].([]any)
	var out []any
	for _, blk := range blocks {
		b, ok := blk.(map[string]any)
		if !ok || b["type"] != "tool_result" {
			continue
		}
		isErr, _ := b["is_error"].(bool)
		rec := map[string]any{
			"type":        "tool_result",
			"tool_use_id": b["tool_use_id"],
			"result":      b["content"],
			"success":     !isErr,
		}
		if isErr {
			rec["error"] = fmt.Sprintf("%v", b["content"])
		}
		out = append(out, rec)
	}
	return out
}

// ProviderSessionDir returns the provider config directory used for session
// logs, honoring the CLAUDE_CONFIG_DIR override.
func ProviderSessionDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}
