package runtime

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteMCPConfigFile(t *testing.T) {
	servers := map[string]any{
		"tickets": map[string]any{"type": "http", "url": "http://127.0.0.1:9000/mcp"},
	}
	path, err := WriteMCPConfigFile(t.TempDir(), servers)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.Contains(t, cfg["mcpServers"], "tickets")
}

func TestTranslateProviderRecordSystemInit(t *testing.T) {
	out := TranslateProviderRecord(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": "sess-1",
		"model":      "sonnet",
	})
	require.Len(t, out, 1)

	rec := out[0].(map[string]any)
	require.Equal(t, "system", rec["type"])
	require.Equal(t, "init", rec["subtype"])
	require.Equal(t, "sess-1", rec["session_id"])
	require.Contains(t, rec["content"], "sonnet")
}

func TestTranslateProviderRecordAssistant(t *testing.T) {
	out := TranslateProviderRecord(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "working on it"},
				map[string]any{"type": "tool_use", "id": "tu-1", "name": "Bash", "input": map[string]any{"command": "ls"}},
			},
			"usage": map[string]any{"output_tokens": float64(5)},
		},
	})
	require.Len(t, out, 2)

	text := out[0].(map[string]any)
	require.Equal(t, "assistant", text["type"])
	require.Equal(t, "working on it", text["content"])
	require.NotNil(t, text["usage"])

	tool := out[1].(map[string]any)
	require.Equal(t, "tool_use", tool["type"])
	require.Equal(t, "Bash", tool["tool_name"])
	require.Equal(t, "tu-1", tool["tool_use_id"])
}

func TestTranslateProviderRecordToolResult(t *testing.T) {
	out := TranslateProviderRecord(map[string]any{
		"type": "user",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "tu-1", "content": "ok", "is_error": false},
				map[string]any{"type": "tool_result", "tool_use_id": "tu-2", "content": "denied", "is_error": true},
			},
		},
	})
	require.Len(t, out, 2)

	good := out[0].(map[string]any)
	require.Equal(t, true, good["success"])
	bad := out[1].(map[string]any)
	require.Equal(t, false, bad["success"])
	require.Equal(t, "denied", bad["error"])
}

func TestTranslateProviderRecordResult(t *testing.T) {
	out := TranslateProviderRecord(map[string]any{
		"type":   "result",
		"result": "All tests pass.",
	})
	require.Len(t, out, 2)
	require.Equal(t, "assistant", out[0].(map[string]any)["type"])
	require.Equal(t, "complete", out[1].(map[string]any)["subtype"])

	errOut := TranslateProviderRecord(map[string]any{
		"type":     "result",
		"is_error": true,
		"result":   "Session expired on server",
	})
	require.Len(t, errOut, 1)
	rec := errOut[0].(map[string]any)
	require.Equal(t, "error", rec["type"])
	require.Equal(t, "Session expired on server", rec["message"])
}

func TestTranslateProviderRecordPassThrough(t *testing.T) {
	require.Equal(t, []any{"plain line"}, TranslateProviderRecord("plain line"))

	unknown := map[string]any{"type": "stream_event", "data": 1}
	require.Equal(t, []any{unknown}, TranslateProviderRecord(unknown))
}

func TestProviderSessionDirHonorsOverride(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", "/opt/claude")
	require.Equal(t, "/opt/claude", ProviderSessionDir())
}
