package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// mcpServerConfig is the shape of one entry in the assistant CLI's MCP
// config file: a local command the CLI spawns to speak the MCP
// protocol, here pointed at the control plane's own MCP endpoint
// rather than any particular vendor MCP server.
type mcpServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type mcpConfigFile struct {
	MCPServers map[string]mcpServerConfig `json:"mcpServers"`
}

// WriteMCPConfig writes the per-turn MCP config file inside the
// workspace that instructs the assistant CLI to connect to the
// control plane's MCP endpoint via a local command transport. The CLI
// itself is treated as an opaque collaborator: this writes only the
// side the control plane owns.
func WriteMCPConfig(workspacePath, controlPlaneCommand string, controlPlaneArgs []string) (string, error) {
	cfg := mcpConfigFile{
		MCPServers: map[string]mcpServerConfig{
			"loom": {
				Command: controlPlaneCommand,
				Args:    controlPlaneArgs,
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mcp config: %w", err)
	}

	path := filepath.Join(workspacePath, ".loom-mcp.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write mcp config: %w", err)
	}

	return path, nil
}
