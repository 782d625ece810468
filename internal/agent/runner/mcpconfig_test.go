package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteMCPConfig(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteMCPConfig(dir, "loomd", []string{"mcp-serve"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != filepath.Join(dir, ".loom-mcp.json") {
		t.Fatalf("unexpected path: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}

	var cfg mcpConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to unmarshal config: %v", err)
	}

	entry, ok := cfg.MCPServers["loom"]
	if !ok {
		t.Fatal("expected a loom mcp server entry")
	}
	if entry.Command != "loomd" || len(entry.Args) != 1 || entry.Args[0] != "mcp-serve" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Fatalf("unexpected file mode: %v", info.Mode().Perm())
	}
}
