package runner

import (
	"strings"
	"testing"

	"github.com/loomctl/loom/pkg/types"
)

func TestBuildSystemPromptNoTools(t *testing.T) {
	agent := types.Agent{SystemPrompt: "base prompt"}
	got := BuildSystemPrompt(agent, false, "wf-1", &types.Workspace{Path: "/tmp/x", Kind: types.WorkspaceIsolated})
	if got != "base prompt" {
		t.Fatalf("expected unmodified base prompt, got %q", got)
	}
}

func TestBuildSystemPromptSharedDoesNotMentionWorkspacePath(t *testing.T) {
	agent := types.Agent{SystemPrompt: "base prompt"}
	ws := &types.Workspace{Path: "/tmp/shared-1", Kind: types.WorkspaceShared}
	got := BuildSystemPrompt(agent, true, "wf-1", ws)

	if strings.Contains(got, "Do not pass workspace_path") == false {
		t.Fatal("expected shared-workspace instruction telling the assistant not to pass workspace_path")
	}
	if strings.Contains(got, ws.Path) {
		t.Fatal("shared workspace instruction must not leak workspace_path")
	}
}

func TestBuildSystemPromptIsolatedRequiresWorkspacePath(t *testing.T) {
	agent := types.Agent{SystemPrompt: "base prompt"}
	ws := &types.Workspace{Path: "/tmp/isolated-1", Kind: types.WorkspaceIsolated}
	got := BuildSystemPrompt(agent, true, "wf-1", ws)

	if !strings.Contains(got, ws.Path) {
		t.Fatal("isolated workspace instruction must include workspace_path")
	}
	if strings.Contains(got, "Do not pass workspace_path") {
		t.Fatal("isolated instruction must not also emit the shared-form instruction")
	}
}

func TestBuildSystemPromptNilWorkspace(t *testing.T) {
	agent := types.Agent{SystemPrompt: "base prompt"}
	got := BuildSystemPrompt(agent, true, "wf-1", nil)
	if got != "base prompt" {
		t.Fatal("expected no workspace instruction when workspace is nil")
	}
}
