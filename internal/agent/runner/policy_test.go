package runner

import (
	"testing"

	"github.com/loomctl/loom/pkg/types"
)

func TestResolveToolPolicyExplicit(t *testing.T) {
	if !ResolveToolPolicy(types.Agent{UseTools: types.ToolUseEnabled, SystemPrompt: "say hello"}) {
		t.Fatal("expected explicit enabled to win regardless of prompt content")
	}
	if ResolveToolPolicy(types.Agent{UseTools: types.ToolUseDisabled, SystemPrompt: "read the file and edit it"}) {
		t.Fatal("expected explicit disabled to win regardless of prompt content")
	}
}

func TestResolveToolPolicyAuto(t *testing.T) {
	cases := []struct {
		prompt string
		want   bool
	}{
		{"You are a friendly assistant who chats about recipes.", false},
		{"Read the file, then edit it as needed.", true},
		{"Execute the bash command and report output.", true},
		{"Connect to the mcp server for extra context.", true},
	}
	for _, c := range cases {
		got := ResolveToolPolicy(types.Agent{UseTools: types.ToolUseAuto, SystemPrompt: c.prompt})
		if got != c.want {
			t.Errorf("prompt %q: got %v, want %v", c.prompt, got, c.want)
		}
	}
}
