package runner

import (
	"strings"

	"github.com/loomctl/loom/pkg/types"
)

// toolIntentKeywords are scanned for in an agent's system prompt when
// UseTools is "auto", to infer whether the turn is likely to need
// tool access.
var toolIntentKeywords = []string{
	"file", "read", "write", "bash", "execute", "edit", "mcp",
}

// ResolveToolPolicy decides whether tools are enabled for this turn.
// An explicit Agent.UseTools setting always wins; "auto" falls back to
// a keyword scan of the system prompt.
func ResolveToolPolicy(agent types.Agent) bool {
	switch agent.UseTools {
	case types.ToolUseEnabled:
		return true
	case types.ToolUseDisabled:
		return false
	default:
		return scanForToolIntent(agent.SystemPrompt)
	}
}

func scanForToolIntent(systemPrompt string) bool {
	lower := strings.ToLower(systemPrompt)
	for _, kw := range toolIntentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
