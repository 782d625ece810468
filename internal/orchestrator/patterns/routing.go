package patterns

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// routingDecision is the router agent's required JSON response shape.
type routingDecision struct {
	SelectedAgents []string `json:"selected_agents"`
	Reasoning      string   `json:"reasoning"`
}

const routingRetryPrefix = "your previous output did not parse; respond with only JSON matching this schema: " +
	`{"selected_agents": ["..."], "reasoning": "..."}` + "\n\n"

// routeDecision invokes the router agent, retrying once with a
// corrective prefix if its output doesn't parse as a routingDecision.
// A second malformed response surfaces as RoutingUndecided.
func routeDecision(ctx context.Context, router types.Agent, prompt string, invoke Invoker, workspaceFor WorkspaceFunc) (*routingDecision, []TurnRecord, error) {
	result, err := invoke(ctx, router, prompt, workspaceFor(router.Name))
	if err != nil {
		return nil, nil, err
	}
	turns := []TurnRecord{{AgentName: router.Name, Result: result}}

	if decision, ok := parseRoutingDecision(result.Text); ok {
		return decision, turns, nil
	}

	retryResult, err := invoke(ctx, router, routingRetryPrefix+prompt, workspaceFor(router.Name))
	if err != nil {
		return nil, turns, err
	}
	turns = append(turns, TurnRecord{AgentName: router.Name, Result: retryResult})

	decision, ok := parseRoutingDecision(retryResult.Text)
	if !ok {
		return nil, turns, loomerr.Wrap(loomerr.KindRoutingUndecided, "router did not return parseable JSON after one retry", loomerr.ErrRoutingUndecided)
	}
	return decision, turns, nil
}

// parseRoutingDecision tolerates a markdown code fence around the
// JSON body, since assistant CLIs commonly wrap structured output in
// one even when told not to.
func parseRoutingDecision(text string) (*routingDecision, bool) {
	candidate := strings.TrimSpace(text)
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}

	var decision routingDecision
	if err := json.Unmarshal([]byte(candidate), &decision); err != nil {
		return nil, false
	}
	if len(decision.SelectedAgents) == 0 {
		return nil, false
	}
	return &decision, true
}
