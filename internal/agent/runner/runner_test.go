package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/credentials"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return NewRunner(credentials.NewManager(log), log)
}

func TestRunTurnParsesSentinelOutput(t *testing.T) {
	r := testRunner(t)
	agent := types.Agent{Name: "writer", SystemPrompt: "chat"}
	invocation := Invocation{Command: []string{"/bin/sh", "-c", `printf 'hello world\n@@USAGE@@ 10 0.02\n'`}}

	result := r.RunTurn(context.Background(), agent, "", nil, invocation, "wf-1", nil, nil)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !strings.Contains(result.Text, "hello world") {
		t.Fatalf("unexpected text: %q", result.Text)
	}
	if result.TokensDelta != 10 || result.CostDeltaUSD != 0.02 {
		t.Fatalf("unexpected usage: tokens=%d cost=%f", result.TokensDelta, result.CostDeltaUSD)
	}
}

func TestRunTurnDeliversSystemPromptOnStdin(t *testing.T) {
	r := testRunner(t)
	agent := types.Agent{Name: "greeter", SystemPrompt: "Reply with 'Hello, world!'"}
	invocation := Invocation{Command: []string{"/bin/sh", "-c", `cat`}}

	result := r.RunTurn(context.Background(), agent, "go", nil, invocation, "wf-1", nil, nil)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !strings.Contains(result.Text, agent.SystemPrompt) {
		t.Fatalf("expected system prompt to reach the subprocess, got %q", result.Text)
	}
	if !strings.Contains(result.Text, "go") {
		t.Fatalf("expected input text to reach the subprocess, got %q", result.Text)
	}
}

func TestRunTurnAgentFailedWithNoText(t *testing.T) {
	r := testRunner(t)
	agent := types.Agent{Name: "writer", SystemPrompt: "chat"}
	invocation := Invocation{Command: []string{"/bin/sh", "-c", `echo boom 1>&2; exit 1`}}

	result := r.RunTurn(context.Background(), agent, "", nil, invocation, "wf-1", nil, nil)
	if result.Err == nil {
		t.Fatal("expected an error")
	}
	if !loomerr.Is(result.Err, loomerr.KindAgentFailed) {
		t.Fatalf("expected AgentFailed, got %v", result.Err)
	}
}

func TestRunTurnCancellationKillsAfterGracePeriod(t *testing.T) {
	r := testRunner(t)
	r.CancelGracePeriod = 50 * time.Millisecond
	agent := types.Agent{Name: "writer", SystemPrompt: "chat"}
	invocation := Invocation{Command: []string{"/bin/sh", "-c", `trap '' INT; sleep 5`}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := r.RunTurn(ctx, agent, "", nil, invocation, "wf-1", nil, nil)
	elapsed := time.Since(start)

	if !result.Cancelled {
		t.Fatal("expected cancelled result")
	}
	if !loomerr.Is(result.Err, loomerr.KindCancelled) {
		t.Fatalf("expected Cancelled error, got %v", result.Err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("expected the subprocess to be killed promptly after the grace period, took %s", elapsed)
	}
}

func TestRunTurnRejectsEmptyInvocation(t *testing.T) {
	r := testRunner(t)
	agent := types.Agent{Name: "writer"}
	result := r.RunTurn(context.Background(), agent, "", nil, Invocation{}, "wf-1", nil, nil)
	if !loomerr.Is(result.Err, loomerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", result.Err)
	}
}
