// Package runner issues single agent turns: it builds the system
// prompt, resolves tool policy, invokes the external assistant CLI as
// a subprocess, and folds its event stream into a TurnResult.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/agent/runner/eventstream"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/credentials"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// ToolCallObserved is one tool invocation the assistant made during a turn.
type ToolCallObserved struct {
	Name string
	Args string
}

// ToolResultObserved is one tool result fed back to the assistant during a turn.
type ToolResultObserved struct {
	Name    string
	Payload string
}

// TurnResult is what RunTurn returns for one agent turn.
type TurnResult struct {
	Text         string
	ToolCalls    []ToolCallObserved
	ToolResults  []ToolResultObserved
	TokensDelta  int64
	CostDeltaUSD float64
	Elapsed      time.Duration
	Err          error
	Cancelled    bool
}

// Invocation describes how to launch the external assistant CLI for
// one turn. The runner treats the CLI as an opaque collaborator: it
// only needs an executable and argv, not any vendor-specific protocol
// knowledge.
type Invocation struct {
	Command []string // argv[0] is the executable
	UserID  string
}

// Runner issues agent turns against one external assistant CLI.
type Runner struct {
	credentialsMgr *credentials.Manager
	logger         *logger.Logger

	// CancelGracePeriod is how long a cancelled turn's subprocess is
	// given to exit after an interrupt signal before it is killed.
	CancelGracePeriod time.Duration
}

// NewRunner creates a Runner.
func NewRunner(credentialsMgr *credentials.Manager, log *logger.Logger) *Runner {
	return &Runner{
		credentialsMgr:    credentialsMgr,
		logger:            log.WithFields(zap.String("component", "agent-runner")),
		CancelGracePeriod: 5 * time.Second,
	}
}

// RunTurn issues one agent turn per spec: build the prompt, resolve
// tool policy, invoke the CLI, stream and fold its output. onEvent, if
// non-nil, is called synchronously for every parsed event as it
// arrives, before it is folded into the returned TurnResult — callers
// that need to broadcast progress (block_started/agent_chunk/...) hook
// in here instead of waiting for the turn to finish.
func (r *Runner) RunTurn(ctx context.Context, agent types.Agent, inputText string, workspace *types.Workspace, invocation Invocation, workflowID string, requiredCredentialKeys []string, onEvent func(eventstream.Event)) *TurnResult {
	start := time.Now()

	toolsEnabled := ResolveToolPolicy(agent)
	systemPrompt := BuildSystemPrompt(agent, toolsEnabled, workflowID, workspace)

	var envVars []string
	if len(requiredCredentialKeys) > 0 {
		vars, err := r.credentialsMgr.BuildEnvVars(ctx, invocation.UserID, requiredCredentialKeys, nil)
		if err != nil {
			return &TurnResult{Err: loomerr.Wrap(loomerr.KindCredentialUnavailable, "credential resolution failed", err), Elapsed: time.Since(start)}
		}
		envVars = vars
	}

	if toolsEnabled && workspace != nil {
		if _, err := WriteMCPConfig(workspace.Path, "loomd", []string{"mcp-serve"}); err != nil {
			r.logger.Warn("failed to write mcp config", zap.Error(err))
		}
	}

	if len(invocation.Command) == 0 {
		return &TurnResult{Err: loomerr.New(loomerr.KindValidation, "invocation command is empty"), Elapsed: time.Since(start)}
	}

	// cmd is started without context-bound auto-kill: cancellation is
	// handled explicitly below so a cancelled turn gets an interrupt
	// and a grace period before being forcibly terminated, rather than
	// an immediate kill.
	cmd := exec.Command(invocation.Command[0], invocation.Command[1:]...)
	if workspace != nil {
		cmd.Dir = workspace.Path
	}
	cmd.Env = append(cmd.Env, envVars...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TurnResult{Err: fmt.Errorf("failed to open stdin: %w", err), Elapsed: time.Since(start)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TurnResult{Err: fmt.Errorf("failed to open stdout: %w", err), Elapsed: time.Since(start)}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &TurnResult{Err: loomerr.Wrap(loomerr.KindAgentFailed, "failed to start assistant CLI", err), Elapsed: time.Since(start)}
	}

	go func() {
		defer stdin.Close()
		if systemPrompt != "" {
			_, _ = io.WriteString(stdin, systemPrompt+"\n\n")
		}
		_, _ = io.WriteString(stdin, inputText)
	}()

	result := &TurnResult{ToolCalls: []ToolCallObserved{}, ToolResults: []ToolResultObserved{}}
	var textBuilder strings.Builder
	var lastStreamErr error

	parser := eventstream.NewParser(stdout)

	processDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			result.Cancelled = true
			r.interruptThenKill(cmd, processDone)
		case <-processDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			event, perr := parser.Next()
			if perr == io.EOF {
				return
			}
			if perr != nil {
				result.Err = perr
				return
			}

			if onEvent != nil {
				onEvent(*event)
			}

			switch event.Kind {
			case eventstream.KindText:
				textBuilder.WriteString(event.Text)
			case eventstream.KindToolCall:
				result.ToolCalls = append(result.ToolCalls, ToolCallObserved{Name: event.ToolName, Args: event.ToolArgs})
			case eventstream.KindToolResult:
				result.ToolResults = append(result.ToolResults, ToolResultObserved{Name: event.ToolResultName, Payload: event.ToolResultPayload})
			case eventstream.KindUsage:
				result.TokensDelta += event.TokensDelta
				result.CostDeltaUSD += event.CostDeltaUSD
			case eventstream.KindError:
				// A mid-stream error event is a warning, not terminal: the
				// turn only fails on this if no assistant text is ever
				// produced (checked once the stream ends).
				lastStreamErr = event.Err
			}
		}
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(processDone)
	result.Text = textBuilder.String()
	result.Elapsed = time.Since(start)

	if result.Cancelled {
		result.Err = loomerr.ErrCancelled
		return result
	}

	if waitErr != nil && result.Text == "" {
		tail := lastLines(stderr.String(), 20)
		result.Err = loomerr.Wrap(loomerr.KindAgentFailed, fmt.Sprintf("agent %s exited with error, stderr tail: %s", agent.Name, tail), waitErr)
		return result
	}

	if result.Text == "" && lastStreamErr != nil {
		result.Err = loomerr.Wrap(loomerr.KindAgentFailed, "malformed event stream produced no assistant text", lastStreamErr)
	}

	return result
}

// interruptThenKill sends SIGINT to the subprocess and waits the
// runner's grace period for it to exit on its own before forcibly
// killing it. done is closed once the subprocess has already exited,
// in which case no signal is sent.
func (r *Runner) interruptThenKill(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		r.logger.Warn("failed to send interrupt to agent subprocess", zap.Error(err))
	}

	select {
	case <-done:
		return
	case <-time.After(r.CancelGracePeriod):
		_ = cmd.Process.Kill()
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
