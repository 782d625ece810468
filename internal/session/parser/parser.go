// Package parser turns a long-lived interactive CLI session's raw PTY
// output into the structured InstanceLog events the Session Manager
// persists and broadcasts. It mirrors the Agent Runner's event
// stream parser in shape, but recognizes the session CLI's own output
// conventions: JSON lines classify straight into InstanceLog kinds,
// and plain text is scanned for the CLI's emoji tool-use sentinels
// instead of the runner's @@...@@ sentinel markers.
package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/loomctl/loom/pkg/types"
)

// Parsed is one classified chunk of session output, ready to become
// an InstanceLog row.
type Parsed struct {
	Kind         types.InstanceLogKind
	Payload      string
	ToolName     string
	TokensDelta  int64
	CostDeltaUSD float64
}

// maxToolResultPayload is the size threshold past which a tool_result
// payload is truncated in the emitted Parsed.Payload. Parsed carries
// only the truncated text, so the Session Manager persists and
// broadcasts the truncated payload; the full text is not kept.
const maxToolResultPayload = 4096

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

type mode int

const (
	modeUndetermined mode = iota
	modeJSON
	modePlainText
)

type jsonLine struct {
	Type string `json:"type"`

	Text string `json:"text"`

	ToolName string          `json:"tool_name"`
	ToolArgs json.RawMessage `json:"tool_args"`

	ToolResultName    string `json:"tool_result_name"`
	ToolResultPayload string `json:"tool_result_payload"`

	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheCreate  int64   `json:"cache_create_tokens"`
	CacheRead    int64   `json:"cache_read_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	Message string `json:"message"`
}

// Parser is a state machine over one session's PTY output, producing
// Parsed events line by line. The output mode (JSON or plain text) is
// detected from the first non-empty line and locked for the rest of
// the session, matching the Agent Runner's parser.
type Parser struct {
	scanner *bufio.Scanner
	mode    mode
}

// New wraps r (typically the PTY master's read side).
func New(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	return &Parser{scanner: scanner}
}

// Next returns the next Parsed event, or io.EOF once r is exhausted.
func (p *Parser) Next() (*Parsed, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if p.mode == modeUndetermined {
			p.mode = detectMode(line)
		}

		var (
			ev  *Parsed
			err error
		)
		if p.mode == modeJSON {
			ev, err = parseJSON(line)
		} else {
			ev, err = parsePlainText(line)
		}
		if err != nil {
			return &Parsed{Kind: types.LogError, Payload: err.Error()}, nil
		}
		if ev != nil {
			return truncateToolResult(ev), nil
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, fmt.Errorf("session parser: scan failed: %w", err)
	}
	return nil, io.EOF
}

func detectMode(firstLine string) mode {
	trimmed := strings.TrimSpace(ansiEscape.ReplaceAllString(firstLine, ""))
	if strings.HasPrefix(trimmed, "{") {
		return modeJSON
	}
	return modePlainText
}

func parseJSON(line string) (*Parsed, error) {
	var chunk jsonLine
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return &Parsed{Kind: types.LogStdout, Payload: line}, nil
	}

	switch chunk.Type {
	case "stdout", "text", "assistant_text":
		return &Parsed{Kind: types.LogStdout, Payload: chunk.Text}, nil
	case "tool_call", "tool_use":
		return &Parsed{Kind: types.LogToolCall, Payload: formatToolCall(chunk.ToolName, string(chunk.ToolArgs)), ToolName: chunk.ToolName}, nil
	case "tool_result":
		return &Parsed{Kind: types.LogToolResult, Payload: formatToolResult(chunk.ToolResultName, chunk.ToolResultPayload), ToolName: chunk.ToolResultName}, nil
	case "cost":
		tokens := chunk.InputTokens + chunk.OutputTokens + chunk.CacheCreate + chunk.CacheRead
		return &Parsed{Kind: types.LogCost, TokensDelta: tokens, CostDeltaUSD: chunk.CostUSD}, nil
	case "error":
		return &Parsed{Kind: types.LogError, Payload: chunk.Message}, nil
	case "system":
		return &Parsed{Kind: types.LogSystem, Payload: chunk.Message}, nil
	default:
		return nil, nil
	}
}

// Known tool-use sentinels the CLI's plain-text (profile) mode emits
// at the start of a line.
const (
	sentinelRunningCommand = "💻 Running"
	sentinelReading        = "📖 Reading"
	sentinelEdited         = "✏️ Edited"

	// toolNameRunningCommand etc. name the bare tool behind each plain-text
	// sentinel, so the per-tool counter keys on the tool alone rather than
	// the whole sentinel line (which varies per invocation).
	toolNameRunningCommand = "bash"
	toolNameReading        = "read"
	toolNameEdited         = "edit"
)

func parsePlainText(line string) (*Parsed, error) {
	clean := ansiEscape.ReplaceAllString(line, "")

	switch {
	case strings.HasPrefix(clean, sentinelRunningCommand):
		return &Parsed{Kind: types.LogToolCall, Payload: clean, ToolName: toolNameRunningCommand}, nil
	case strings.HasPrefix(clean, sentinelReading):
		return &Parsed{Kind: types.LogToolCall, Payload: clean, ToolName: toolNameReading}, nil
	case strings.HasPrefix(clean, sentinelEdited):
		return &Parsed{Kind: types.LogToolResult, Payload: clean, ToolName: toolNameEdited}, nil
	default:
		return &Parsed{Kind: types.LogStdout, Payload: clean}, nil
	}
}

func formatToolCall(name, args string) string {
	if args == "" {
		return name
	}
	return name + " " + args
}

func formatToolResult(name, payload string) string {
	if name == "" {
		return payload
	}
	return name + ": " + payload
}

// truncateToolResult caps an oversized tool_result payload, appending
// a marker with the original length. The bytes past the cap are
// discarded; InstanceLog stores the truncated text.
func truncateToolResult(ev *Parsed) *Parsed {
	if ev.Kind != types.LogToolResult || len(ev.Payload) <= maxToolResultPayload {
		return ev
	}
	truncated := *ev
	truncated.Payload = ev.Payload[:maxToolResultPayload] + fmt.Sprintf("... [truncated, %d bytes total]", len(ev.Payload))
	return &truncated
}
