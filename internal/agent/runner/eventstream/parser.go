package eventstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// mode is the CLI output format the parser locked onto after its
// first non-empty line. A single turn never switches modes mid-stream.
type mode int

const (
	modeUndetermined mode = iota
	modeJSON
	modeSentinel
)

// jsonChunk is the shape of one line in the CLI's structured
// stream-json output mode.
type jsonChunk struct {
	Type string `json:"type"`

	// text
	Text string `json:"text"`

	// tool_use
	ToolName string          `json:"tool_name"`
	ToolArgs json.RawMessage `json:"tool_args"`

	// tool_result
	ToolResultName    string `json:"tool_result_name"`
	ToolResultPayload string `json:"tool_result_payload"`

	// usage
	TokensDelta  int64   `json:"tokens_delta"`
	CostDeltaUSD float64 `json:"cost_delta_usd"`

	// error / system
	Message string `json:"message"`
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Sentinel markers the plain-text output mode emits at the start of a
// line, stripped of ANSI escape codes, to signal a non-text chunk.
const (
	sentinelToolCall   = "@@TOOL_CALL@@"
	sentinelToolResult = "@@TOOL_RESULT@@"
	sentinelUsage      = "@@USAGE@@"
	sentinelError      = "@@ERROR@@"
	sentinelSystem     = "@@SYSTEM@@"
)

// Parser is a state machine over a CLI turn's stdout, producing
// Events in arrival order. It handles both output modes the external
// assistant CLI may use without requiring the caller to know which one
// is in effect.
type Parser struct {
	scanner *bufio.Scanner
	mode    mode
}

// NewParser wraps r, sized for the occasionally large single-line JSON
// chunks the streaming protocol emits.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	return &Parser{scanner: scanner}
}

// Next returns the next parsed Event, or io.EOF once the underlying
// reader is exhausted. Lines that parse to nothing meaningful (blank
// lines, unrecognized JSON types) are skipped transparently.
func (p *Parser) Next() (*Event, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if p.mode == modeUndetermined {
			p.mode = detectMode(line)
		}

		var (
			event *Event
			err   error
		)
		if p.mode == modeJSON {
			event, err = parseJSONLine(line)
		} else {
			event, err = parseSentinelLine(line)
		}
		if err != nil {
			return &Event{Kind: KindError, Err: err}, nil
		}
		if event != nil {
			return event, nil
		}
	}

	if err := p.scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventstream: scan failed: %w", err)
	}
	return nil, io.EOF
}

func detectMode(firstLine string) mode {
	trimmed := strings.TrimSpace(ansiEscape.ReplaceAllString(firstLine, ""))
	if strings.HasPrefix(trimmed, "{") {
		return modeJSON
	}
	return modeSentinel
}

func parseJSONLine(line string) (*Event, error) {
	var chunk jsonChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		// Malformed JSON mid-stream is treated as stray plain text
		// rather than a fatal parse error, since assistant CLIs
		// occasionally interleave non-protocol diagnostics on stdout.
		return &Event{Kind: KindText, Text: line}, nil
	}

	switch chunk.Type {
	case "text", "assistant_text":
		return &Event{Kind: KindText, Text: chunk.Text}, nil
	case "tool_use", "tool_call":
		return &Event{Kind: KindToolCall, ToolName: chunk.ToolName, ToolArgs: string(chunk.ToolArgs)}, nil
	case "tool_result":
		return &Event{Kind: KindToolResult, ToolResultName: chunk.ToolResultName, ToolResultPayload: chunk.ToolResultPayload}, nil
	case "usage", "cost":
		return &Event{Kind: KindUsage, TokensDelta: chunk.TokensDelta, CostDeltaUSD: chunk.CostDeltaUSD}, nil
	case "error":
		return &Event{Kind: KindError, Err: fmt.Errorf("%s", chunk.Message)}, nil
	case "system":
		return &Event{Kind: KindSystemNote, Text: chunk.Message}, nil
	default:
		return nil, nil
	}
}

func parseSentinelLine(line string) (*Event, error) {
	clean := ansiEscape.ReplaceAllString(line, "")

	switch {
	case strings.HasPrefix(clean, sentinelToolCall):
		rest := strings.TrimSpace(strings.TrimPrefix(clean, sentinelToolCall))
		name, args := splitFirstToken(rest)
		return &Event{Kind: KindToolCall, ToolName: name, ToolArgs: args}, nil

	case strings.HasPrefix(clean, sentinelToolResult):
		rest := strings.TrimSpace(strings.TrimPrefix(clean, sentinelToolResult))
		name, payload := splitFirstToken(rest)
		return &Event{Kind: KindToolResult, ToolResultName: name, ToolResultPayload: payload}, nil

	case strings.HasPrefix(clean, sentinelUsage):
		rest := strings.TrimSpace(strings.TrimPrefix(clean, sentinelUsage))
		tokensStr, costStr := splitFirstToken(rest)
		tokens, _ := strconv.ParseInt(tokensStr, 10, 64)
		cost, _ := strconv.ParseFloat(strings.TrimSpace(costStr), 64)
		return &Event{Kind: KindUsage, TokensDelta: tokens, CostDeltaUSD: cost}, nil

	case strings.HasPrefix(clean, sentinelError):
		msg := strings.TrimSpace(strings.TrimPrefix(clean, sentinelError))
		return &Event{Kind: KindError, Err: fmt.Errorf("%s", msg)}, nil

	case strings.HasPrefix(clean, sentinelSystem):
		msg := strings.TrimSpace(strings.TrimPrefix(clean, sentinelSystem))
		return &Event{Kind: KindSystemNote, Text: msg}, nil

	default:
		return &Event{Kind: KindText, Text: clean}, nil
	}
}

func splitFirstToken(s string) (first, rest string) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}
