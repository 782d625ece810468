package eventstream

import (
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, p *Parser) []*Event {
	t.Helper()
	var events []*Event
	for {
		event, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected parser error: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func TestParserJSONMode(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"text","text":"hello "}`,
		`{"type":"tool_use","tool_name":"read_file","tool_args":{"path":"a.go"}}`,
		`{"type":"tool_result","tool_result_name":"read_file","tool_result_payload":"package main"}`,
		`{"type":"usage","tokens_delta":42,"cost_delta_usd":0.01}`,
	}, "\n")

	events := drain(t, NewParser(strings.NewReader(input)))
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Kind != KindText || events[0].Text != "hello " {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != KindToolCall || events[1].ToolName != "read_file" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[2].Kind != KindToolResult || events[2].ToolResultPayload != "package main" {
		t.Fatalf("unexpected third event: %+v", events[2])
	}
	if events[3].Kind != KindUsage || events[3].TokensDelta != 42 {
		t.Fatalf("unexpected fourth event: %+v", events[3])
	}
}

func TestParserSentinelMode(t *testing.T) {
	input := strings.Join([]string{
		"hello from the assistant",
		"@@TOOL_CALL@@ read_file {\"path\":\"a.go\"}",
		"@@TOOL_RESULT@@ read_file package main",
		"@@USAGE@@ 42 0.01",
	}, "\n")

	events := drain(t, NewParser(strings.NewReader(input)))
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Kind != KindText {
		t.Fatalf("expected first line to be plain text, got %+v", events[0])
	}
	if events[1].Kind != KindToolCall || events[1].ToolName != "read_file" {
		t.Fatalf("unexpected tool call event: %+v", events[1])
	}
	if events[3].Kind != KindUsage || events[3].TokensDelta != 42 || events[3].CostDeltaUSD != 0.01 {
		t.Fatalf("unexpected usage event: %+v", events[3])
	}
}

func TestParserLocksModeOnFirstLine(t *testing.T) {
	// once sentinel mode is detected from the first non-empty line, a
	// later line that merely looks like JSON is still treated as plain
	// text rather than switching modes mid-stream.
	input := "plain text first\n{\"type\":\"text\",\"text\":\"looks like json\"}"
	events := drain(t, NewParser(strings.NewReader(input)))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Kind != KindText || !strings.Contains(events[1].Text, "{\"type\":\"text\"") {
		t.Fatalf("expected second line to remain plain text once sentinel mode locked, got %+v", events[1])
	}
}

func TestParserSkipsBlankLines(t *testing.T) {
	input := "\n\n@@SYSTEM@@ booted\n\n"
	events := drain(t, NewParser(strings.NewReader(input)))
	if len(events) != 1 {
		t.Fatalf("expected blank lines to be skipped, got %d events", len(events))
	}
	if events[0].Kind != KindSystemNote || events[0].Text != "booted" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}
