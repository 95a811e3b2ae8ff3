// Package protocol defines the wire contract between the router and the
// agent child process running inside a container.
//
// The agent consumes one JSON document on stdin and emits free-form text on
// stdout with exactly one payload block delimited by the two marker lines.
// stderr carries human-readable logs and STATUS: lines for the status relay.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is bumped when the stdin/stdout contract changes shape.
const ProtocolVersion = 1

// Stdout payload delimiters. Everything between the two marker lines is
// parsed as an AgentOutput document; everything outside is free text.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// Stderr line prefixes.
const (
	StatusPrefix = "STATUS:"
	LogPrefix    = "[agent-runner]"
)

// AgentInput is the single JSON document written to the agent's stdin.
type AgentInput struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// Output status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result output types.
const (
	OutputTypeMessage = "message"
	OutputTypeLog     = "log"
)

// AgentResult is the structured result inside a successful payload.
type AgentResult struct {
	OutputType  string `json:"outputType"`
	UserMessage string `json:"userMessage,omitempty"`
	InternalLog string `json:"internalLog,omitempty"`
}

// AgentOutput is the payload the agent emits between the output markers.
type AgentOutput struct {
	Status       string       `json:"status"`
	Result       *AgentResult `json:"result"`
	NewSessionID string       `json:"newSessionId,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ParseOutput decodes the text of a payload block (the content between the
// markers, markers excluded).
func ParseOutput(block string) (*AgentOutput, error) {
	var out AgentOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(block)), &out); err != nil {
		return nil, fmt.Errorf("parse agent output: %w", err)
	}
	if out.Status != StatusSuccess && out.Status != StatusError {
		return nil, fmt.Errorf("parse agent output: unknown status %q", out.Status)
	}
	return &out, nil
}

// OutputScanner accumulates stdout lines and captures the payload block.
// Feed it every line in order; after the end marker has been seen, Output
// returns the parsed payload. A second block overwrites the first, so a
// crash after emitting a valid payload still leaves the payload usable.
type OutputScanner struct {
	inBlock bool
	block   strings.Builder
	out     *AgentOutput
	err     error
}

// Line consumes one stdout line (without trailing newline). It reports
// whether the line was part of the payload machinery, so callers can decide
// whether to log it as free text.
func (s *OutputScanner) Line(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == OutputStartMarker:
		s.inBlock = true
		s.block.Reset()
		return true
	case trimmed == OutputEndMarker:
		if !s.inBlock {
			return false
		}
		s.inBlock = false
		s.out, s.err = ParseOutput(s.block.String())
		return true
	case s.inBlock:
		s.block.WriteString(line)
		s.block.WriteString("\n")
		return true
	}
	return false
}

// Output returns the last complete payload, or the parse error for a
// malformed block. Nil output with nil error means no block was seen.
func (s *OutputScanner) Output() (*AgentOutput, error) {
	return s.out, s.err
}
