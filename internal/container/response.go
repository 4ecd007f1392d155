// ABOUTME: Agent structured-output contract and parsing
// ABOUTME: The final stdout line of a container run must be one AgentResponse JSON object

package container

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Output types an agent may emit.
const (
	OutputMessage = "message"
	OutputLog     = "log"
)

// AgentResponse is the structured result an agent writes as the last
// line of stdout before exiting.
type AgentResponse struct {
	OutputType   string `json:"outputType"`
	UserMessage  string `json:"userMessage,omitempty"`
	InternalLog  string `json:"internalLog,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
}

// ParseResponse extracts the AgentResponse from captured stdout.
// The agent may print arbitrary text first; only the last non-empty
// line is the contract. A missing or malformed line is a protocol
// violation, distinct from the agent's own logic failing.
func ParseResponse(output string) (*AgentResponse, error) {
	lines := strings.Split(output, "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			last = trimmed
			break
		}
	}
	if last == "" {
		return nil, fmt.Errorf("%w: empty output", ErrProtocol)
	}

	var resp AgentResponse
	if err := json.Unmarshal([]byte(last), &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding final output line: %v", ErrProtocol, err)
	}

	switch resp.OutputType {
	case OutputMessage, OutputLog:
	default:
		return nil, fmt.Errorf("%w: unknown outputType %q", ErrProtocol, resp.OutputType)
	}

	return &resp, nil
}
