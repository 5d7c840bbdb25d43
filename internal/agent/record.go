package agent

import (
	"encoding/json"
	"errors"
)

// Record types emitted by `codex exec --json`.
const (
	RecordThreadStarted = "thread.started"
	RecordItemCompleted = "item.completed"
	RecordTurnCompleted = "turn.completed"
)

// Item types carried by item.* records.
const (
	ItemAgentMessage     = "agent_message"
	ItemCommandExecution = "command_execution"
)

// Record is one line of agent output.
type Record struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Item     *Item  `json:"item,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
}

type Item struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`
	Status  string `json:"status,omitempty"`
}

type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	OutputTokens      int `json:"output_tokens"`
}

var errNotObject = errors.New("record is not a JSON object")

// ParseRecord decodes one output line. Anything but a JSON object is an error.
func ParseRecord(line string) (Record, error) {
	var rec Record
	if len(line) == 0 || line[0] != '{' {
		return rec, errNotObject
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
