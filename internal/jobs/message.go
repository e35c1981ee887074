// Package jobs implements the clipping job pipeline: lifecycle messages
// published by workers, the job state store they are applied to, and the
// queue consumer that connects the two.
package jobs

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates the job lifecycle messages. The set is closed; the
// consumer drops anything else as malformed.
type MessageType string

const (
	MessageBegin    MessageType = "begin"
	MessageProgress MessageType = "progress"
	MessageError    MessageType = "error"
	MessageResult   MessageType = "result"
)

// Message is one job lifecycle event on the wire.
type Message struct {
	Type   MessageType `json:"type"`
	JobKey string      `json:"jobKey"`
	// Progress is a percentage in [0, 100], only meaningful for progress
	// messages.
	Progress float64 `json:"progress,omitempty"`
	// Error carries the failure description of error messages.
	Error string `json:"error,omitempty"`
	// Result carries the terminal payload of result messages.
	Result json.RawMessage `json:"result,omitempty"`
}

// ParseMessage decodes and validates a wire message.
func ParseMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode job message: %w", err)
	}
	switch m.Type {
	case MessageBegin, MessageProgress, MessageError, MessageResult:
	default:
		return nil, fmt.Errorf("unknown job message type %q", m.Type)
	}
	if m.JobKey == "" {
		return nil, fmt.Errorf("job message missing jobKey")
	}
	if m.Type == MessageProgress && (m.Progress < 0 || m.Progress > 100) {
		return nil, fmt.Errorf("progress %v out of range", m.Progress)
	}
	return &m, nil
}

// rank orders message types for consolidation: terminal outcomes beat state
// transitions beat progress updates.
func (t MessageType) rank() int {
	switch t {
	case MessageResult:
		return 3
	case MessageError:
		return 2
	case MessageBegin:
		return 1
	default:
		return 0
	}
}

// Consolidate reduces a batch to at most one message per job. A terminal
// result or error supersedes everything else for that job; begin supersedes
// progress but carries the batch's maximum percentage with it, so the single
// store write loses neither the transition nor the progress.
func Consolidate(msgs []Message) map[string]Message {
	out := make(map[string]Message, len(msgs))
	maxProgress := make(map[string]float64)
	for _, m := range msgs {
		if m.Type == MessageProgress && m.Progress > maxProgress[m.JobKey] {
			maxProgress[m.JobKey] = m.Progress
		}
		cur, ok := out[m.JobKey]
		if !ok || m.Type.rank() > cur.Type.rank() {
			out[m.JobKey] = m
		}
	}
	for key, m := range out {
		if (m.Type == MessageBegin || m.Type == MessageProgress) && maxProgress[key] > m.Progress {
			m.Progress = maxProgress[key]
			out[key] = m
		}
	}
	return out
}
