package completion

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("completion provider returned an empty response")

// Role of a conversation message
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one line of conversation context
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Turn is a past user utterance and the agent's answer
type Turn struct {
	Utterance string
	Response  string
}

// Request carries the utterance to answer and its conversation context
type Request struct {
	SessionID       string
	Utterance       string
	PriorTranscript string // last finalized transcript of the session
	PriorResponse   string // last agent response of the session
	History         []Turn // oldest first
}

// Conversation flattens History, the prior exchange and the utterance into
// ordered messages ending with the user's utterance. The prior exchange is
// skipped when History already ends with it.
func (r Request) Conversation() []Message {
	msgs := make([]Message, 0, 2*len(r.History)+3)
	for _, t := range r.History {
		if t.Utterance != "" {
			msgs = append(msgs, Message{Role: RoleUser, Text: t.Utterance})
		}
		if t.Response != "" {
			msgs = append(msgs, Message{Role: RoleAgent, Text: t.Response})
		}
	}

	inHistory := false
	if n := len(r.History); n > 0 {
		last := r.History[n-1]
		inHistory = last.Response == r.PriorResponse && last.Utterance == r.PriorTranscript
	}
	if !inHistory {
		if r.PriorTranscript != "" {
			msgs = append(msgs, Message{Role: RoleUser, Text: r.PriorTranscript})
		}
		if r.PriorResponse != "" {
			msgs = append(msgs, Message{Role: RoleAgent, Text: r.PriorResponse})
		}
	}

	return append(msgs, Message{Role: RoleUser, Text: r.Utterance})
}

// Provider produces the agent's reply. Complete must return promptly with
// ctx.Err() once ctx is cancelled.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}
