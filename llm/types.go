package llm

import (
	"context"
	"strings"
)

// Role identifies the author of a message.
type Role string

// Role constants for Message.Role.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message is a single role-tagged turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Clone returns a copy of the conversation that shares no backing array
// with msgs.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Text joins the content of all messages, in order, separated by newlines.
func Text(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Params are the generation parameters of a request.
type Params struct {
	// Model is the remote model identifier. Empty means the client default.
	Model string `json:"model,omitempty"`

	// MaxOutputTokens caps the length of the generated reply.
	// Default (applied by the client): 1000
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`

	// Extra carries provider-specific parameters through unchanged.
	Extra map[string]any `json:"extra,omitempty"`
}

// Request is what a Completer receives for one remote invocation.
// It is built by the client and must not be modified by completers.
type Request struct {
	Model           string
	Messages        []Message
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
	Extra           map[string]any
}

// Usage reports token consumption of one completion, when the remote
// service provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the successful outcome of one remote invocation.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Completer performs exactly one remote generation call.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Complete must honor cancellation/deadlines.
// - Errors: HTTP-style failures should be reported as *StatusError so they
// can be classified; any other error is classified by inspection.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// CompleterFunc adapts an ordinary function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (Completion, error)

// Complete calls f(ctx, req).
func (f CompleterFunc) Complete(ctx context.Context, req Request) (Completion, error) {
	return f(ctx, req)
}

// Result is the outcome of a client call. Exactly one of Text (with a nil
// Failure) or Failure is meaningful.
type Result struct {
	Text     string   `json:"text,omitempty"`
	Model    string   `json:"model,omitempty"`
	Cached   bool     `json:"cached,omitempty"`
	Attempts int      `json:"attempts"`
	Failure  *Failure `json:"failure,omitempty"`
}

// OK reports whether the model produced text.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
