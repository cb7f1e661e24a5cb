package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/observe"
	"github.com/jonwraymond/llmguard/tokens"
)

var (
	// ErrNilChatter is returned by New when no client is given.
	ErrNilChatter = errors.New("session: chatter is nil")

	// ErrPromptTooLarge is carried by the failure GenerateWithHistory
	// returns when a prompt cannot fit the budget beside the system
	// messages.
	ErrPromptTooLarge = errors.New("session: prompt exceeds history budget")
)

// Chatter is the part of a resilient client a Session needs.
// *client.Client satisfies it.
type Chatter interface {
	Chat(ctx context.Context, msgs []llm.Message, params llm.Params) llm.Result
	Generate(ctx context.Context, prompt string, params llm.Params) llm.Result
}

// Config configures a Session.
type Config struct {
	// ID identifies the session in a Store.
	// Default: a random UUID
	ID string

	// MaxHistoryTokens bounds the estimated size of the history.
	// Default: 4000
	MaxHistoryTokens int

	// SystemPrompt, if set, opens the history as a system message.
	SystemPrompt string

	// Params are sent with every call.
	Params llm.Params

	// Logger records fallbacks.
	// Default: no-op
	Logger observe.Logger
}

// Session is a conversation whose history is kept under a token budget.
//
// Contract:
//   - Concurrency: safe for concurrent use; turns from concurrent callers
//     interleave in call order.
//   - Budget: after every append the estimated history size is at most
//     MaxHistoryTokens, unless only system messages remain.
//   - Errors: GenerateWithHistory never returns an error; failures come back
//     in the llm.Result.
type Session struct {
	id     string
	chat   Chatter
	budget int
	params llm.Params
	logger observe.Logger

	mu      sync.Mutex
	history []llm.Message
}

// New creates a Session backed by c.
func New(c Chatter, config Config) (*Session, error) {
	if c == nil {
		return nil, ErrNilChatter
	}

	// Apply defaults
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.MaxHistoryTokens <= 0 {
		config.MaxHistoryTokens = 4000
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}

	s := &Session{
		id:     config.ID,
		chat:   c,
		budget: config.MaxHistoryTokens,
		params: config.Params,
		logger: config.Logger,
	}
	if config.SystemPrompt != "" {
		s.history = append(s.history, llm.System(config.SystemPrompt))
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Budget returns the history budget in tokens.
func (s *Session) Budget() int { return s.budget }

// Append adds msgs to the history and trims it back under budget.
func (s *Session) Append(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msgs...)
}

// Messages returns a copy of the history.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return llm.Clone(s.history)
}

// Size returns the estimated size of the history in tokens.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tokens.EstimateMessages(s.history)
}

// GenerateWithHistory sends prompt with the history. The reply is recorded
// only when the call succeeds. On failure the prompt is retried once with
// just the system messages, so one bad turn cannot wedge the conversation.
//
// A prompt that does not fit the budget next to the system messages is
// neither sent nor recorded; the result is a PayloadTooLarge failure
// wrapping ErrPromptTooLarge.
func (s *Session) GenerateWithHistory(ctx context.Context, prompt string) llm.Result {
	s.mu.Lock()
	room := s.budget - tokens.EstimateMessages(systemMessages(s.history))
	if size := tokens.Estimate(prompt); size > room {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %d tokens, %d available", ErrPromptTooLarge, size, max(room, 0))
		return llm.Result{Failure: &llm.Failure{
			Kind:    llm.KindTerminal,
			Cause:   llm.KindPayloadTooLarge,
			Message: err.Error(),
			Err:     err,
		}}
	}
	// The prompt is the newest message and fits beside the system
	// messages, so trimming never drops it.
	s.appendLocked(llm.User(prompt))
	conv := llm.Clone(s.history)
	s.mu.Unlock()

	res := s.chat.Chat(ctx, conv, s.params)
	if res.OK() {
		s.Append(llm.Assistant(res.Text))
		return res
	}

	s.logger.Warn(ctx, "history call failed, retrying without history",
		observe.F("session_id", s.id),
		observe.F("error", res.Err()),
		observe.F("history_messages", len(conv)),
	)

	fallback := s.singleShot(ctx, conv, prompt)
	if fallback.OK() {
		s.Append(llm.Assistant(fallback.Text))
	}
	return fallback
}

// singleShot asks prompt with only the system messages of conv.
func (s *Session) singleShot(ctx context.Context, conv []llm.Message, prompt string) llm.Result {
	sys := systemMessages(conv)
	if len(sys) == 0 {
		return s.chat.Generate(ctx, prompt, s.params)
	}
	return s.chat.Chat(ctx, append(sys, llm.User(prompt)), s.params)
}

// Restore replaces the history with msgs, trimmed to budget.
func (s *Session) Restore(msgs []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.appendLocked(msgs...)
}

func (s *Session) appendLocked(msgs ...llm.Message) {
	s.history = append(s.history, msgs...)
	s.history = trim(s.history, s.budget)
}

// trim drops the oldest non-system messages until msgs fits budget.
// System messages are never dropped.
func trim(msgs []llm.Message, budget int) []llm.Message {
	size := tokens.EstimateMessages(msgs)
	for size > budget {
		i := oldestNonSystem(msgs)
		if i < 0 {
			break
		}
		size -= tokens.Estimate(msgs[i].Content)
		msgs = append(msgs[:i], msgs[i+1:]...)
	}
	return msgs
}

func systemMessages(msgs []llm.Message) []llm.Message {
	var sys []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			sys = append(sys, m)
		}
	}
	return sys
}

func oldestNonSystem(msgs []llm.Message) int {
	for i, m := range msgs {
		if m.Role != llm.RoleSystem {
			return i
		}
	}
	return -1
}
