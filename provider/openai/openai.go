package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonwraymond/llmguard/credential"
	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/observe"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 1 << 16

// Compile-time interface guard.
var _ llm.Completer = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l observe.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// Provider is an llm.Completer for OpenAI-compatible chat completions APIs.
// It performs exactly one HTTP exchange per call; retries belong to the
// client.
type Provider struct {
	cfg        Config
	creds      credential.Source
	httpClient *http.Client
	logger     observe.Logger
	now        func() time.Time
}

// New creates a provider that authenticates with creds.
func New(cfg Config, creds credential.Source, opts ...Option) (*Provider, error) {
	if creds == nil {
		return nil, ErrNoCredentials
	}

	// Apply defaults
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	p := &Provider{
		cfg:        cfg,
		creds:      creds,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     observe.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Complete sends one chat completion request.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	if len(req.Messages) == 0 {
		return llm.Completion{}, llm.ErrEmptyConversation
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body, err := encodeRequest(model, req)
	if err != nil {
		return llm.Completion{}, err
	}

	respBody, err := p.doPost(ctx, "/v1/chat/completions", body)
	if err != nil {
		return llm.Completion{}, err
	}
	defer respBody.Close()

	var resp chatResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return llm.Completion{}, fmt.Errorf("openai: decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Completion{}, fmt.Errorf("openai: response has no choices")
	}

	if resp.Model == "" {
		resp.Model = model
	}
	return llm.Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Heartbeat checks whether the API is reachable and the credentials are
// accepted.
func (p *Provider) Heartbeat(ctx context.Context) error {
	body, err := p.doGet(ctx, "/v1/models")
	if err != nil {
		return err
	}
	return body.Close()
}

// ListModels returns the available model IDs.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	body, err := p.doGet(ctx, "/v1/models")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var result listResponse
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return nil, fmt.Errorf("openai: decode list response: %w", err)
	}

	names := make([]string, len(result.Data))
	for i := range result.Data {
		names[i] = result.Data[i].ID
	}
	return names, nil
}

func (p *Provider) doGet(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, http.NoBody)
	if err != nil {
		return nil, err
	}
	return p.do(req)
}

func (p *Provider) doPost(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

// do authenticates and sends req. Error statuses come back as
// *llm.StatusError.
func (p *Provider) do(req *http.Request) (io.ReadCloser, error) {
	token, err := p.creds.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("openai: credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if p.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	p.logger.Debug(req.Context(), "openai response",
		observe.F("path", req.URL.Path),
		observe.F("status", resp.StatusCode),
		observe.F("duration_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp, raw, p.now())
	}
	return resp.Body, nil
}

// encodeRequest builds the JSON body. Extra parameters are merged in but
// never override the fields set from req.
func encodeRequest(model string, req llm.Request) ([]byte, error) {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal chat request: %w", err)
	}
	if len(req.Extra) == 0 {
		return body, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, fmt.Errorf("openai: merge extra params: %w", err)
	}
	for k, v := range req.Extra {
		if _, set := merged[k]; !set {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// --- OpenAI REST API types (internal) ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	// Temperature is always sent: zero is a valid setting and part of
	// the cache key. A zero TopP is not, so it means unset.
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type listResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
