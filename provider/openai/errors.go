package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonwraymond/llmguard/llm"
)

// ErrNoCredentials is returned by New without a credential source.
var ErrNoCredentials = errors.New("openai: credential source is required")

// apiError is the error envelope of an OpenAI response.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// statusError turns an error response into an llm.StatusError so the client
// can classify it. A context-length rejection arrives as a 400 and is
// reported as 413 so the client shrinks the payload.
func statusError(resp *http.Response, body []byte, now time.Time) *llm.StatusError {
	se := &llm.StatusError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
	}

	var env apiError
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		se.Message = env.Error.Message
		code := fmt.Sprint(env.Error.Code)
		if code == "context_length_exceeded" || env.Error.Type == "context_length_exceeded" ||
			strings.Contains(strings.ToLower(env.Error.Message), "context length") {
			se.StatusCode = http.StatusRequestEntityTooLarge
		}
	}
	return se
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
