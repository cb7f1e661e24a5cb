package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonwraymond/llmguard/llm"
)

// MaxKeyTextRunes is how much of the request text contributes to a key.
const MaxKeyTextRunes = 500

// DefaultBucket is the default width of a key's time bucket.
const DefaultBucket = 60 * time.Second

// Keyer generates deterministic cache keys from requests.
//
// Contract:
// - Determinism: same inputs within one time bucket must produce the same key.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	// Key generates a cache key for the (already truncated) request.
	Key(req llm.Request) (string, error)
}

// RequestKeyer generates SHA-256 based cache keys over the leading request
// text, the model, a time bucket, and the temperature and output budget.
// Other parameters (top_p, extra) do not contribute.
type RequestKeyer struct {
	// Bucket is the width of the time bucket.
	// Default: 60 seconds
	Bucket time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// NewRequestKeyer creates a keyer with the given bucket width.
func NewRequestKeyer(bucket time.Duration) *RequestKeyer {
	return &RequestKeyer{Bucket: bucket}
}

// Key generates a deterministic cache key.
// Format: llm:<model>:<hash>
// where hash is the first 16 characters of SHA-256(canonical JSON(fields)).
func (k *RequestKeyer) Key(req llm.Request) (string, error) {
	fields := map[string]any{
		"text":              leadingRunes(llm.Text(req.Messages), MaxKeyTextRunes),
		"model":             req.Model,
		"bucket":            k.bucket(),
		"temperature":       req.Temperature,
		"max_output_tokens": req.MaxOutputTokens,
	}

	// Canonicalize input to ensure deterministic serialization
	canonical, err := canonicalize(fields)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize request: %w", err)
	}

	// Hash the canonical representation
	hash := sha256.Sum256(canonical)
	hashStr := hex.EncodeToString(hash[:8]) // First 8 bytes = 16 hex chars

	return fmt.Sprintf("llm:%s:%s", req.Model, hashStr), nil
}

// bucket returns floor(now / Bucket).
func (k *RequestKeyer) bucket() int64 {
	width := k.Bucket
	if width <= 0 {
		width = DefaultBucket
	}
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	return now().UnixNano() / int64(width)
}

func leadingRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// canonicalize produces a deterministic JSON representation of the input.
// Maps are sorted by key to ensure consistent ordering.
func canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	// For maps, sort keys for determinism
	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		// For other types, use standard JSON encoding
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	// Sort keys
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Build ordered JSON object
	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		// Value (recursively canonicalize)
		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')

	return result, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}

		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, ']')

	return result, nil
}

// Ensure RequestKeyer implements Keyer
var _ Keyer = (*RequestKeyer)(nil)
