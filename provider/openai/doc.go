// Package openai implements llm.Completer for OpenAI-compatible chat
// completions endpoints.
//
// Error responses are returned as *llm.StatusError with the server's
// Retry-After hint attached, so the client can classify and pace retries.
// A context-length rejection is reported as status 413.
package openai
