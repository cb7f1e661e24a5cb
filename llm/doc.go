// Package llm defines the request/response contract shared by the resilient
// client, its remote completers, and callers.
//
// A conversation is an ordered slice of Message values. Callers hand a
// conversation plus Params to the client and always get back a Result: either
// generated text, or a typed Failure describing why the remote model could not
// be reached. Completer is the single "perform one remote call" primitive the
// client wraps; transport details live in implementations such as
// provider/openai.
package llm
