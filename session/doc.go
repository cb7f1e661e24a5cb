// Package session keeps a multi-turn conversation under a token budget.
//
// A Session appends each user prompt and assistant reply to its history and
// drops the oldest non-system messages whenever the estimated size exceeds
// the budget. A Store saves and restores histories in SQLite so a
// conversation can be resumed across processes.
package session
