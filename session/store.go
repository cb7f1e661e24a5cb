package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/jonwraymond/llmguard/llm"
)

// ErrNotFound is returned by Load for an unknown session.
var ErrNotFound = errors.New("session: not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	model      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	UNIQUE(session_id, seq)
);`

// Info describes a stored session.
type Info struct {
	ID        string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  int
}

// Store persists session histories in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: exec %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (st *Store) Close() error {
	return st.db.Close()
}

// Save replaces the stored history of s with its current messages.
func (st *Store) Save(ctx context.Context, s *Session) error {
	return st.SaveMessages(ctx, s.ID(), s.params.Model, s.Messages())
}

// SaveMessages replaces the stored history of session id with msgs.
func (st *Store) SaveMessages(ctx context.Context, id, model string, msgs []llm.Message) error {
	now := st.now().UTC()

	return st.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, created_at, updated_at, model) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, model = excluded.model`,
			id, now, now, model)
		if err != nil {
			return fmt.Errorf("session: upsert %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("session: clear %s: %w", id, err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO messages (session_id, seq, role, content) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("session: prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, m := range msgs {
			if _, err := stmt.ExecContext(ctx, id, i, string(m.Role), m.Content); err != nil {
				return fmt.Errorf("session: insert message %d: %w", i, err)
			}
		}
		return nil
	})
}

// Load returns the stored history of session id in order.
func (st *Store) Load(ctx context.Context, id string) ([]llm.Message, error) {
	var exists int
	err := st.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}

	rows, err := st.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		msgs = append(msgs, llm.Message{Role: llm.Role(role), Content: content})
	}
	return msgs, rows.Err()
}

// Resume loads session id into a new Session backed by c. The loaded
// history is trimmed to the configured budget.
func (st *Store) Resume(ctx context.Context, id string, c Chatter, config Config) (*Session, error) {
	msgs, err := st.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	config.ID = id
	config.SystemPrompt = ""
	s, err := New(c, config)
	if err != nil {
		return nil, err
	}
	s.Restore(msgs)
	return s, nil
}

// List returns the stored sessions, most recently updated first.
func (st *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT s.id, s.model, s.created_at, s.updated_at, COUNT(m.id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ID, &info.Model, &info.CreatedAt, &info.UpdatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("session: scan session: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes session id and its messages.
func (st *Store) Delete(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// tx runs fn in a transaction, committing only if fn succeeds.
func (st *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}
