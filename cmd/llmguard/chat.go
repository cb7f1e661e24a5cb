package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/llmguard/observe"
	"github.com/jonwraymond/llmguard/session"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		pf         paramFlags
		sessionID  string
		dbPath     string
		system     string
		maxHistory int
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation read line by line from stdin",
		Long: `Hold a conversation read line by line from stdin. The history is kept
under a token budget; the oldest turns are dropped first.

With --db the conversation is saved after every turn and can be resumed
with --session. Type /history to print the kept history and /exit to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				dbPath = opts.cfg.Session.DBPath
			}
			if maxHistory <= 0 {
				maxHistory = opts.cfg.Session.MaxHistoryTokens
			}
			if system == "" {
				system = opts.cfg.Client.SystemPrompt
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				ctx := cmd.Context()
				sc := session.Config{
					ID:               sessionID,
					MaxHistoryTokens: maxHistory,
					SystemPrompt:     system,
					Params:           pf.params(),
					Logger:           a.logger,
				}

				var store *session.Store
				if dbPath != "" {
					var err error
					if store, err = session.OpenStore(ctx, dbPath); err != nil {
						return err
					}
					defer store.Close()
				}

				s, err := openSession(ctx, store, a, sc)
				if err != nil {
					return err
				}
				a.logger.Info(ctx, "chat session started",
					observe.F("session_id", s.ID()),
					observe.F("resumed", len(s.Messages()) > 0 && sessionID != ""),
				)

				return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), s, store)
			})
		},
	}

	pf.register(cmd)
	f := cmd.Flags()
	f.StringVar(&sessionID, "session", "", "session ID to resume or create")
	f.StringVar(&dbPath, "db", "", "SQLite file for session persistence (default session.db_path)")
	f.StringVar(&system, "system", "", "system prompt for a new session")
	f.IntVar(&maxHistory, "max-history", 0, "history budget in tokens (default session.max_history_tokens)")
	return cmd
}

// openSession resumes sc.ID from store when it exists there, or starts a
// new session.
func openSession(ctx context.Context, store *session.Store, a *app, sc session.Config) (*session.Session, error) {
	if store != nil && sc.ID != "" {
		s, err := store.Resume(ctx, sc.ID, a.client, sc)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	return session.New(a.client, sc)
}

// chatLoop runs one turn per input line until EOF or /exit.
func chatLoop(ctx context.Context, in io.Reader, out, errOut io.Writer, s *session.Session, store *session.Store) error {
	fmt.Fprintf(errOut, "session %s\n", s.ID())

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(errOut, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(errOut)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/history":
			for _, m := range s.Messages() {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
			fmt.Fprintf(out, "(%d of %d tokens)\n", s.Size(), s.Budget())
			continue
		}

		res := s.GenerateWithHistory(ctx, line)
		if res.OK() {
			fmt.Fprintln(out, res.Text)
		} else {
			fmt.Fprintln(errOut, "error:", res.Failure)
		}

		if store != nil {
			if err := store.Save(ctx, s); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
