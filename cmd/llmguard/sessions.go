package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/llmguard/session"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var dbPath string

	open := func(cmd *cobra.Command) (*session.Store, error) {
		if dbPath == "" {
			dbPath = opts.cfg.Session.DBPath
		}
		if dbPath == "" {
			return nil, errors.New("sessions: no database, set --db or session.db_path")
		}
		return session.OpenStore(cmd.Context(), dbPath)
	}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved chat sessions",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite file (default session.db_path)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODEL\tMESSAGES\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", info.ID, info.Model, info.Messages, info.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete saved sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}
