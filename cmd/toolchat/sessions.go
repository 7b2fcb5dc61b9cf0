package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ToolChat/internal/chatbot"
	"ToolChat/internal/config"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

func sessionsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersister(flags, func(p session.Persister) error {
				summaries, err := p.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(summaries) == 0 {
					fmt.Fprintln(out, "No saved sessions.")
					return nil
				}
				for _, s := range summaries {
					fmt.Fprintf(out, "%s  %s  %-10s %d messages\n",
						s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.ActiveModel, s.MessageCount)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersister(flags, func(p session.Persister) error {
				if err := p.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deleted session", args[0])
				return nil
			})
		},
	})
	return cmd
}

func withPersister(flags *rootFlags, fn func(session.Persister) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	var p session.Persister
	if cfg.Session.Backend == config.StorageSQLite {
		db, err := telemetry.InitDB(cfg.Session.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		p = session.NewSQLiteStore(db)
	} else if p, err = chatbot.NewPersister(*cfg, nil); err != nil {
		return err
	}
	return fn(p)
}
