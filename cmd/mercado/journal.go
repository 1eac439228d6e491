package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/xChokes/mercado-sub000/internal/config"
	"github.com/xChokes/mercado-sub000/internal/db"
	"github.com/xChokes/mercado-sub000/internal/journal"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query and maintain the market journal",
	}
	cmd.AddCommand(newJournalInitCmd())
	cmd.AddCommand(newJournalMessagesCmd())
	cmd.AddCommand(newJournalAnomaliesCmd())
	cmd.AddCommand(newJournalSummaryCmd())
	cmd.AddCommand(newJournalPruneCmd())
	return cmd
}

// connectJournal opens the journal named by the config at path. An
// in-memory sqlite journal cannot be read from another process.
func connectJournal(path string) (*gorm.DB, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := persistentJournal(cfg.Journal); err != nil {
		return nil, err
	}
	return openJournalDB(cfg.Journal)
}

func persistentJournal(c config.JournalConfig) error {
	if c.Disabled {
		return errors.New("journal is disabled in config")
	}
	if c.Driver == db.DriverSQLite && (c.DSN == "" || strings.Contains(c.DSN, ":memory:")) {
		return fmt.Errorf("sqlite journal is in-memory; set journal.dsn or %s", config.EnvJournalDSN)
	}
	return nil
}

// parseSince accepts a duration back from now or an RFC3339 timestamp.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("since must be a positive duration, got %s", raw)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q: want a duration like 2h or an RFC3339 time", raw)
	}
	return t, nil
}

func newJournalInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the journal database and tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := persistentJournal(cfg.Journal); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Journal.Driver == db.DriverMySQL {
				if err := db.CreateDatabase(journalDSN(cfg.Journal)); err != nil {
					return err
				}
				fmt.Fprintf(out, "Database %s ready\n", cfg.Journal.Database)
			}
			gdb, err := openJournalDB(cfg.Journal)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mercado.yaml", "path to mercado config file")
	return cmd
}

func newJournalMessagesCmd() *cobra.Command {
	var (
		configPath string
		filter     journal.MessageFilter
		since      string
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List journaled messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			filter.Since = t
			gdb, err := connectJournal(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			rows, err := journal.New(gdb).Messages(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No messages found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tKIND\tPRI\tOUTCOME\tREASON")
			for _, m := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.CreatedAt.Format(time.DateTime), m.Sender, m.Recipient, m.Kind, m.Priority, m.Outcome, dash(m.Reason))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mercado.yaml", "path to mercado config file")
	cmd.Flags().StringVar(&filter.Agent, "agent", "", "sender or recipient")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "message kind")
	cmd.Flags().StringVar(&filter.Outcome, "outcome", "", "delivered, broadcast or dropped")
	cmd.Flags().StringVar(&since, "since", "", "duration back from now or RFC3339 time")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func newJournalAnomaliesCmd() *cobra.Command {
	var (
		configPath string
		filter     journal.AnomalyFilter
		since      string
	)

	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List detected anomalies, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			filter.Since = t
			gdb, err := connectJournal(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			rows, err := journal.New(gdb).Anomalies(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No anomalies found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCYCLE\tKIND\tSEVERITY\tVALUE\tTHRESHOLD\tGOODS")
			for _, a := range rows {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.3f\t%.3f\t%s\n",
					a.DetectedAt.Format(time.DateTime), a.Cycle, a.Kind, a.Severity, a.Value, a.Threshold, dash(a.Goods))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mercado.yaml", "path to mercado config file")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "anomaly kind")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "info, warning or critical")
	cmd.Flags().StringVar(&since, "since", "", "duration back from now or RFC3339 time")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func newJournalSummaryCmd() *cobra.Command {
	var (
		configPath string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize journal activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			gdb, err := connectJournal(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			s, err := journal.New(gdb).Summarize(cmd.Context(), t)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mercado.yaml", "path to mercado config file")
	cmd.Flags().StringVar(&since, "since", "24h", "duration back from now or RFC3339 time")
	return cmd
}

func printSummary(out io.Writer, s journal.Summary) {
	fmt.Fprintf(out, "Since:           %s\n", s.Since.Format(time.RFC3339))
	fmt.Fprintf(out, "Cycles:          %d\n", s.Cycles)
	fmt.Fprintf(out, "Mean efficiency: %.3f\n", s.MeanEfficiency)
	fmt.Fprintf(out, "Active agents:   %d\n", s.ActiveAgents)
	fmt.Fprintf(out, "Messages:        %d\n", s.Messages)
	for _, outcome := range []string{orchestrator.OutcomeDelivered, orchestrator.OutcomeBroadcast, orchestrator.OutcomeDropped} {
		if n, ok := s.ByOutcome[outcome]; ok {
			fmt.Fprintf(out, "  %-14s %d\n", outcome+":", n)
		}
	}
	fmt.Fprintf(out, "Anomalies:       %d\n", s.Anomalies)
	for _, kind := range s.AnomalyKinds() {
		fmt.Fprintf(out, "  %-14s %d\n", kind+":", s.ByKind[kind])
	}
}

func newJournalPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal rows older than a retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			gdb, err := connectJournal(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			n, err := journal.New(gdb).Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d rows older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mercado.yaml", "path to mercado config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention period")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
