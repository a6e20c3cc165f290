package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/inspect"
	"github.com/mattjoyce/forkpool/internal/journal"
)

func newJournalCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded pool runs",
	}
	cmd.PersistentFlags().StringVar(&path, "db", "", "journal database (default: config journal.path)")

	openStore := func(cmd *cobra.Command) (*journal.Store, error) {
		dbPath := path
		if dbPath == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return nil, err
			}
			dbPath = cfg.Journal.Path
		}
		store, err := journal.Open(cmd.Context(), dbPath)
		if err != nil {
			return nil, fmt.Errorf("open journal %s: %w", dbPath, err)
		}
		return store, nil
	}

	var limit int
	var jsonOut bool
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if list == nil {
					list = []journal.RunSummary{}
				}
				data, err := json.MarshalIndent(list, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tWORKERS\tABNORMAL\tMESSAGES")
			for _, r := range list {
				duration := "running"
				if r.StoppedAt != nil {
					duration = r.StoppedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), duration, r.Workers, r.Abnormal, r.Messages)
			}
			return tw.Flush()
		},
	}
	runs.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	runs.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	var showJSON bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var report string
			if showJSON {
				report, err = inspect.BuildJSONReport(cmd.Context(), store, args[0])
			} else {
				report, err = inspect.BuildReport(cmd.Context(), store, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return nil
		},
	}
	show.Flags().BoolVar(&showJSON, "json", false, "output JSON")

	cmd.AddCommand(runs, show)
	return cmd
}
