package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-blocking/infrastructure/codec"
	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/infrastructure/store"
	"github.com/ahrav/go-blocking/internal/domain"
)

func newProvidersCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Probe every registered oracle provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath, nil)
			if err != nil {
				return err
			}

			names := oracle.RegisteredProviders()
			cfgs := make([]oracle.Config, len(names))
			for i, name := range names {
				cfgs[i] = oracle.Config{Name: name}
				// Only the configured provider carries the file's overrides.
				if name == cfg.Provider.Name {
					cfgs[i] = cfg.OracleConfig()
				}
			}
			statuses, err := oracle.ProbeProviders(cmd.Context(), cfgs)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tAVAILABLE\tINPUT $/M\tREASON")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%t\t%.2f\t%s\n",
					s.Name, s.Model, s.Available, oracle.PricesFor(s.Name).Input, s.Reason)
			}
			return w.Flush()
		},
	}
}

func newViewsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "views",
		Short: "List the capture views and what each is used to judge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VIEW\tDETAIL\tFOCUS")
			for _, id := range domain.AllViews {
				detail := "low"
				if id.HighDetail() {
					detail = "high"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, detail, codec.ViewFocus(id))
			}
			return w.Flush()
		},
	}
}

func newRunsCommand(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath, nil)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("store.path is not configured")
			}
			ledger, err := store.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func writeRuns(cmd *cobra.Command, runs []store.Run) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tPROVIDER\tMODE\tSTATE\tBEST\tITERATIONS\tCOST")
	for _, r := range runs {
		state, best := "running", "-"
		if r.Terminal != "" {
			state = string(r.Terminal)
		}
		if r.BestScore != nil {
			best = strconv.Itoa(*r.BestScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t$%.4f\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Provider, r.Mode,
			state, best, r.Iterations, r.TotalCost)
	}
	return w.Flush()
}
