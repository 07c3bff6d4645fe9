package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"numerusx/internal/cycle"
	"numerusx/internal/execution"
	"numerusx/internal/ledger"
	"numerusx/internal/types"
	"numerusx/pkg/config"
	"numerusx/pkg/solana"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd creates the root command
func newRootCmd() *cobra.Command {
	var settingsPath string
	var settings *config.Settings

	rootCmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate the trading ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			settings = s
			config.SetupLogging(s.Log.Level)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&settingsPath, "config", "", "Settings file path (default $NUMERUSX_CONFIG or configs/settings.yaml)")

	settingsFn := func() *config.Settings { return settings }
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newReconcileCmd(settingsFn))
	rootCmd.AddCommand(newControlCmd(settingsFn))
	return rootCmd
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.OpenDB(config.DatabaseDSN())
			if err != nil {
				return err
			}
			return config.ExecuteMigrations(db)
		},
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.OpenDB(config.DatabaseDSN())
			if err != nil {
				return err
			}
			return config.RollbackMigration(db)
		},
	})
	return migrateCmd
}

func newListCmd() *cobra.Command {
	var pair, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.OpenDB(config.DatabaseDSN())
			if err != nil {
				return err
			}
			store := ledger.NewGormStore(db)
			entries, total, err := store.ListEntries(cmd.Context(), ledger.Filter{
				Pair:     strings.ToUpper(pair),
				Status:   types.LedgerStatus(strings.ToUpper(status)),
				PageSize: limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tPAIR\tACTION\tAMOUNT\tSTATUS\tATTEMPTS\tSIGNATURE\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%s\t%d\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Pair, e.Decision.Action, e.Decision.AmountValue(),
					e.Status, len(e.Attempts), e.Signature, e.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(entries), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&pair, "pair", "", "Only entries of this pair, e.g. SOL/USDC")
	cmd.Flags().StringVar(&status, "status", "", "Only entries with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}

// newReconcileCmd resolves a pair's UNKNOWN entries against the chain, the
// same check the worker runs at the start of every cycle.
func newReconcileCmd(settings func() *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile PAIR",
		Short: "Resolve a pair's unknown submissions on chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := findPair(settings(), args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			db, err := config.OpenDB(config.DatabaseDSN())
			if err != nil {
				return err
			}
			book := ledger.New(ledger.NewGormStore(db))
			if err := book.Load(ctx); err != nil {
				return err
			}

			s := settings()
			reconciler := execution.NewReconciler(solana.NewChainFromEndpoint(s.Solana.RPCURL), s.Solana.Wallet)
			pending := book.Pending(pair.String())
			if len(pending) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no unknown submissions\n", pair.String())
				return nil
			}

			var failed int
			for _, e := range pending {
				res, still, err := reconciler.Resolve(ctx, pair, e)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  error: %v\n", e.ID, e.Signature, err)
					continue
				case still:
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  still pending\n", e.ID, e.Signature)
					continue
				}
				stored, applied, err := book.Resolve(ctx, res)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  error: %v\n", e.ID, e.Signature, err)
					continue
				}
				note := ""
				if !applied {
					note = " (already resolved)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s: %s%s\n", e.ID, e.Signature, stored.Status, stored.Reason, note)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d entries could not be reconciled", failed, len(pending))
			}
			return nil
		},
	}
}

// newControlCmd publishes start/stop requests to running workers.
func newControlCmd(settings func() *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:       "control start|stop PAIR",
		Short:     "Start or stop a pair's cycle loop",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := strings.ToLower(args[0])
			if action != "start" && action != "stop" {
				return fmt.Errorf("unknown action %q, expected start or stop", args[0])
			}
			pair, err := findPair(settings(), args[1])
			if err != nil {
				return err
			}
			if !config.RabbitMQConfigured() {
				return errors.New("RABBITMQ_HOST is not set")
			}
			if err := config.InitRabbitMQ(); err != nil {
				return err
			}
			defer config.CloseRabbitMQ()

			publisher, err := config.NewPublisher()
			if err != nil {
				return err
			}
			defer publisher.Close()

			if err := publisher.Publish(cycle.ControlQueue, cycle.ControlMessage{Action: action, Pair: pair.String()}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested %s for %s\n", action, pair.String())
			return nil
		},
	}
}

func findPair(s *config.Settings, symbol string) (types.Pair, error) {
	base, quote, err := types.ParsePairSymbol(symbol)
	if err != nil {
		return types.Pair{}, err
	}
	want := base + "/" + quote
	for _, p := range s.TradingPairs() {
		if p.String() == want {
			return p, nil
		}
	}
	return types.Pair{}, fmt.Errorf("pair %s is not configured", want)
}
