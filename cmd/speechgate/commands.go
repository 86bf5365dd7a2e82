package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/smallbiznis/speechgate/internal/entitlement"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/plansync"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const startTimeout = 15 * time.Second

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "speechgate",
		Short:         "Entitlement cache and plan reconciliation for speech creation",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newSyncCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with per-session reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(serverModules())
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "check <user-id>",
		Short: "Print the entitlement decision for a user as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := subscriptiondomain.NormalizeUserID(args[0])
			if err != nil {
				return err
			}
			limitKind, err := ledgerdomain.ParseLimitKind(kind)
			if err != nil {
				return err
			}

			var c *entitlement.Cache
			return runOnce(cmd.Context(), fx.Populate(&c), func(ctx context.Context) error {
				entry, err := c.GetDecision(ctx, userID, limitKind)
				if err != nil && !errors.Is(err, entitlement.ErrDecisionUnavailable) {
					return err
				}
				if printErr := printJSON(cmd.OutOrStdout(), entry); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(ledgerdomain.LimitKindSpeeches), "limit kind to check")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "sync <user-id>",
		Short: "Force a plan sync for a user and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := subscriptiondomain.NormalizeUserID(args[0])
			if err != nil {
				return err
			}
			parsed, err := plansync.ParseTrigger(trigger)
			if err != nil {
				return err
			}

			var coordinator *plansync.Coordinator
			return runOnce(cmd.Context(), fx.Populate(&coordinator), func(ctx context.Context) error {
				result, err := coordinator.ForceSync(ctx, userID, parsed)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(plansync.TriggerManual), "sync trigger (manual, payment_completed)")
	return cmd
}

// runOnce starts the engine without the HTTP surface, runs fn and stops.
func runOnce(ctx context.Context, populate fx.Option, fn func(ctx context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	app := fx.New(coreModules(), populate, fx.NopLogger)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
		defer stopCancel()
		err = errors.Join(err, app.Stop(stopCtx))
	}()

	return fn(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
