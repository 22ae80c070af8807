// Command admin runs operator tasks against the schedule engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"schoolops/internal/app"
	"schoolops/internal/auth"
	"schoolops/internal/config"
	"schoolops/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "admin",
		Short:         "Operator tasks for the schedule and attendance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(migrateCmd(), rebootstrapCmd(), classDeletedCmd(), issueTokenCmd())
	return cmd
}

// withEngine builds the engine from the environment and runs fn.
func withEngine(fn func(ctx context.Context, cfg config.App, engine *app.App) error) error {
	cfg := config.Load()
	log := cfg.NewLogger().With("service", "admin")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(ctx, cfg, engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema (postgres backend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Build migrates as part of connecting
			return withEngine(func(ctx context.Context, cfg config.App, _ *app.App) error {
				fmt.Printf("schema applied (%s)\n", cfg.StoreBackend)
				return nil
			})
		},
	}
}

func rebootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebootstrap <schedule_id>",
		Short: "Re-run attendance bootstrap for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("schedule id %q must be a positive integer", args[0])
			}
			return withEngine(func(ctx context.Context, _ config.App, engine *app.App) error {
				report, err := engine.Generator.Rebootstrap(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func classDeletedCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "class-deleted <class_id>",
		Short: "Run (or re-run) the class deletion cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ config.App, engine *app.App) error {
				run, err := engine.Cascades.ClassDeleted(ctx, args[0], actor)
				if perr := printJSON(run); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Operator user id recorded on the run")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func issueTokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a development token for a user or device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.Env != "dev" {
				return fmt.Errorf("issue-token is only available with APP_ENV=dev")
			}
			switch role {
			case auth.RoleAdmin, auth.RoleTeacher, auth.RoleDevice:
			default:
				return fmt.Errorf("%w: role %q", model.ErrInvalidArgument, role)
			}
			pair, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				return err
			}
			return printJSON(pair)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User or device id")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin, teacher or device")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
