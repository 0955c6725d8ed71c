// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Interstation-Research/shaman/internal/app"
	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/logging"
	"github.com/Interstation-Research/shaman/internal/persistence/postgres"
	"github.com/Interstation-Research/shaman/internal/persistence/sqlite"
	"github.com/Interstation-Research/shaman/internal/pricing"
	"github.com/Interstation-Research/shaman/internal/transport/middleware"
	"github.com/Interstation-Research/shaman/internal/worker"
)

var errUnbalanced = errors.New("ledger does not reconcile")

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "shamanctl",
		Short:        "Operate a shaman deployment",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				_ = os.Setenv("SHAMAN_CONFIG", configPath)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (overrides SHAMAN_CONFIG)")

	root.AddCommand(
		newMigrateCmd(),
		newTokenCmd(),
		newScriptCmd(),
		newTriggerCmd(),
		newPriceCmd(),
		newReconcileCmd(),
	)
	return root
}

// ---------------- MIGRATE ----------------

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			switch strings.ToLower(strings.TrimSpace(cfg.LedgerDriver)) {
			case "sqlite", "lite":
				db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
				if err != nil {
					return err
				}
				return db.Close()
			default:
				pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("db connect: %w", err)
				}
				defer pool.Close()
				return postgres.EnsureSchema(ctx, pool, logger)
			}
		},
	}
}

// ---------------- TOKEN ----------------

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <address>",
		Short: "Mint a bearer token for an account address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil || addr.IsZero() {
				return fmt.Errorf("invalid address %q", args[0])
			}
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.JWTSecret
			}

			token, err := middleware.IssueToken(secret, addr, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// ---------------- SCRIPT ----------------

func newScriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Check or upload script sources",
	}

	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a script without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}
			if _, err := worker.PrepareSource(src); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (imports allowed: %s)\n",
				args[0], strings.Join(worker.AllowedImports(), ", "))
			return err
		},
	}

	var prompt, shamanID string
	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a script as shaman metadata and print its ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			src, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}
			if _, err := worker.PrepareSource(src); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			store, err := contentstore.New(cmd.Context(), cfg.Content, nil, logger)
			if err != nil {
				return err
			}
			meta := contentstore.NewMetadata(prompt, src, shamanID, time.Now())
			ref, err := contentstore.PutMetadata(cmd.Context(), store, meta)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ref)
			return err
		},
	}
	put.Flags().StringVar(&prompt, "prompt", "", "prompt the script was generated from")
	put.Flags().StringVar(&shamanID, "shaman", "", "shaman id to record in the metadata")

	cmd.AddCommand(check, put)
	return cmd
}

// "-" reads the script from stdin.
func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(raw), nil
}

// ---------------- TRIGGER ----------------

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <shaman-id>",
		Short: "Run a shaman once and charge its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid shaman id %q", args[0])
			}

			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Service.Trigger(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

// ---------------- PRICE ----------------

func newPriceCmd() *cobra.Command {
	var sold uint64

	cmd := &cobra.Command{
		Use:   "price <quantity>",
		Short: "Quote the bonding-curve price of a purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[0])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			curve, err := pricing.FromConfig(cfg.Pricing)
			if err != nil {
				return err
			}

			price, err := curve.Price(sold, quantity)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"quantity":       quantity,
				"sold":           sold,
				"price_wei":      price.String(),
				"unit_price_wei": curve.UnitPrice(sold).String(),
			})
		},
	}
	cmd.Flags().Uint64Var(&sold, "sold", 0, "units already sold")
	return cmd
}

// ---------------- RECONCILE ----------------

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <shaman-id>",
		Short: "Recompute a shaman balance from its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid shaman id %q", args[0])
			}

			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Service.Reconcile(ctx, id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
					return err
				}
				if !rec.Balanced() {
					return fmt.Errorf("%w: stored %d, expected %d", errUnbalanced, rec.Balance, rec.Expected())
				}
				return nil
			})
		},
	}
}

func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(cmd.ErrOrStderr(), cfg.Env, "shamanctl"), nil
}

func withRuntime(cmd *cobra.Command, fn func(context.Context, *app.Runtime) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
