// Package main is the entry point for lockbox-meta, the offline
// administration tool: metadata export and import, orphan sweeps and token
// minting.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockbox/lockbox/internal/auth"
	"github.com/lockbox/lockbox/internal/config"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/serialization"
	"github.com/lockbox/lockbox/internal/stores"
	"github.com/lockbox/lockbox/internal/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// loadConfig reads the configuration file. A missing file falls back to the
// built-in defaults so the tool works against a bare data directory.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	if secret := os.Getenv("LOCKBOX_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "lockbox-meta",
		Short:         "Offline administration for a lockbox data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "lockbox.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "warn", "log level")

	rootCmd.AddCommand(newExportCmd(opts))
	rootCmd.AddCommand(newImportCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	return rootCmd
}

// resolveDBPath returns the SQLite metadata path from --db or the config.
func resolveDBPath(opts *rootOptions, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}
	if cfg.Metadata.Engine != "sqlite" {
		return "", fmt.Errorf("export and import need the sqlite metadata engine, config uses %q", cfg.Metadata.Engine)
	}
	return cfg.Metadata.SQLite.Path, nil
}

func parseTables(list string) ([]string, error) {
	if list == "" {
		return serialization.AllTables, nil
	}
	valid := make(map[string]bool, len(serialization.AllTables))
	for _, t := range serialization.AllTables {
		valid[t] = true
	}
	tables := strings.Split(list, ",")
	for i := range tables {
		tables[i] = strings.TrimSpace(tables[i])
		if !valid[tables[i]] {
			return nil, fmt.Errorf("invalid table name: %s", tables[i])
		}
	}
	return tables, nil
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var dbPath, output, tables string
	var includeSecrets bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the metadata tables as JSON",
		Long: `Export the objects and records tables of the SQLite metadata store.

Record secrets are redacted unless --include-secrets is given; redacted
records are skipped on import.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := resolveDBPath(opts, dbPath)
			if err != nil {
				return err
			}
			tableList, err := parseTables(tables)
			if err != nil {
				return err
			}
			result, err := serialization.ExportMetadata(db, &serialization.ExportOptions{
				Tables:         tableList,
				IncludeSecrets: includeSecrets,
			})
			if err != nil {
				return fmt.Errorf("exporting: %w", err)
			}
			if output == "-" {
				fmt.Fprintln(cmd.OutOrStdout(), result)
				return nil
			}
			if err := os.WriteFile(output, []byte(result+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file path (- for stdout)")
	cmd.Flags().StringVar(&tables, "tables", "", "comma-separated table names")
	cmd.Flags().BoolVar(&includeSecrets, "include-secrets", false, "include record secrets in clear text")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var dbPath, input string
	var replace bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import metadata exported by 'lockbox-meta export'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := resolveDBPath(opts, dbPath)
			if err != nil {
				return err
			}
			var data []byte
			if input == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(input)
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			result, err := serialization.ImportMetadata(db, string(data), &serialization.ImportOptions{Replace: replace})
			if err != nil {
				return fmt.Errorf("importing: %w", err)
			}

			out := cmd.ErrOrStderr()
			for _, table := range serialization.AllTables {
				count, ok := result.Counts[table]
				if !ok {
					continue
				}
				msg := fmt.Sprintf("  %s: %d imported", table, count)
				if skip := result.Skipped[table]; skip > 0 {
					msg += fmt.Sprintf(", %d skipped", skip)
				}
				fmt.Fprintln(out, msg)
			}
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "  WARNING: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "input file path (- for stdin)")
	cmd.Flags().BoolVar(&replace, "replace", false, "delete existing rows before inserting")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reap abandoned uploads and unreferenced record files",
		Long: `Run the administrative cleanup against the configured stores.

The server must not be running against a SQLite or local data directory at
the same time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.Uploads.OrphanTTL = ttl
			}
			logger := logging.Setup(opts.logLevel, "text", cmd.ErrOrStderr())

			set, err := stores.Open(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer set.Close()

			binder := vault.New(set.Meta, set.Bucket(cfg, logger), vault.Options{
				OrphanTTL: cfg.Uploads.OrphanTTL,
				Logger:    logger,
			})
			res, err := binder.Cleanup(cmd.Context(), auth.Principal{UserID: "lockbox-meta", Role: auth.RoleAdmin})
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "grace period for unbound uploads (default: uploads.orphan_ttl)")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var role string
	var validity time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set (config or LOCKBOX_JWT_SECRET)")
			}
			token, err := auth.GenerateToken(args[0], role, cfg.Auth.Issuer, []byte(cfg.Auth.JWTSecret), validity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	cmd.Flags().DurationVar(&validity, "ttl", auth.DefaultTokenTTL, "token validity")
	return cmd
}
