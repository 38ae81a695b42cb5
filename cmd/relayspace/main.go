package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayspace/internal/app"
	"github.com/agentworkforce/relayspace/internal/config"
	"github.com/agentworkforce/relayspace/internal/logging"
	"github.com/agentworkforce/relayspace/internal/relayspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "relayspace",
		Short:        "Collaborative workspace server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (overrides RELAYSPACE_DATA_DIR)")
	root.AddCommand(newServeCmd(flags), newTriggerBackupCmd(flags))
	return root
}

func (f *globalFlags) load(cmd *cobra.Command, extra ...func(*config.Config)) (config.Config, error) {
	overrides := extra
	if cmd.Flags().Changed("data-dir") {
		dir := f.dataDir
		overrides = append(overrides, func(c *config.Config) { c.DataDir = dir })
	}
	return config.Load(f.configPath, os.LookupEnv, overrides...)
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server until a triggered backup completes or a signal arrives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []func(*config.Config)
			if cmd.Flags().Changed("addr") {
				extra = append(extra, func(c *config.Config) { c.Addr = addr })
			}
			cfg, err := flags.load(cmd, extra...)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			a, err := app.New(cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("startup failed")
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn().Err(err).Msg("release resources")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server stopped with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides RELAYSPACE_ADDR)")
	return cmd
}

func newTriggerBackupCmd(flags *globalFlags) *cobra.Command {
	var (
		url   string
		token string
	)
	cmd := &cobra.Command{
		Use:   "trigger-backup",
		Short: "Ask a running server to back up and exit",
		Long: `Without --url the trigger file is created in the data directory and the
server sharing that directory picks it up. With --url the admin endpoint
is called using --token or RELAYSPACE_ADMIN_TOKEN.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if url == "" {
				path := filepath.Join(cfg.DataDir, relayspace.TriggerFileName)
				if err := os.WriteFile(path, nil, 0o644); err != nil {
					return fmt.Errorf("write trigger file: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup requested via %s\n", path)
				return nil
			}
			if token == "" {
				token = cfg.AdminToken
			}
			if err := requestBackup(cmd.Context(), url, token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backup scheduled")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "server base URL, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&token, "token", "", "admin bearer token")
	return cmd
}

func requestBackup(ctx context.Context, baseURL, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/admin/backup", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backup request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
