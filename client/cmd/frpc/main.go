package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"frpc/client/internal/admin"
	"frpc/client/internal/agent"
	"frpc/client/internal/agentlog"
	"frpc/client/internal/config"
	"frpc/shared/logging"
	"frpc/shared/metrics"
	"frpc/shared/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		jsonLogs   bool
	)
	cmd := &cobra.Command{
		Use:           "frpc",
		Short:         "Expose local services through an frps server",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath, jsonLogs)
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the client configuration file (.ini, .yaml, .json)")
	cmd.Flags().BoolVar(&jsonLogs, "log-json", false, "write logs as JSON lines")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newVerifyCommand(&configPath))
	return cmd
}

func newVerifyCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			for _, w := range cfg.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			if errs := cfg.ValidateProxies(); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(cmd.ErrOrStderr(), e)
				}
				return errors.Join(errs...)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: syntax is ok, %d proxies\n", *configPath, len(cfg.Proxies))
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, configPath string, jsonLogs bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "frpc:", err)
		return err
	}

	log := agentlog.Init(agentlog.Options{Level: cfg.Common.LogLevel, JSON: jsonLogs})
	for _, w := range cfg.Warnings {
		agentlog.System().Warn(logging.CatSystem, "config warning", agentlog.F("detail", w))
	}
	agentlog.System().Info(logging.CatSystem, "starting", agentlog.F(
		"version", version.Current,
		"server", cfg.ServerAddress(),
		"proxies", len(cfg.Proxies),
	))

	m := metrics.New()
	svc := agent.NewService(cfg, agent.Options{Logger: log, Metrics: m})

	if addr := cfg.AdminAddress(); addr != "" {
		h := admin.NewHandler(svc, agentlog.Events, m)
		go func() {
			if err := admin.Serve(ctx, addr, h, log); err != nil {
				agentlog.Admin().Error(logging.CatAdmin, "admin endpoint stopped", agentlog.F("error", err))
			}
		}()
	}

	if err := svc.Run(ctx); err != nil {
		agentlog.Control().Error(logging.CatControl, "exiting", agentlog.F("error", err))
		return err
	}
	agentlog.System().Info(logging.CatSystem, "stopped")
	return nil
}
