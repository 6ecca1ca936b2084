package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-tenant-manager-go/internal/config"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/credstore"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcptransport"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mcptenant",
		Short: "Multi-tenant MCP client manager and gateway",
		Long: `mcptenant keeps one connection per tenant and MCP server, caches each
server's tool list, and routes tool calls to the right server.`,
		SilenceUsage: true,
		Version:      version,
	}
	cmd.SetVersionTemplate(`{{printf "mcptenant version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: search ./mcptenant.yaml, ~/.config/mcptenant/config.yaml, /etc/mcptenant/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newToolsCmd(opts),
		newCallCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// app is the wiring shared by every command: one Manager over one
// credential source.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	source  credstore.Source
	manager *mcpmgr.Manager
}

// newApp loads configuration and opens the credential source. A watched
// source follows credential file edits until the app is closed.
func newApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions, watch bool) (*app, error) {
	path, err := config.FindConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), level, cfg.LogFormat)
	logger.Debug("configuration loaded", "path", path)

	source, err := openSource(ctx, cfg.Credentials, logger, watch)
	if err != nil {
		return nil, err
	}

	mopts := cfg.ManagerOptions()
	mopts.ClientVersion = version
	mopts.Logger = logger
	if level <= config.LevelTrace {
		mopts.RPCLogger = func(key mcpmgr.ServerKey, ev mcptransport.RPCLogEvent) {
			logger.Log(context.Background(), config.LevelTrace, "rpc",
				"tenant", key.Tenant,
				"server", key.Server,
				"direction", ev.Direction,
				"endpoint", ev.Endpoint,
				"client_id", ev.ClientID,
				"message", string(ev.Message),
			)
		}
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		source:  source,
		manager: mcpmgr.NewManager(mopts),
	}, nil
}

func openSource(ctx context.Context, cfg credstore.Config, logger *slog.Logger, watch bool) (credstore.Source, error) {
	if watch {
		return credstore.Open(ctx, cfg, credstore.WithLogger(logger))
	}
	switch {
	case cfg.File != "":
		return credstore.OpenFile(cfg.File, credstore.WithLogger(logger))
	case cfg.SQLite != "":
		return credstore.OpenSQLite(cfg.SQLite)
	default:
		return nil, credstore.ErrUnsupportedSource
	}
}

func (a *app) Close(ctx context.Context) {
	if err := a.manager.Close(ctx); err != nil {
		a.logger.Warn("manager close", "error", err)
	}
	if err := a.source.Close(); err != nil {
		a.logger.Warn("credential source close", "error", err)
	}
}

func exactTenant(args []string) (string, error) {
	if args[0] == "" {
		return "", fmt.Errorf("tenant must not be empty")
	}
	return args[0], nil
}
