package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcp-gateway"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noHealth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve every tenant's tools through one MCP gateway",
		Long: `serve exposes a Streamable HTTP MCP endpoint. Each session sees its
tenant's tools as <server>__<tool>. When auth tokens are configured the
tenant is the one bound to the bearer token; otherwise it is taken from
the X-Tenant-ID header. Background health checks keep server status
current and credential file edits are picked up without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts, !noHealth)
		},
	}
	cmd.Flags().BoolVar(&noHealth, "no-health", false, "disable background health checks")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *rootOptions, health bool) error {
	a, err := newApp(ctx, cmd, opts, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()

	gwOpts, err := a.gatewayOptions()
	if err != nil {
		return err
	}
	gw, err := mcpgateway.NewGateway(a.manager, a.source, gwOpts)
	if err != nil {
		return err
	}

	if tenants, err := a.source.Tenants(ctx); err != nil {
		a.logger.Warn("list tenants", "error", err)
	} else {
		for _, tenant := range tenants {
			if err := gw.SyncTenant(ctx, tenant); err != nil {
				a.logger.Warn("initial sync", "tenant", tenant, "error", err)
			}
		}
	}

	if notifier, ok := a.source.(interface{ OnChange(func()) }); ok {
		notifier.OnChange(func() {
			go func() {
				if err := gw.SyncAll(ctx); err != nil {
					a.logger.Warn("resync after credential change", "error", err)
				}
			}()
		})
	}

	if health {
		a.manager.StartHealthChecks()
		defer a.manager.StopHealthChecks()
	}

	a.logger.Info("gateway listening", "addr", a.cfg.Listen, "path", a.cfg.Path, "health", health)
	err = gw.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		a.logger.Info("gateway stopped")
		return nil
	}
	return err
}

// gatewayOptions maps the configuration onto the gateway. Configured tokens
// bind every request to the token's tenant.
func (a *app) gatewayOptions() (*mcpgateway.Options, error) {
	opts := &mcpgateway.Options{
		Addr:           a.cfg.Listen,
		Path:           a.cfg.Path,
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		Logger:         a.logger,
		SyncTimeout:    a.cfg.RequestTimeout,
	}
	if !a.cfg.Auth.Enabled() {
		a.logger.Warn("no auth tokens configured, trusting the tenant header", "header", mcpgateway.DefaultTenantHeader)
		return opts, nil
	}
	verifier, err := mcpgateway.StaticTokenVerifier(a.cfg.Auth.Tokens)
	if err != nil {
		return nil, err
	}
	opts.TokenVerifier = verifier
	return opts, nil
}
