package main

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <tenant>",
		Short: "Probe a tenant's servers and print their status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := exactTenant(args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			a.manager.GetAllToolsForUser(cmd.Context(), a.source, tenant, true)
			servers := a.manager.ListServers(tenant)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), servers)
			}
			return printStatus(cmd.OutOrStdout(), servers)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(w io.Writer, servers []mcpmgr.ServerConnection) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"Server", "Status", "Session", "Tools", "Latency", "Error"})
	for _, s := range servers {
		latency := "-"
		if s.LatencyMS != nil {
			latency = (time.Duration(*s.LatencyMS * float64(time.Millisecond))).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{s.Name, s.Status, s.Session, s.ToolCount, latency, s.LastError})
	}
	t.Render()
	return nil
}
