package main

import (
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var refresh, asJSON bool
	cmd := &cobra.Command{
		Use:   "tools <tenant>",
		Short: "List every tool available to a tenant",
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

			byServer := a.manager.GetAllToolsForUser(cmd.Context(), a.source, tenant, refresh)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), byServer)
			}
			return printTools(cmd.OutOrStdout(), byServer)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass cached tool lists")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printTools(w io.Writer, byServer map[string][]*mcp.Tool) error {
	servers := make([]string, 0, len(byServer))
	for server := range byServer {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	t := newTable(w)
	t.AppendHeader(table.Row{"Server", "Tool", "Description"})
	for _, server := range servers {
		if len(byServer[server]) == 0 {
			t.AppendRow(table.Row{server, "-", "(no tools)"})
			continue
		}
		for _, tool := range byServer[server] {
			t.AppendRow(table.Row{server, tool.Name, firstLine(tool.Description)})
		}
	}
	t.Render()
	return nil
}

// newTable returns a rounded table that renders to w.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
