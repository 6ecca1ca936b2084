package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcptransport"
)

var errToolFailed = errors.New("tool call failed")

func newCallCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "call <tenant> <server> <tool> [json-args]",
		Short: "Call one tool on one of a tenant's servers",
		Example: `  mcptenant call alice search web_search '{"query":"golang"}'`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := exactTenant(args)
			if err != nil {
				return err
			}
			var arguments any
			if len(args) == 4 {
				var obj map[string]any
				if err := json.Unmarshal([]byte(args[3]), &obj); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
				arguments = obj
			}

			a, err := newApp(cmd.Context(), cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			// Only the target server is registered, so the tenant's other
			// servers are not contacted.
			if _, ok := a.manager.GetServerStatus(tenant, args[1]); !ok {
				creds, err := a.source.ServerCredentials(cmd.Context(), tenant)
				if err != nil {
					return err
				}
				for _, cred := range creds {
					if cred.Name == args[1] {
						a.manager.RegisterServer(cmd.Context(), tenant, cred.Name, cred.URL, cred.Token)
					}
				}
			}

			res := a.manager.CallToolOn(cmd.Context(), tenant, args[1], args[2], arguments)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printResult(cmd.OutOrStdout(), res)
			}
			if res.IsError {
				return errToolFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	return cmd
}

func printResult(w io.Writer, res *mcp.CallToolResult) {
	if text := mcptransport.TextOf(res); text != "" {
		fmt.Fprintln(w, text)
		return
	}
	if res.StructuredContent != nil {
		_ = writeJSON(w, res.StructuredContent)
	}
}
