// Command mcptenant discovers and calls tools on remote MCP servers on
// behalf of many tenants, and serves them through a single MCP gateway.
package main

import "os"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
