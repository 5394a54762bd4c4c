// Command mcp serves the harness tools over the MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/chainstress/internal/mcp"
)

func main() {
	harnessURL := os.Getenv("HARNESS_URL")
	if harnessURL == "" {
		harnessURL = mcptools.DefaultBaseURL
	}

	s := server.NewMCPServer(
		"chainstress",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(harnessURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
