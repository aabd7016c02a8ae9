// datacommons-mcp: Data Commons MCP Server
//
// An MCP server that lets AI assistants search Data Commons for
// statistical indicators and fetch their observations for places.
//
// Usage:
//
//	datacommons-mcp serve stdio                       # stdio transport (default for MCP hosts)
//	datacommons-mcp serve http --host 0.0.0.0 --port 8080
//	datacommons-mcp version [--check]
package main

import (
	"context"
	"os"

	"github.com/ONSdigital/log.go/v2/log"
)

const serviceName = "datacommons-mcp"

func main() {
	log.Namespace = serviceName
	// stdout belongs to the stdio transport.
	log.SetDestination(os.Stderr, nil)

	if err := newRootCmd().Execute(); err != nil {
		log.Error(context.Background(), "command failed", err)
		os.Exit(1)
	}
}
