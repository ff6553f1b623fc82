// Package mcp exposes the SQL tool catalog, table ingestion and full agent turns over the
// Model Context Protocol.
//
// Catalog tools (execute_query, list_tables, describe_table) are served from the same
// registry the reasoning loop uses, so an MCP client sees exactly what the model sees.
package mcp

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/floegence/sqlagent/internal/ai"
	"github.com/floegence/sqlagent/internal/tabular"
)

type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *ai.Service
	tables    *tabular.Store
	logger    *slog.Logger
}

func New(svc *ai.Service, tables *tabular.Store, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{svc: svc, tables: tables, logger: logger}
	s.mcpServer = mcpserver.NewMCPServer(
		"sqlagent",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerCatalog()
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// HTTPHandler serves the streamable HTTP transport, mounted at /mcp by the HTTP server.
func (s *Server) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio speaks MCP over in/out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(log.New(slogWriter{s.logger}, "", 0))
	return stdio.Listen(ctx, in, out)
}

// slogWriter forwards the stdio transport's log.Logger output to slog.
type slogWriter struct{ l *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.l.Warn("mcp stdio", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
