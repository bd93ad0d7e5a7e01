// Package mcp implements the Model Context Protocol surface for Veritas.
//
// The MCP server mirrors the HTTP verification contract so MCP-compatible
// AI agents can verify claims and query the encyclopedic corpus with the
// same semantics as the REST endpoints.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/veritas-lab/veritas/internal/pipeline"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

// Server wraps the MCP server with the verification pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipe      *pipeline.Pipeline
	retrieval *retrieval.Backend
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(pipe *pipeline.Pipeline, backend *retrieval.Backend, version string, logger *slog.Logger) *Server {
	s := &Server{
		pipe:      pipe,
		retrieval: backend,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"veritas",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
