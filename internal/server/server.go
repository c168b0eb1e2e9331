// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/deepmemory/deepmemory/internal/config"
	"github.com/deepmemory/deepmemory/internal/tools"
)

// MCPServer wraps the mcp-go server with our configuration
type MCPServer struct {
	mcpServer *mcpserver.MCPServer
	config    *config.Config
	db        *gorm.DB
	logger    *logrus.Logger
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) *MCPServer {
	if logger == nil {
		logger = logrus.New()
	}
	srv := mcpserver.NewMCPServer(
		"DeepMemory",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)
	return &MCPServer{
		mcpServer: srv,
		config:    cfg,
		db:        db,
		logger:    logger,
	}
}

// RegisterTools registers all MCP tools over the wired components
func (s *MCPServer) RegisterTools(toolCtx *tools.ToolContext) {
	// memory_retrieve: fan-out retrieval - "What do we remember about X?"
	s.mcpServer.AddTool(tools.NewRetrieveTool(), tools.RetrieveHandler(toolCtx))

	// memory_learn: ingest a conversation and learn from it
	s.mcpServer.AddTool(tools.NewLearnTool(), tools.LearnHandler(toolCtx))

	// memory_conflicts: surface and resolve contradictions
	s.mcpServer.AddTool(tools.NewConflictsTool(), tools.ConflictsHandler(toolCtx))

	// memory_digest: read or refresh compressed digests
	s.mcpServer.AddTool(tools.NewDigestTool(), tools.DigestHandler(toolCtx))

	// memory_profile: read or update the structured person profile
	s.mcpServer.AddTool(tools.NewProfileTool(), tools.ProfileHandler(toolCtx))

	s.logger.Info("Registered 5 MCP tools")
}

// ServeStdio serves the MCP protocol over stdin/stdout
func (s *MCPServer) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
