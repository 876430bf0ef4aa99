// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcpserver exposes the patch_file tool over the MCP stdio
// transport.
//
// Stdout carries protocol frames only. Nothing in this process may write
// to stdout while the server runs; logging goes to the log file or stderr.
package mcpserver

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AleutianAI/PatchFile/services/patchfile/handler"
)

// ToolName is the MCP tool name.
const ToolName = "patch_file"

const toolDescription = `Edit a file by applying one or more SEARCH/REPLACE blocks.

Each block has the form:

<<<<<<< SEARCH
exact text currently in the file
=======
replacement text
>>>>>>> REPLACE

Every SEARCH section must match the current file content exactly once,
including whitespace and indentation. Blocks apply in order, each against
the result of the previous one. If any block fails, the file is left
unchanged. Python files are checked with the configured lint, format and
type-check tools after a successful edit.`

// PatchHandler runs one request. *handler.Handler implements it.
type PatchHandler interface {
	Handle(ctx context.Context, req handler.Request) (*handler.Response, error)
}

// Server wraps the MCP server and its single tool.
type Server struct {
	mcp     *server.MCPServer
	handler PatchHandler
	logger  *slog.Logger
}

// New creates the MCP server and registers patch_file.
func New(h PatchHandler, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{handler: h, logger: logger}

	s.mcp = server.NewMCPServer(
		"patchfile",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Use patch_file for precise edits to existing files inside the allowed directories."),
	)
	s.mcp.AddTool(Tool(), s.handlePatch)
	return s
}

// Tool returns the patch_file tool definition.
func Tool() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription(toolDescription),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Absolute path of the file to edit"),
		),
		mcp.WithString("patch_content",
			mcp.Required(),
			mcp.Description("One or more SEARCH/REPLACE blocks"),
		),
	)
}

// MCP returns the underlying server, for tests and embedding.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve runs the stdio transport until ctx is done or stdin closes.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp stdio server started")
	err := stdio.Listen(ctx, stdin, stdout)
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	s.logger.Info("mcp stdio server stopped")
	return err
}

// handlePatch adapts a tool call to handler.Request.
//
// Edit failures are tool results with IsError set, not protocol errors,
// so the calling agent can read the message and retry.
func (s *Server) handlePatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	patchContent, err := request.RequireString("patch_content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, _ := s.handler.Handle(ctx, handler.Request{
		FilePath:     filePath,
		PatchContent: patchContent,
	})

	result := mcp.NewToolResultStructured(resp, resp.Text())
	result.IsError = !resp.Success
	return result, nil
}
