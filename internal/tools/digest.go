// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepmemory/deepmemory/internal/compress"
	"github.com/deepmemory/deepmemory/internal/store"
)

// NewDigestTool creates the memory_digest tool definition
func NewDigestTool() mcp.Tool {
	return mcp.NewTool("memory_digest",
		mcp.WithDescription("Read or refresh the compressed digests above the raw conversation record. L1 is a session digest, L2 a project digest, L3 durable identity knowledge. Refreshing runs a compression cycle if enough new material has accumulated."),
		mcp.WithString("scope_id",
			mcp.Required(),
			mcp.Description("Conversation or project scope to read digests for"),
		),
		mcp.WithString("level",
			mcp.Description("Digest level: L1, L2 or L3. Default: the most recent at any level"),
		),
		mcp.WithBoolean("refresh",
			mcp.Description("Run a compression cycle for this scope before reading (default: false)"),
		),
	)
}

// DigestHandler handles the memory_digest tool
func DigestHandler(ctx *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scopeID := request.GetString("scope_id", "")
		if scopeID == "" {
			return mcp.NewToolResultError("please provide 'scope_id'"), nil
		}
		level := request.GetString("level", "")
		refresh := request.GetBool("refresh", false)

		if refresh {
			if err := ctx.Compressor.RunAll(c, scopeID); err != nil && !errors.Is(err, compress.ErrSummaryOverBudget) {
				ctx.Logger.WithError(err).Warn("Compression refresh failed")
			}
		}

		levels := []string{store.LevelSession, store.LevelProject, store.LevelIdentity}
		if level != "" {
			levels = []string{strings.ToUpper(level)}
		}

		var rendered []string
		for _, lvl := range levels {
			summary, err := ctx.Repos.Summaries.Latest(scopeID, lvl)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to load %s digest: %v", lvl, err)), nil
			}
			if summary == nil {
				continue
			}
			doc, err := compress.RenderDigest(summary)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to render %s digest: %v", lvl, err)), nil
			}
			rendered = append(rendered, doc)
		}

		if len(rendered) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No digests yet for scope %s. The scope is still accumulating raw material.", scopeID)), nil
		}
		return mcp.NewToolResultText(strings.Join(rendered, "\n")), nil
	}
}
