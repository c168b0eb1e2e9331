// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepmemory/deepmemory/internal/retrieval"
	"github.com/deepmemory/deepmemory/internal/store"
)

// NewRetrieveTool creates the memory_retrieve tool definition
func NewRetrieveTool() mcp.Tool {
	return mcp.NewTool("memory_retrieve",
		mcp.WithDescription("Retrieve relevant memories for a query. Searches across topical, emotional, strategic and temporal similarity plus the relationship graph, and returns ranked memories with session, project and identity context attached."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("What you want to remember. A question or topic. Examples: 'what did Ella say about the timeline', 'decisions about the launch'"),
		),
		mcp.WithString("entities",
			mcp.Description("Comma-separated entity names to anchor graph search when the query itself doesn't name them"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results. Default: 10"),
		),
	)
}

// RetrieveHandler handles the memory_retrieve tool
func RetrieveHandler(ctx *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := request.GetString("query", "")
		if query == "" {
			return mcp.NewToolResultError("please provide a 'query'"), nil
		}

		hints := retrieval.Hints{
			MaxResults: int(request.GetFloat("limit", 10.0)),
		}
		if raw := request.GetString("entities", ""); raw != "" {
			for _, name := range strings.Split(raw, ",") {
				if name = strings.TrimSpace(name); name != "" {
					hints.Entities = append(hints.Entities, name)
				}
			}
		}

		response, err := ctx.Orchestrator.Retrieve(c, query, hints)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		return mcp.NewToolResultText(formatRetrieveResponse(response)), nil
	}
}

// formatRetrieveResponse renders the retrieval result for the client
func formatRetrieveResponse(response *retrieval.Response) string {
	var sb strings.Builder

	if response.InsufficientData {
		sb.WriteString("Note: stored memory is thin here; treat these results as partial.\n\n")
	}
	if len(response.Degraded) > 0 {
		fmt.Fprintf(&sb, "Note: sources unavailable this time: %s.\n\n", strings.Join(response.Degraded, ", "))
	}

	if len(response.Items) == 0 {
		sb.WriteString("No memories found.")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Found %d memories:\n\n", len(response.Items))
	for i, item := range response.Items {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, item.Role, item.Text)
		fmt.Fprintf(&sb, "   score %.4f", item.Score)
		if len(item.Sources) > 0 {
			axes := make([]string, 0, len(item.Sources))
			for _, a := range item.Sources {
				axes = append(axes, string(a))
			}
			fmt.Fprintf(&sb, " via %s", strings.Join(axes, ", "))
		}
		if item.CoreferenceWarning {
			sb.WriteString(" (unresolved references)")
		}
		sb.WriteString("\n")
	}

	for _, level := range []string{store.LevelSession, store.LevelProject, store.LevelIdentity} {
		if summary, ok := response.Summaries[level]; ok {
			fmt.Fprintf(&sb, "\n%s context: %s\n", levelName(level), summary.Text)
		}
	}
	return sb.String()
}

func levelName(level string) string {
	switch level {
	case store.LevelSession:
		return "Session"
	case store.LevelProject:
		return "Project"
	case store.LevelIdentity:
		return "Identity"
	default:
		return level
	}
}
