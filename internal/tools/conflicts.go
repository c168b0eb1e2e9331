// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// NewConflictsTool creates the memory_conflicts tool definition
func NewConflictsTool() mcp.Tool {
	return mcp.NewTool("memory_conflicts",
		mcp.WithDescription("List or resolve contradictions between what was said at different times. Stored knowledge keeps its old value until a conflict is explicitly resolved here."),
		mcp.WithNumber("resolve_id",
			mcp.Description("ID of a conflict to resolve"),
		),
		mcp.WithString("resolution",
			mcp.Description("How the conflict was settled. Required together with resolve_id. Example: 'Jordy changed jobs in March; the new value is correct'"),
		),
	)
}

// ConflictsHandler handles the memory_conflicts tool
func ConflictsHandler(ctx *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resolveID := int(request.GetFloat("resolve_id", 0))
		resolution := request.GetString("resolution", "")

		if resolveID > 0 {
			if resolution == "" {
				return mcp.NewToolResultError("'resolution' is required when resolving a conflict"), nil
			}
			if err := ctx.Repos.Conflicts.Resolve(uint(resolveID), resolution); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to resolve conflict: %v", err)), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Conflict %d resolved.", resolveID)), nil
		}

		conflicts, err := ctx.Repos.Conflicts.Unresolved()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list conflicts: %v", err)), nil
		}
		if len(conflicts) == 0 {
			return mcp.NewToolResultText("No unresolved conflicts."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "%d unresolved conflict(s):\n\n", len(conflicts))
		for _, conflict := range conflicts {
			fmt.Fprintf(&sb, "#%d [%s] %s %s: was %q, now claimed %q\n",
				conflict.ID, conflict.Severity, conflict.Subject, conflict.Predicate,
				conflict.OldObject, conflict.NewObject)
			if conflict.Explanation != "" {
				fmt.Fprintf(&sb, "   %s\n", conflict.Explanation)
			}
			fmt.Fprintf(&sb, "   detected %s, evidence utterance %s\n",
				conflict.DetectedAt.Format("2006-01-02 15:04"), conflict.EvidenceUtteranceID)
		}
		sb.WriteString("\nResolve one with resolve_id and resolution.")
		return mcp.NewToolResultText(sb.String()), nil
	}
}
