// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepmemory/deepmemory/internal/ingest"
)

// learnTurn is the wire shape of one conversation turn
type learnTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// NewLearnTool creates the memory_learn tool definition
func NewLearnTool() mcp.Tool {
	return mcp.NewTool("memory_learn",
		mcp.WithDescription("Feed a conversation into memory. Stores the turns verbatim, resolves pronoun references, indexes everything for retrieval, and extracts facts and entities into the relationship graph. Reports any contradictions with what was already known."),
		mcp.WithString("turns",
			mcp.Required(),
			mcp.Description(`JSON array of turns: [{"role": "user", "text": "..."}, ...]`),
		),
		mcp.WithString("title",
			mcp.Description("Short title for the conversation"),
		),
		mcp.WithString("source",
			mcp.Description("Where the conversation came from. Default: 'chat'"),
		),
	)
}

// LearnHandler handles the memory_learn tool
func LearnHandler(ctx *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw := request.GetString("turns", "")
		if raw == "" {
			return mcp.NewToolResultError("please provide 'turns'"), nil
		}
		var turns []learnTurn
		if err := json.Unmarshal([]byte(raw), &turns); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid 'turns' JSON: %v", err)), nil
		}
		if len(turns) == 0 {
			return mcp.NewToolResultError("'turns' must contain at least one turn"), nil
		}

		source := request.GetString("source", "chat")
		title := request.GetString("title", "")

		ingestTurns := make([]ingest.Turn, 0, len(turns))
		for _, turn := range turns {
			ingestTurns = append(ingestTurns, ingest.Turn{Role: turn.Role, Text: turn.Text})
		}

		convID, err := ctx.Pipeline.IngestConversation(c, source, title, ingestTurns)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ingestion failed: %v", err)), nil
		}

		utterances, err := ctx.Repos.Utterances.ByConversation(convID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load ingested conversation: %v", err)), nil
		}

		result, err := ctx.Learner.Learn(c, convID, utterances)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("learning failed: %v", err)), nil
		}

		if ctx.Learner.ShouldReflect(len(utterances)) {
			if _, err := ctx.Learner.Reflect(c, convID); err != nil {
				ctx.Logger.WithError(err).Warn("Reflection pass failed")
			}
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Learned conversation %s: %d turns, %d facts, %d entity mentions.\n",
			convID, len(utterances), result.Facts, result.Entities)
		if len(result.Conflicts) > 0 {
			fmt.Fprintf(&sb, "\n%d contradiction(s) with stored knowledge:\n", len(result.Conflicts))
			for _, conflict := range result.Conflicts {
				fmt.Fprintf(&sb, "- %s %s: was %q, now claimed %q (%s)\n",
					conflict.Subject, conflict.Predicate, conflict.OldObject, conflict.NewObject, conflict.Severity)
			}
			sb.WriteString("Stored knowledge is unchanged until these are resolved with memory_conflicts.\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
