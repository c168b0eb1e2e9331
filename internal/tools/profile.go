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

	"github.com/deepmemory/deepmemory/internal/profile"
)

// NewProfileTool creates the memory_profile tool definition
func NewProfileTool() mcp.Tool {
	return mcp.NewTool("memory_profile",
		mcp.WithDescription("Read or update the structured profile built up about a person: traits, values, relational_dynamics. Updates merge an observation into the section and bump its version; they must cite the utterance the observation came from."),
		mcp.WithString("subject",
			mcp.Required(),
			mcp.Description("Whose profile. Usually 'user'"),
		),
		mcp.WithString("section",
			mcp.Description("One of: traits, values, relational_dynamics. Omit to read the whole profile"),
		),
		mcp.WithString("observation",
			mcp.Description("New observation to merge into the section. Providing this switches the tool to update mode"),
		),
		mcp.WithString("evidence_utterance_id",
			mcp.Description("Utterance the observation came from. Required for updates"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence in the observation, 0 to 1. Default: 0.7"),
		),
	)
}

// ProfileHandler handles the memory_profile tool
func ProfileHandler(ctx *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subject := request.GetString("subject", "")
		if subject == "" {
			return mcp.NewToolResultError("please provide 'subject'"), nil
		}
		section := strings.ToLower(request.GetString("section", ""))
		observation := request.GetString("observation", "")

		if observation != "" {
			if section == "" {
				return mcp.NewToolResultError("'section' is required when updating"), nil
			}
			evidence := request.GetString("evidence_utterance_id", "")
			if evidence == "" {
				return mcp.NewToolResultError("'evidence_utterance_id' is required when updating"), nil
			}
			confidence := request.GetFloat("confidence", 0.7)

			if err := ctx.Profiles.Update(c, subject, section, observation, evidence, confidence); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("profile update failed: %v", err)), nil
			}
			snapshot, err := ctx.Profiles.Get(subject, section)
			if err != nil || snapshot == nil {
				return mcp.NewToolResultText("Profile section updated."), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Profile section %s updated to version %d.", section, snapshot.Version)), nil
		}

		if section != "" {
			snapshot, err := ctx.Profiles.Get(subject, section)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to read profile: %v", err)), nil
			}
			if snapshot == nil {
				return mcp.NewToolResultText(fmt.Sprintf("No %s section yet for %s.", section, subject)), nil
			}
			return mcp.NewToolResultText(formatSection(section, snapshot)), nil
		}

		full, err := ctx.Profiles.SnapshotFor(subject)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read profile: %v", err)), nil
		}
		if len(full.Sections) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No profile yet for %s.", subject)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Profile for %s:\n\n", subject)
		for name, snapshot := range full.Sections {
			sb.WriteString(formatSection(name, &snapshot))
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func formatSection(name string, snapshot *profile.SectionSnapshot) string {
	var pretty strings.Builder
	fmt.Fprintf(&pretty, "## %s (v%d, confidence %.2f)\n", name, snapshot.Version, snapshot.Confidence)

	var doc map[string]any
	if err := json.Unmarshal(snapshot.Payload, &doc); err != nil {
		pretty.WriteString(string(snapshot.Payload))
		return pretty.String()
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		pretty.WriteString(string(snapshot.Payload))
		return pretty.String()
	}
	pretty.Write(out)
	pretty.WriteString("\n")
	return pretty.String()
}
