// Package prompts implements MCP prompt handlers for Data Commons lookups.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ExplorePrompt handles the explore-data MCP prompt.
// It walks the AI through search_indicators then get_observations.
type ExplorePrompt struct{}

// NewExplorePrompt creates an ExplorePrompt.
func NewExplorePrompt() *ExplorePrompt {
	return &ExplorePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ExplorePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("explore-data",
		mcp.WithPromptDescription(
			"Answer a statistical question with Data Commons data. "+
				"Finds matching indicators, fetches the observations and cites the source.",
		),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("What you want to know, e.g. 'How has unemployment changed in Spain?'"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("places",
			mcp.ArgumentDescription("Optional place names the question is about, comma separated"),
		),
	)
}

// Handle processes the explore-data prompt request.
func (p *ExplorePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	question := strings.TrimSpace(req.Params.Arguments["question"])
	if question == "" {
		return nil, fmt.Errorf("'question' is required")
	}

	placeHint := "Work out which places the question is about and pass their names in `places`."
	if places := strings.TrimSpace(req.Params.Arguments["places"]); places != "" {
		placeHint = fmt.Sprintf("The question is about: %s. Pass these names in `places`.", places)
	}

	return &mcp.GetPromptResult{
		Description: "Explore Data Commons",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Question: %s\n\n"+
						"Please:\n"+
						"1. Run `search_indicators` with a short query for the measure. %s\n"+
						"2. If you get an AmbiguousPlaceError, ask me which place I meant\n"+
						"3. Pick the variable that best fits and run `get_observations` with its DCID "+
						"and the place DCIDs from `dcid_name_mappings`\n"+
						"4. Answer in plain words, quoting dates and the source from `source_metadata`",
					question, placeHint,
				)),
			},
		},
	}, nil
}
