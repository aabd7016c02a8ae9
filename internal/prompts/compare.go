package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ComparePrompt handles the compare-places MCP prompt.
// It compares one measure across the children of a place.
type ComparePrompt struct{}

// NewComparePrompt creates a ComparePrompt.
func NewComparePrompt() *ComparePrompt {
	return &ComparePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ComparePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("compare-places",
		mcp.WithPromptDescription(
			"Compare a measure across the sub-regions of a place, "+
				"such as the states of a country or the counties of a state.",
		),
		mcp.WithArgument("measure",
			mcp.ArgumentDescription("What to compare, e.g. 'median age'"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("parent_place",
			mcp.ArgumentDescription("The place whose sub-regions are compared, e.g. 'California'"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("date",
			mcp.ArgumentDescription("'latest' (default), a year such as '2020', or a range like '2015..2020'"),
		),
	)
}

// Handle processes the compare-places prompt request.
func (p *ComparePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	args := req.Params.Arguments
	measure := strings.TrimSpace(args["measure"])
	parent := strings.TrimSpace(args["parent_place"])
	if measure == "" || parent == "" {
		return nil, fmt.Errorf("'measure' and 'parent_place' are required")
	}

	dateStep := "leave `date` unset so the latest value is returned"
	if date := strings.TrimSpace(args["date"]); date != "" {
		if start, end, ok := strings.Cut(date, ".."); ok {
			dateStep = fmt.Sprintf("set `date_range_start`=%q and `date_range_end`=%q", start, end)
		} else {
			dateStep = fmt.Sprintf("set `date`=%q", date)
		}
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Compare %s across %s", measure, parent),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"I want to compare %s across the sub-regions of %s.\n\n"+
						"Please:\n"+
						"1. Run `search_indicators` with query=%q and parent_place=%q, leaving `places` empty\n"+
						"2. Note `child_place_type` and the DCID of `resolved_parent_place` in the response\n"+
						"3. Run `get_observations` with the best variable, the parent DCID as `place_dcid` "+
						"and that `child_place_type`; %s. Never use date='all' here\n"+
						"4. Rank the sub-regions in a table and name the source",
					measure, parent, measure, parent, dateStep,
				)),
			},
		},
	}, nil
}
