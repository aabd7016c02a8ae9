package tools

import (
	"context"
	"math"

	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/HendryAvila/datacommons-mcp/internal/query"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/mark3labs/mcp-go/mcp"
)

// Searcher finds indicators for a query. *query.Service satisfies it.
type Searcher interface {
	SearchIndicators(ctx context.Context, p query.SearchParams) (*query.SearchResult, error)
}

// SearchIndicatorsTool handles the search_indicators MCP tool.
type SearchIndicatorsTool struct {
	searcher    Searcher
	description string
}

// NewSearchIndicatorsTool creates a SearchIndicatorsTool. description is
// the tool text shown to the model.
func NewSearchIndicatorsTool(searcher Searcher, description string) *SearchIndicatorsTool {
	return &SearchIndicatorsTool{searcher: searcher, description: description}
}

// Definition returns the MCP tool definition for registration.
func (t *SearchIndicatorsTool) Definition() mcp.Tool {
	return mcp.NewTool("search_indicators",
		mcp.WithDescription(t.description),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("What to look for, in plain language. Example: 'median household income'"),
		),
		mcp.WithArray("places",
			mcp.Description("Place names to restrict results to, e.g. ['California, USA', 'Texas']. "+
				"Names only, never DCIDs."),
			mcp.WithStringItems(),
		),
		mcp.WithString("parent_place",
			mcp.Description("Name of a parent place when comparing its children, e.g. 'USA' for US states."),
		),
		mcp.WithNumber("per_search_limit",
			mcp.Description("Maximum topics and variables returned per search (1-100)."),
			mcp.Min(indicators.MinLimit),
			mcp.Max(indicators.MaxLimit),
		),
		mcp.WithBoolean("include_topics",
			mcp.Description("Return topics as well as variables."),
			mcp.DefaultBool(true),
		),
		mcp.WithBoolean("maybe_bilateral",
			mcp.Description("Set when the query may involve two places, such as trade between two countries."),
			mcp.DefaultBool(false),
		),
	)
}

type searchResponse struct {
	Status string `json:"status"`
	*query.SearchResult
}

// Handle processes the search_indicators tool call.
func (t *SearchIndicatorsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := newRequestID()

	limit, err := limitArg(req)
	if err != nil {
		return errorResult(ctx, "search_indicators", err)
	}

	params := query.SearchParams{
		Query:          req.GetString("query", ""),
		Places:         placesArg(req),
		ParentPlace:    req.GetString("parent_place", ""),
		PerSearchLimit: limit,
		IncludeTopics:  req.GetBool("include_topics", true),
		MaybeBilateral: req.GetBool("maybe_bilateral", false),
	}
	log.Info(ctx, "search_indicators called", log.Data{
		"request_id":      requestID,
		"query":           params.Query,
		"places":          params.Places,
		"parent_place":    params.ParentPlace,
		"maybe_bilateral": params.MaybeBilateral,
	})

	res, err := t.searcher.SearchIndicators(ctx, params)
	if err != nil {
		return errorResult(ctx, "search_indicators", err)
	}
	log.Info(ctx, "search_indicators done", log.Data{
		"request_id": requestID,
		"topics":     len(res.Topics),
		"variables":  len(res.Variables),
	})
	return jsonResult(searchResponse{Status: statusSuccess, SearchResult: res})
}

// limitArg reads "per_search_limit". It returns nil when the argument is
// absent so the service applies its default; an explicit value, zero
// included, is passed on for validation.
func limitArg(req mcp.CallToolRequest) (*int, error) {
	if v, ok := req.GetArguments()["per_search_limit"]; !ok || v == nil {
		return nil, nil
	}
	f := req.GetFloat("per_search_limit", 0)
	if f != math.Trunc(f) {
		return nil, &query.ParameterError{Name: "per_search_limit", Reason: "must be a whole number"}
	}
	n := int(f)
	return &n, nil
}

// placesArg reads "places" as a list, accepting a single name as a bare
// string. Names may contain commas, so a string is never split.
func placesArg(req mcp.CallToolRequest) []string {
	if list := req.GetStringSlice("places", nil); list != nil {
		return list
	}
	if s := req.GetString("places", ""); s != "" {
		return []string{s}
	}
	return nil
}
