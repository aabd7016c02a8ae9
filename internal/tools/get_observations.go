package tools

import (
	"context"

	"github.com/HendryAvila/datacommons-mcp/internal/query"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/mark3labs/mcp-go/mcp"
)

// Observer fetches observations. *query.Service satisfies it.
type Observer interface {
	GetObservations(ctx context.Context, p query.ObservationParams) (*query.ObservationResult, error)
}

// GetObservationsTool handles the get_observations MCP tool.
type GetObservationsTool struct {
	observer    Observer
	description string
}

// NewGetObservationsTool creates a GetObservationsTool.
func NewGetObservationsTool(observer Observer, description string) *GetObservationsTool {
	return &GetObservationsTool{observer: observer, description: description}
}

// Definition returns the MCP tool definition for registration.
func (t *GetObservationsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_observations",
		mcp.WithDescription(t.description),
		mcp.WithString("variable_dcid",
			mcp.Required(),
			mcp.Description("DCID of the statistical variable, as returned by search_indicators. Example: 'Count_Person'"),
		),
		mcp.WithString("place_dcid",
			mcp.Required(),
			mcp.Description("DCID of the place, e.g. 'geoId/06'. Several DCIDs may be comma separated "+
				"unless child_place_type is set, in which case this is the parent."),
		),
		mcp.WithString("child_place_type",
			mcp.Description("Fetch data for the children of place_dcid of this type, e.g. 'County'. "+
				"Requires a bounded date filter."),
		),
		mcp.WithString("source_override",
			mcp.Description("Facet id to use instead of the automatically chosen source."),
		),
		mcp.WithString("date",
			mcp.Description("'all', 'latest', 'range', or a literal date (YYYY, YYYY-MM or YYYY-MM-DD). "+
				"Defaults to 'latest', or to 'range' when a range bound is given."),
		),
		mcp.WithString("date_range_start",
			mcp.Description("Inclusive start of the date range (YYYY, YYYY-MM or YYYY-MM-DD)."),
		),
		mcp.WithString("date_range_end",
			mcp.Description("Inclusive end of the date range (YYYY, YYYY-MM or YYYY-MM-DD)."),
		),
	)
}

type observationResponse struct {
	Status string `json:"status"`
	*query.ObservationResult
}

// Handle processes the get_observations tool call.
func (t *GetObservationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := newRequestID()

	params := query.ObservationParams{
		VariableDCID:   req.GetString("variable_dcid", ""),
		PlaceDCID:      req.GetString("place_dcid", ""),
		ChildPlaceType: req.GetString("child_place_type", ""),
		SourceOverride: req.GetString("source_override", ""),
		Date:           req.GetString("date", ""),
		DateRangeStart: req.GetString("date_range_start", ""),
		DateRangeEnd:   req.GetString("date_range_end", ""),
	}
	log.Info(ctx, "get_observations called", log.Data{
		"request_id":       requestID,
		"variable_dcid":    params.VariableDCID,
		"place_dcid":       params.PlaceDCID,
		"child_place_type": params.ChildPlaceType,
		"date":             params.Date,
	})

	res, err := t.observer.GetObservations(ctx, params)
	if err != nil {
		return errorResult(ctx, "get_observations", err)
	}
	log.Info(ctx, "get_observations done", log.Data{
		"request_id": requestID,
		"places":     len(res.PlaceObservations),
		"failed":     len(res.FailedPlaces),
	})
	return jsonResult(observationResponse{Status: statusSuccess, ObservationResult: res})
}
