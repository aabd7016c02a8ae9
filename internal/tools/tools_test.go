package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HendryAvila/datacommons-mcp/internal/bilateral"
	"github.com/HendryAvila/datacommons-mcp/internal/childtype"
	"github.com/HendryAvila/datacommons-mcp/internal/datefilter"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/places"
	"github.com/HendryAvila/datacommons-mcp/internal/query"
	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"
)

// --- Test helpers ---

type fakeSearcher struct {
	got   *query.SearchParams
	res   *query.SearchResult
	err   error
	calls int
}

func (f *fakeSearcher) SearchIndicators(_ context.Context, p query.SearchParams) (*query.SearchResult, error) {
	f.calls++
	f.got = &p
	return f.res, f.err
}

type fakeObserver struct {
	got *query.ObservationParams
	res *query.ObservationResult
	err error
}

func (f *fakeObserver) GetObservations(_ context.Context, p query.ObservationParams) (*query.ObservationResult, error) {
	f.got = &p
	return f.res, f.err
}

// isErrorResult checks if a CallToolResult represents an error.
func isErrorResult(result *mcp.CallToolResult) bool {
	return result != nil && result.IsError
}

// getResultText extracts the text content from a CallToolResult.
func getResultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decode(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(getResultText(result)), &out); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, getResultText(result))
	}
	return out
}

func intPtr(n int) *int { return &n }

func newRequest(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// --- SearchIndicatorsTool ---

func TestSearchIndicatorsTool_Success(t *testing.T) {
	searcher := &fakeSearcher{res: &query.SearchResult{
		Result: &indicators.Result{
			Variables:        []kg.Indicator{{DCID: "Count_Person"}},
			DCIDNameMappings: map[string]string{"Count_Person": "Total population"},
		},
		ChildPlaceType: "State",
	}}
	tool := NewSearchIndicatorsTool(searcher, "search")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query":            "population",
		"places":           []interface{}{"California, USA", "Texas"},
		"per_search_limit": float64(5),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isErrorResult(result) {
		t.Fatalf("expected success, got error: %s", getResultText(result))
	}

	want := query.SearchParams{
		Query:          "population",
		Places:         []string{"California, USA", "Texas"},
		PerSearchLimit: intPtr(5),
		IncludeTopics:  true,
	}
	if diff := cmp.Diff(want, *searcher.got); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	body := decode(t, result)
	if body["status"] != "SUCCESS" {
		t.Errorf("status = %v, want SUCCESS", body["status"])
	}
	if body["child_place_type"] != "State" {
		t.Errorf("child_place_type = %v, want State", body["child_place_type"])
	}
	if _, ok := body["variables"]; !ok {
		t.Error("ranker fields should be flattened into the response")
	}
}

func TestSearchIndicatorsTool_SinglePlaceString(t *testing.T) {
	searcher := &fakeSearcher{res: &query.SearchResult{Result: &indicators.Result{}}}
	tool := NewSearchIndicatorsTool(searcher, "search")

	_, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query":  "income",
		"places": "Springfield, Illinois",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"Springfield, Illinois"}, searcher.got.Places); diff != "" {
		t.Errorf("places mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchIndicatorsTool_Flags(t *testing.T) {
	searcher := &fakeSearcher{res: &query.SearchResult{Result: &indicators.Result{}}}
	tool := NewSearchIndicatorsTool(searcher, "search")

	_, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query":           "exports",
		"parent_place":    "USA",
		"include_topics":  false,
		"maybe_bilateral": true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := searcher.got
	if got.IncludeTopics || !got.MaybeBilateral || got.ParentPlace != "USA" || got.PerSearchLimit != nil {
		t.Errorf("flags not passed through: %+v", got)
	}
}

func TestSearchIndicatorsTool_FractionalLimit(t *testing.T) {
	searcher := &fakeSearcher{}
	tool := NewSearchIndicatorsTool(searcher, "search")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query":            "population",
		"per_search_limit": 2.5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isErrorResult(result) {
		t.Fatal("expected error result")
	}
	if searcher.calls != 0 {
		t.Error("service should not be called for an invalid limit")
	}
	if got := decode(t, result)["error_type"]; got != string(ErrorInvalidParameter) {
		t.Errorf("error_type = %v, want %s", got, ErrorInvalidParameter)
	}
}

func TestSearchIndicatorsTool_ZeroLimitIsRejected(t *testing.T) {
	service := query.New(nil, nil, query.Options{})
	tool := NewSearchIndicatorsTool(service, "search")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query":            "population",
		"per_search_limit": float64(0),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isErrorResult(result) {
		t.Fatalf("expected error result, got %s", getResultText(result))
	}
	if got := decode(t, result)["error_type"]; got != string(ErrorInvalidParameter) {
		t.Errorf("error_type = %v, want %s", got, ErrorInvalidParameter)
	}
}

func TestSearchIndicatorsTool_ExplicitZeroLimitPassedOn(t *testing.T) {
	searcher := &fakeSearcher{res: &query.SearchResult{Result: &indicators.Result{}}}
	tool := NewSearchIndicatorsTool(searcher, "search")

	if _, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query":            "population",
		"per_search_limit": float64(0),
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(intPtr(0), searcher.got.PerSearchLimit); diff != "" {
		t.Errorf("limit mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchIndicatorsTool_AmbiguousPlace(t *testing.T) {
	searcher := &fakeSearcher{err: fmt.Errorf("resolving places: %w", &places.AmbiguousPlaceError{
		Name: "Springfield",
		Candidates: []kg.Place{
			{DCID: "geoId/1772000", Name: "Springfield, IL"},
			{DCID: "geoId/2970000", Name: "Springfield, MO"},
		},
	})}
	tool := NewSearchIndicatorsTool(searcher, "search")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"query": "population", "places": []interface{}{"Springfield"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isErrorResult(result) {
		t.Fatal("expected error result")
	}
	body := decode(t, result)
	if body["status"] != "ERROR" || body["error_type"] != string(ErrorAmbiguousPlace) {
		t.Errorf("unexpected body: %v", body)
	}
	if cands, _ := body["candidates"].([]any); len(cands) != 2 {
		t.Errorf("candidates = %v, want 2", body["candidates"])
	}
}

func TestSearchIndicatorsTool_Definition(t *testing.T) {
	def := NewSearchIndicatorsTool(&fakeSearcher{}, "find indicators").Definition()
	if def.Name != "search_indicators" {
		t.Errorf("name = %q", def.Name)
	}
	if def.Description != "find indicators" {
		t.Errorf("description = %q", def.Description)
	}
	if diff := cmp.Diff([]string{"query"}, def.InputSchema.Required); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
	for _, p := range []string{"places", "parent_place", "per_search_limit", "include_topics", "maybe_bilateral"} {
		if _, ok := def.InputSchema.Properties[p]; !ok {
			t.Errorf("missing property %q", p)
		}
	}
}

// --- GetObservationsTool ---

func TestGetObservationsTool_Success(t *testing.T) {
	observer := &fakeObserver{res: &query.ObservationResult{
		Variable:   query.VariableInfo{DCID: "Count_Person", Name: "Total population"},
		DateFilter: datefilter.Latest(),
		PlaceObservations: []query.PlaceObservation{{
			Place:      kg.Place{DCID: "geoId/06", Name: "California"},
			SourceID:   "f1",
			TimeSeries: []query.Point{{Date: "2022", Value: 39029342}},
		}},
		AlternativeSources: []query.SourceSummary{},
	}}
	tool := NewGetObservationsTool(observer, "observe")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"variable_dcid":    "Count_Person",
		"place_dcid":       "geoId/06",
		"date_range_start": "2020",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isErrorResult(result) {
		t.Fatalf("expected success, got error: %s", getResultText(result))
	}

	want := query.ObservationParams{VariableDCID: "Count_Person", PlaceDCID: "geoId/06", DateRangeStart: "2020"}
	if diff := cmp.Diff(want, *observer.got); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	text := getResultText(result)
	if !strings.Contains(text, `"time_series":[["2022",39029342]]`) {
		t.Errorf("time series should encode as pairs: %s", text)
	}
	if decode(t, result)["status"] != "SUCCESS" {
		t.Errorf("unexpected status in %s", text)
	}
}

func TestGetObservationsTool_Rejection(t *testing.T) {
	observer := &fakeObserver{err: &query.DataVolumeConstraintViolation{ChildPlaceType: "County"}}
	tool := NewGetObservationsTool(observer, "observe")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"variable_dcid": "Count_Person", "place_dcid": "geoId/06", "child_place_type": "County", "date": "all",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decode(t, result)["error_type"]; got != string(ErrorDataVolumeConstraint) {
		t.Errorf("error_type = %v, want %s", got, ErrorDataVolumeConstraint)
	}
}

func TestGetObservationsTool_InternalErrorIsReturned(t *testing.T) {
	observer := &fakeObserver{err: errors.New("boom")}
	tool := NewGetObservationsTool(observer, "observe")

	result, err := tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"variable_dcid": "Count_Person", "place_dcid": "geoId/06",
	}))
	if err == nil {
		t.Fatal("expected a Go error for an unclassified failure")
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}
}

func TestGetObservationsTool_Definition(t *testing.T) {
	def := NewGetObservationsTool(&fakeObserver{}, "observe").Definition()
	if def.Name != "get_observations" {
		t.Errorf("name = %q", def.Name)
	}
	if diff := cmp.Diff([]string{"variable_dcid", "place_dcid"}, def.InputSchema.Required); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
}

// --- Error classification ---

func TestClassify(t *testing.T) {
	_, formatErr := datefilter.Normalize("20-01", "", "")
	_, specErr := datefilter.Normalize("latest", "2020", "")

	tests := []struct {
		name   string
		err    error
		want   ErrorType
		failed []string
	}{
		{"date format", formatErr, ErrorInvalidDateFormat, nil},
		{"date spec", specErr, ErrorInvalidDateSpec, nil},
		{"data volume", &query.DataVolumeConstraintViolation{ChildPlaceType: "County"}, ErrorDataVolumeConstraint, nil},
		{"not found", fmt.Errorf("resolving parent_place: %w", &places.NotFoundError{Name: "Atlantis"}), ErrorNotFound, nil},
		{"no common child type", childtype.NoCommonType.Err(), ErrorNoCommonChildType, nil},
		{"no anchor", &bilateral.NoAnchorPlaceError{VariableDCID: "v"}, ErrorNoAnchorPlace, nil},
		{"multiple anchors", &bilateral.MultipleAnchorCandidatesError{VariableDCID: "v"}, ErrorMultipleAnchorCandidates, nil},
		{"identifier input", &places.IdentifierInputError{Input: "geoId/06"}, ErrorInvalidParameter, nil},
		{"invalid limit", &indicators.InvalidLimitError{Limit: 0}, ErrorInvalidParameter, nil},
		{"parameter", &query.ParameterError{Name: "query", Reason: "is required"}, ErrorInvalidParameter, nil},
		{"upstream", &kg.UpstreamError{Op: "observation", Status: 503, Err: errors.New("unavailable")}, ErrorUpstream, nil},
		{"deadline", context.DeadlineExceeded, ErrorUpstream, nil},
		{"cancelled", context.Canceled, ErrorCancelled, nil},
		{
			"all failed",
			fmt.Errorf("fetching observations: %w", &fanout.AllFailedError{Failures: map[string]error{
				"geoId/48": errors.New("x"),
				"geoId/06": errors.New("y"),
			}}),
			ErrorUpstream,
			[]string{"geoId/06", "geoId/48"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ok := classify(tt.err)
			if !ok {
				t.Fatalf("classify(%v) not recognised", tt.err)
			}
			if body.ErrorType != tt.want {
				t.Errorf("error_type = %s, want %s", body.ErrorType, tt.want)
			}
			if body.Status != "ERROR" || body.Message == "" {
				t.Errorf("unexpected body: %+v", body)
			}
			if diff := cmp.Diff(tt.failed, body.FailedPlaces); diff != "" {
				t.Errorf("failed_places mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassify_Unknown(t *testing.T) {
	if _, ok := classify(errors.New("disk on fire")); ok {
		t.Error("unknown errors should not be classified")
	}
}

// --- Instructions ---

func TestInstructions_Defaults(t *testing.T) {
	ins := NewInstructions("")
	for _, name := range []string{ServerInstructionFile, SearchIndicatorsInstructionFile, GetObservationsInstructionFile} {
		if got := ins.Load(context.Background(), name); strings.TrimSpace(got) == "" {
			t.Errorf("default %s is empty", name)
		}
	}
}

func TestInstructions_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "tools"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tools", "get_observations.md"), []byte("custom text"), 0o644); err != nil {
		t.Fatal(err)
	}
	ins := NewInstructions(dir)

	if got := ins.Load(context.Background(), GetObservationsInstructionFile); got != "custom text" {
		t.Errorf("override not used, got %q", got)
	}
	// Files missing from the override directory fall back to the defaults.
	if got := ins.Load(context.Background(), ServerInstructionFile); !strings.Contains(got, "search_indicators") {
		t.Errorf("expected default server instructions, got %q", got)
	}
}

func TestInstructions_Missing(t *testing.T) {
	if got := NewInstructions(t.TempDir()).Load(context.Background(), "tools/unknown.md"); got != "" {
		t.Errorf("expected empty text, got %q", got)
	}
}
