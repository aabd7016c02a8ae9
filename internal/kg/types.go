// Package kg holds the data model shared by the query core and the
// knowledge-graph client that sits behind it.
//
// The core never talks to the network directly: every read goes through
// the Client interface, which is the single I/O boundary of the module.
package kg

import (
	"context"
	"slices"
	"strings"
)

// --- Places ---

// Place is a resolved graph place. Identity is the DCID.
type Place struct {
	DCID       string   `json:"dcid"`
	Name       string   `json:"name,omitempty"`
	Types      []string `json:"types,omitempty"`
	ParentDCID string   `json:"parent_dcid,omitempty"`
}

// HasType reports whether the place carries the given type (case-insensitive).
func (p Place) HasType(t string) bool {
	for _, pt := range p.Types {
		if strings.EqualFold(pt, t) {
			return true
		}
	}
	return false
}

// DisplayName returns the name, falling back to the DCID.
func (p Place) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.DCID
}

// --- Indicators ---

// IndicatorKind separates topics (category nodes) from variables (leaves).
type IndicatorKind string

const (
	KindTopic    IndicatorKind = "topic"
	KindVariable IndicatorKind = "variable"
)

// KindOf classifies a search hit by its DCID. Topics live under a
// "topic/" namespace segment (e.g. "dc/topic/Health").
func KindOf(dcid string) IndicatorKind {
	if strings.Contains(dcid, "topic/") {
		return KindTopic
	}
	return KindVariable
}

// Indicator is a topic or a statistical variable returned by search.
type Indicator struct {
	DCID            string        `json:"dcid"`
	Kind            IndicatorKind `json:"-"`
	MemberTopics    []string      `json:"member_topics,omitempty"`
	MemberVariables []string      `json:"member_variables,omitempty"`
	PlacesWithData  []string      `json:"places_with_data,omitempty"`
}

// SearchHit is one raw result of the upstream search primitive, in the
// order the primitive returned it.
type SearchHit struct {
	DCID  string  `json:"dcid"`
	Score float64 `json:"score"`
}

// SearchOptions narrows the raw search primitive.
type SearchOptions struct {
	IncludeTopics bool
}

// --- Observations ---

// Observation is a single data point produced by the upstream client.
// The core filters and groups these but never mutates them.
type Observation struct {
	PlaceDCID    string  `json:"place_dcid"`
	VariableDCID string  `json:"variable_dcid"`
	Date         string  `json:"date"`
	Value        float64 `json:"value"`
	SourceID     string  `json:"source_id"`
}

// Facet describes one data source (a "facet" in Data Commons terms).
type Facet struct {
	SourceID          string `json:"source_id"`
	ImportName        string `json:"import_name,omitempty"`
	ProvenanceURL     string `json:"provenance_url,omitempty"`
	MeasurementMethod string `json:"measurement_method,omitempty"`
	ObservationPeriod string `json:"observation_period,omitempty"`
	Unit              string `json:"unit,omitempty"`
	ScalingFactor     string `json:"scaling_factor,omitempty"`
}

// FacetSeries is the set of observations one facet holds for one
// (variable, place) pair, with the summary fields the upstream reports.
type FacetSeries struct {
	SourceID     string        `json:"source_id"`
	Observations []Observation `json:"observations"`
	ObsCount     int           `json:"obs_count,omitempty"`
	EarliestDate string        `json:"earliest_date,omitempty"`
	LatestDate   string        `json:"latest_date,omitempty"`
	// Origin names the graph instance that served this facet.
	Origin string `json:"origin,omitempty"`
}

// ObservationSet is the raw result of one observation fetch: per place,
// the facets in upstream order, plus facet metadata keyed by source id.
type ObservationSet struct {
	VariableDCID string                   `json:"variable_dcid"`
	ByPlace      map[string][]FacetSeries `json:"by_place"`
	Facets       map[string]Facet         `json:"facets"`
}

// NewObservationSet returns an empty set ready to be filled.
func NewObservationSet(variable string) *ObservationSet {
	return &ObservationSet{
		VariableDCID: variable,
		ByPlace:      make(map[string][]FacetSeries),
		Facets:       make(map[string]Facet),
	}
}

// Places returns the place DCIDs in the set, sorted.
func (s *ObservationSet) Places() []string {
	out := make([]string, 0, len(s.ByPlace))
	for p := range s.ByPlace {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// ObservationRequest is what the orchestrator asks the client for.
// Exactly one of PlaceDCID-only (single place) or PlaceDCID plus
// ChildPlaceType (all children of that type) is meaningful.
type ObservationRequest struct {
	VariableDCID   string
	PlaceDCID      string
	ChildPlaceType string
	// Date is the upstream date selector: "LATEST", "" (all) or a literal.
	Date      string
	SourceIDs []string
}

// --- Client ---

// Client is the knowledge-graph boundary consumed by the core.
type Client interface {
	// Search runs the raw indicator search primitive and returns hits in
	// the primitive's own order.
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error)
	// FetchObservations returns raw observations for the request.
	FetchObservations(ctx context.Context, req ObservationRequest) (*ObservationSet, error)
	// ResolvePlace returns candidate places for a human-readable name.
	ResolvePlace(ctx context.Context, name string) ([]Place, error)
	// FetchAvailableVariables returns, per place, the variables with data.
	FetchAvailableVariables(ctx context.Context, placeDCIDs []string) (map[string][]string, error)
	// FetchNames returns display names keyed by DCID. Unknown DCIDs are omitted.
	FetchNames(ctx context.Context, dcids []string) (map[string]string, error)
	// FetchTypes returns place types keyed by DCID.
	FetchTypes(ctx context.Context, dcids []string) (map[string][]string, error)
	// FetchChildren returns the places contained in parent, optionally
	// restricted to one type.
	FetchChildren(ctx context.Context, parentDCID, childType string) ([]Place, error)
}
