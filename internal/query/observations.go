package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/datefilter"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/ONSdigital/log.go/v2/log"
)

// ObservationParams are the get_observations arguments. PlaceDCID may be
// a comma-separated list of DCIDs when ChildPlaceType is empty.
type ObservationParams struct {
	VariableDCID   string
	PlaceDCID      string
	ChildPlaceType string
	SourceOverride string
	Date           string
	DateRangeStart string
	DateRangeEnd   string
}

// Point is one (date, value) pair. It encodes as a two-element array.
type Point struct {
	Date  string
	Value float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Date, p.Value})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("time series point: want [date, value], got %s", b)
	}
	if err := json.Unmarshal(pair[0], &p.Date); err != nil {
		return fmt.Errorf("time series point date: %w", err)
	}
	if err := json.Unmarshal(pair[1], &p.Value); err != nil {
		return fmt.Errorf("time series point value: %w", err)
	}
	return nil
}

// VariableInfo names the requested variable.
type VariableInfo struct {
	DCID string `json:"dcid"`
	Name string `json:"name"`
}

// PlaceObservation is the time series of one place from its primary source.
type PlaceObservation struct {
	Place      kg.Place `json:"place"`
	SourceID   string   `json:"source_id"`
	TimeSeries []Point  `json:"time_series"`
}

// SourceSummary describes a facet across the places of the response.
type SourceSummary struct {
	kg.Facet
	EarliestDate      string `json:"earliest_date,omitempty"`
	LatestDate        string `json:"latest_date,omitempty"`
	TotalObservations int    `json:"total_observations"`
	// PlacesFound counts places with observations from this facet after
	// date filtering.
	PlacesFound int    `json:"places_found"`
	Origin      string `json:"origin,omitempty"`
}

// ObservationResult is the get_observations response.
type ObservationResult struct {
	Variable           VariableInfo       `json:"variable"`
	DateFilter         datefilter.Filter  `json:"date_filter"`
	ChildPlaceType     string             `json:"child_place_type,omitempty"`
	PlaceObservations  []PlaceObservation `json:"place_observations"`
	SourceMetadata     *SourceSummary     `json:"source_metadata,omitempty"`
	AlternativeSources []SourceSummary    `json:"alternative_sources"`
	// PlacesWithoutData lists requested places none of whose facets had
	// observations matching the date filter.
	PlacesWithoutData []string `json:"places_without_data,omitempty"`
	// FailedPlaces lists places whose fetch failed after retries.
	FailedPlaces []string `json:"failed_places,omitempty"`
}

// validated is a request that passed Validating.
type validated struct {
	variable  string
	places    []string
	childType string
	source    string
	filter    datefilter.Filter
}

// GetObservations validates the request, fetches observations for the
// listed places or for the children of one place, and annotates them.
func (s *Service) GetObservations(ctx context.Context, p ObservationParams) (*ObservationResult, error) {
	r := newRun()

	v, err := validate(p)
	if err != nil {
		if aerr := r.advance(StageRejected); aerr != nil {
			return nil, aerr
		}
		log.Info(ctx, "get_observations rejected", log.Data{"reason": err.Error()})
		return nil, err
	}

	var (
		set    *kg.ObservationSet
		failed []string
	)
	if v.childType != "" {
		if err := r.advance(StageChildPlacesFetch); err != nil {
			return nil, err
		}
		set, err = s.fetchChildren(ctx, v)
	} else {
		if err := r.advance(StageSinglePlaceFetch); err != nil {
			return nil, err
		}
		set, failed, err = s.fetchPlaces(ctx, v)
	}
	if err != nil {
		log.Warn(ctx, "get_observations fetch failed", log.Data{"trace": r.trace, "error": err.Error()})
		return nil, err
	}

	if err := r.advance(StageAnnotating); err != nil {
		return nil, err
	}
	res := s.annotate(ctx, v, set, failed)
	res.FailedPlaces = failed

	if err := r.advance(StageDone); err != nil {
		return nil, err
	}
	log.Info(ctx, "get_observations done", log.Data{
		"variable": v.variable,
		"filter":   v.filter.String(),
		"places":   len(res.PlaceObservations),
		"failed":   len(failed),
		"trace":    r.trace,
	})
	return res, nil
}

// validate runs every check that can fail without a network call.
func validate(p ObservationParams) (*validated, error) {
	v := &validated{
		variable:  strings.TrimSpace(p.VariableDCID),
		places:    uniq(cleanList(strings.Split(p.PlaceDCID, ","))),
		childType: strings.TrimSpace(p.ChildPlaceType),
		source:    strings.TrimSpace(p.SourceOverride),
	}
	if v.variable == "" {
		return nil, missing("variable_dcid")
	}
	if len(v.places) == 0 {
		return nil, missing("place_dcid")
	}
	if v.childType != "" && len(v.places) > 1 {
		return nil, &ParameterError{Name: "place_dcid", Reason: "must be a single parent place when child_place_type is set"}
	}

	f, err := datefilter.Normalize(p.Date, p.DateRangeStart, p.DateRangeEnd)
	if err != nil {
		return nil, err
	}
	if v.childType != "" && !f.IsBounded() {
		return nil, &DataVolumeConstraintViolation{ChildPlaceType: v.childType}
	}
	v.filter = f
	return v, nil
}

func (v *validated) request(place string) kg.ObservationRequest {
	req := kg.ObservationRequest{
		VariableDCID:   v.variable,
		PlaceDCID:      place,
		ChildPlaceType: v.childType,
		Date:           v.filter.APIDate(),
	}
	if v.source != "" {
		req.SourceIDs = []string{v.source}
	}
	return req
}

// fetchPlaces fetches every listed place independently. A failed place is
// reported, not fatal, unless every place failed.
func (s *Service) fetchPlaces(ctx context.Context, v *validated) (*kg.ObservationSet, []string, error) {
	results, failures, err := fanout.Each(ctx, s.policy, v.places, func(c context.Context, place string) (*kg.ObservationSet, error) {
		return s.client.FetchObservations(c, v.request(place))
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetching observations for %s: %w", v.variable, err)
	}

	set := kg.NewObservationSet(v.variable)
	var failed []string
	for _, place := range v.places {
		if ferr, ok := failures[place]; ok {
			failed = append(failed, place)
			log.Warn(ctx, "place fetch failed", log.Data{"place": place, "variable": v.variable, "error": ferr.Error()})
			continue
		}
		part := results[place]
		if part == nil {
			continue
		}
		for id, f := range part.Facets {
			set.Facets[id] = f
		}
		// A single-place fetch may still answer for other places; keep
		// only the requested one.
		set.ByPlace[place] = append(set.ByPlace[place], part.ByPlace[place]...)
	}
	return set, failed, nil
}

func (s *Service) fetchChildren(ctx context.Context, v *validated) (*kg.ObservationSet, error) {
	set, err := fanout.Do(ctx, s.policy, func(c context.Context) (*kg.ObservationSet, error) {
		return s.client.FetchObservations(c, v.request(v.places[0]))
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s observations for %s children of %s: %w", v.variable, v.childType, v.places[0], err)
	}
	if set == nil {
		set = kg.NewObservationSet(v.variable)
	}
	return set, nil
}

// --- Annotating ---

// candidate is one facet of one place after date filtering.
type candidate struct {
	series kg.FacetSeries
	points []Point
}

// better orders facets by latest date, then observation count, then id.
func better(a, b kg.FacetSeries) bool {
	if a.LatestDate != b.LatestDate {
		return datefilter.Less(b.LatestDate, a.LatestDate)
	}
	if a.ObsCount != b.ObsCount {
		return a.ObsCount > b.ObsCount
	}
	return a.SourceID < b.SourceID
}

func (s *Service) annotate(ctx context.Context, v *validated, set *kg.ObservationSet, failed []string) *ObservationResult {
	res := &ObservationResult{
		DateFilter:         v.filter,
		ChildPlaceType:     v.childType,
		PlaceObservations:  []PlaceObservation{},
		AlternativeSources: []SourceSummary{},
	}

	summaries := make(map[string]*SourceSummary)
	primaryCount := make(map[string]int)
	var withData []string

	placeList := set.Places()
	if v.childType == "" {
		placeList = v.places
	}
	for _, place := range placeList {
		if slices.Contains(failed, place) {
			continue
		}
		series := set.ByPlace[place]

		var best *candidate
		for _, fs := range series {
			if v.source != "" && fs.SourceID != v.source {
				continue
			}
			c := candidate{series: fs, points: filterPoints(fs.Observations, v.filter)}
			sum := summaryFor(summaries, set.Facets, fs)
			if len(c.points) == 0 {
				continue
			}
			sum.PlacesFound++
			if best == nil || better(fs, best.series) {
				best = &c
			}
		}
		if best == nil {
			if v.childType == "" {
				res.PlacesWithoutData = append(res.PlacesWithoutData, place)
			}
			continue
		}

		primaryCount[best.series.SourceID]++
		withData = append(withData, place)
		res.PlaceObservations = append(res.PlaceObservations, PlaceObservation{
			Place:      kg.Place{DCID: place},
			SourceID:   best.series.SourceID,
			TimeSeries: best.points,
		})
	}

	primary := pickPrimary(summaries, primaryCount)
	for _, id := range sortedSummaryIDs(summaries) {
		if primary != nil && id == primary.SourceID {
			continue
		}
		res.AlternativeSources = append(res.AlternativeSources, *summaries[id])
	}
	res.SourceMetadata = primary

	names := s.names(ctx, append([]string{v.variable}, withData...))
	types := s.types(ctx, withData)
	res.Variable = VariableInfo{DCID: v.variable, Name: nameOr(names, v.variable)}
	for i := range res.PlaceObservations {
		p := &res.PlaceObservations[i].Place
		p.Name = nameOr(names, p.DCID)
		p.Types = types[p.DCID]
		if v.childType != "" {
			p.ParentDCID = v.places[0]
		}
	}
	return res
}

// filterPoints keeps the observations the filter admits, sorted by date.
func filterPoints(obs []kg.Observation, f datefilter.Filter) []Point {
	out := make([]Point, 0, len(obs))
	for _, o := range obs {
		if f.Includes(o.Date) {
			out = append(out, Point{Date: o.Date, Value: o.Value})
		}
	}
	slices.SortStableFunc(out, func(a, b Point) int {
		switch {
		case datefilter.Less(a.Date, b.Date):
			return -1
		case datefilter.Less(b.Date, a.Date):
			return 1
		}
		return 0
	})
	return out
}

// summaryFor returns the response-wide summary of a facet, folding in the
// series' date span and observation count.
func summaryFor(all map[string]*SourceSummary, facets map[string]kg.Facet, fs kg.FacetSeries) *SourceSummary {
	sum, ok := all[fs.SourceID]
	if !ok {
		f := facets[fs.SourceID]
		f.SourceID = fs.SourceID
		sum = &SourceSummary{Facet: f, Origin: fs.Origin}
		all[fs.SourceID] = sum
	}
	sum.TotalObservations += fs.ObsCount
	if fs.EarliestDate != "" && (sum.EarliestDate == "" || datefilter.Less(fs.EarliestDate, sum.EarliestDate)) {
		sum.EarliestDate = fs.EarliestDate
	}
	if fs.LatestDate != "" && (sum.LatestDate == "" || datefilter.Less(sum.LatestDate, fs.LatestDate)) {
		sum.LatestDate = fs.LatestDate
	}
	return sum
}

// pickPrimary returns the facet chosen as primary for the most places.
// Ties go to the facet with the later latest date, then more observations,
// then the smaller id.
func pickPrimary(all map[string]*SourceSummary, counts map[string]int) *SourceSummary {
	var best *SourceSummary
	for _, id := range sortedSummaryIDs(all) {
		sum := all[id]
		if counts[id] == 0 {
			continue
		}
		if best == nil || counts[id] > counts[best.SourceID] ||
			counts[id] == counts[best.SourceID] && better(seriesOf(sum), seriesOf(best)) {
			best = sum
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func seriesOf(s *SourceSummary) kg.FacetSeries {
	return kg.FacetSeries{SourceID: s.SourceID, LatestDate: s.LatestDate, ObsCount: s.TotalObservations}
}

// sortedSummaryIDs orders facets by places found, then id.
func sortedSummaryIDs(all map[string]*SourceSummary) []string {
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if d := all[b].PlacesFound - all[a].PlacesFound; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return ids
}

func nameOr(names map[string]string, dcid string) string {
	if n := names[dcid]; n != "" {
		return n
	}
	return dcid
}

// IsRejection reports whether err was raised while validating, before any
// upstream call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidParameter) ||
		errors.Is(err, ErrDataVolumeConstraint) ||
		errors.Is(err, datefilter.ErrInvalidDateFormat) ||
		errors.Is(err, datefilter.ErrInvalidDateSpec)
}
