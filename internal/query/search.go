package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/bilateral"
	"github.com/HendryAvila/datacommons-mcp/internal/childtype"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/places"
	"github.com/ONSdigital/log.go/v2/log"
)

// SearchParams are the search_indicators arguments. Places and
// ParentPlace are human-readable names.
type SearchParams struct {
	Query       string
	Places      []string
	ParentPlace string
	// PerSearchLimit is nil when not supplied, selecting the configured
	// default. A supplied value is validated as is.
	PerSearchLimit *int
	IncludeTopics  bool
	MaybeBilateral bool
}

// SearchResult is the ranker's result plus child-type and bilateral
// annotations.
type SearchResult struct {
	*indicators.Result
	ChildPlaceType         string `json:"child_place_type,omitempty"`
	ChildPlaceTypeFallback bool   `json:"child_place_type_fallback,omitempty"`
	// SampledChildPlaces is set when the parent's children were sampled
	// because no places were given.
	SampledChildPlaces []string `json:"sampled_child_places,omitempty"`
	// BilateralAnchors maps a bilateral variable to the place its
	// observations should be fetched for.
	BilateralAnchors map[string]string `json:"bilateral_anchors,omitempty"`
	// BilateralCandidates maps a bilateral variable to the places the
	// caller must choose between.
	BilateralCandidates map[string][]string `json:"bilateral_candidates,omitempty"`
}

// SearchIndicators resolves place names, searches for indicators and
// annotates the result.
func (s *Service) SearchIndicators(ctx context.Context, p SearchParams) (*SearchResult, error) {
	q := strings.TrimSpace(p.Query)
	if q == "" {
		return nil, missing("query")
	}
	limit := s.limit
	if p.PerSearchLimit != nil {
		limit = *p.PerSearchLimit
	}
	if err := indicators.ValidateLimit(limit); err != nil {
		return nil, err
	}
	placeNames := cleanList(p.Places)
	parentName := strings.TrimSpace(p.ParentPlace)
	for _, n := range append([]string{parentName}, placeNames...) {
		if n != "" && places.LooksLikeIdentifier(n) {
			return nil, &places.IdentifierInputError{Input: n}
		}
	}

	var parent *kg.Place
	if parentName != "" {
		pp, err := s.resolver.Resolve(ctx, parentName, "")
		if err != nil {
			return nil, fmt.Errorf("resolving parent_place: %w", err)
		}
		parent = &pp
	}
	sample, err := s.resolver.ResolveAll(ctx, placeNames)
	if err != nil {
		return nil, fmt.Errorf("resolving places: %w", err)
	}

	out := &SearchResult{}
	if parent != nil {
		if len(sample) == 0 {
			if sample, err = s.sampleChildren(ctx, *parent); err != nil {
				return nil, err
			}
			out.SampledChildPlaces = placeIDs(sample)
		}
		if res := s.inferChildType(ctx, sample); res.Found {
			out.ChildPlaceType = res.Type
		} else {
			out.ChildPlaceTypeFallback = true
			log.Info(ctx, "no common child place type, caller must query places individually", log.Data{
				"parent_place": parent.DCID,
				"sample":       placeIDs(sample),
			})
		}
	}

	res, err := s.ranker.Search(ctx, indicators.Request{
		Query:          q,
		Places:         sample,
		ParentPlace:    parent,
		IncludeTopics:  p.IncludeTopics,
		PerSearchLimit: limit,
		MaybeBilateral: p.MaybeBilateral,
	})
	if err != nil {
		return nil, err
	}
	out.Result = res

	if p.MaybeBilateral {
		s.anchorBilateral(ctx, out, sample)
	}
	return out, nil
}

func (s *Service) sampleChildren(ctx context.Context, parent kg.Place) ([]kg.Place, error) {
	children, err := fanout.Do(ctx, s.policy, func(c context.Context) ([]kg.Place, error) {
		return s.client.FetchChildren(c, parent.DCID, "")
	})
	if err != nil {
		return nil, fmt.Errorf("fetching children of %s: %w", parent.DCID, err)
	}
	return childtype.Sample(children, s.sampleSize), nil
}

// inferChildType fills in missing types for the sample and runs Infer.
func (s *Service) inferChildType(ctx context.Context, sample []kg.Place) childtype.Result {
	if len(sample) == 0 {
		return childtype.NoCommonType
	}
	var untyped []string
	for _, p := range sample {
		if len(p.Types) == 0 {
			untyped = append(untyped, p.DCID)
		}
	}
	mapping := s.types(ctx, untyped)
	return childtype.Infer(childtype.TypesOf(sample, mapping), s.specificity)
}

// anchorBilateral picks the observation anchor for every returned
// variable that encodes one of the candidate places.
func (s *Service) anchorBilateral(ctx context.Context, out *SearchResult, candidates []kg.Place) {
	for _, v := range out.Variables {
		if !encodesAny(v.DCID, candidates) {
			continue
		}
		withData := make(map[string]bool, len(v.PlacesWithData))
		for _, p := range v.PlacesWithData {
			withData[p] = true
		}

		anchor, err := bilateral.Disambiguate(v.DCID, candidates, withData)
		var multi *bilateral.MultipleAnchorCandidatesError
		switch {
		case err == nil:
			if out.BilateralAnchors == nil {
				out.BilateralAnchors = make(map[string]string)
			}
			out.BilateralAnchors[v.DCID] = anchor.DCID
		case errors.As(err, &multi):
			if out.BilateralCandidates == nil {
				out.BilateralCandidates = make(map[string][]string)
			}
			out.BilateralCandidates[v.DCID] = placeIDs(multi.Candidates)
		default:
			log.Info(ctx, "bilateral variable has no anchor place", log.Data{"variable": v.DCID, "reason": err.Error()})
		}
	}
}

func encodesAny(variable string, candidates []kg.Place) bool {
	for _, c := range candidates {
		if bilateral.EncodesPlace(variable, c.DCID) {
			return true
		}
	}
	return false
}

func cleanList(items []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func uniq(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}

func placeIDs(ps []kg.Place) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.DCID)
	}
	return out
}
