package indicators

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/topics"
	"github.com/google/go-cmp/cmp"
)

// --- Fakes ---

type fakeClient struct {
	kg.Client
	mu        sync.Mutex
	hits      map[string][]kg.SearchHit
	available map[string][]string
	availErr  map[string]error
	names     map[string]string
	types     map[string][]string
	searches  []string
	availCall int
}

func (f *fakeClient) Search(_ context.Context, q string, _ kg.SearchOptions) ([]kg.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, q)
	return f.hits[q], nil
}

func (f *fakeClient) FetchAvailableVariables(_ context.Context, places []string) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availCall++
	out := make(map[string][]string)
	for _, p := range places {
		if err := f.availErr[p]; err != nil {
			return nil, err
		}
		out[p] = f.available[p]
	}
	return out, nil
}

func (f *fakeClient) FetchNames(_ context.Context, dcids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, d := range dcids {
		if n, ok := f.names[d]; ok {
			out[d] = n
		}
	}
	return out, nil
}

func (f *fakeClient) FetchTypes(_ context.Context, dcids []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, d := range dcids {
		if t, ok := f.types[d]; ok {
			out[d] = t
		}
	}
	return out, nil
}

type fakeTopics struct {
	topics map[string]*topics.Topic
	names  map[string]string
}

func (f *fakeTopics) Topic(dcid string) (*topics.Topic, error) {
	if t, ok := f.topics[dcid]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", topics.ErrUnknownTopic, dcid)
}

func (f *fakeTopics) HasVariable(dcid string) (bool, error) {
	for _, t := range f.topics {
		for _, v := range t.MemberVariables {
			if v == dcid {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeTopics) Names(dcids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, d := range dcids {
		if n, ok := f.names[d]; ok {
			out[d] = n
		}
	}
	return out, nil
}

var (
	california = kg.Place{DCID: "geoId/06", Name: "California", Types: []string{"State"}}
	texas      = kg.Place{DCID: "geoId/48", Name: "Texas", Types: []string{"State"}}
	usa        = kg.Place{DCID: "country/USA", Name: "United States", Types: []string{"Country"}}
)

func testPolicy() fanout.Policy {
	return fanout.Policy{MaxParallel: 4, PerCallTimeout: time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newFixture(t *testing.T) (*Ranker, *fakeClient) {
	t.Helper()
	fc := &fakeClient{
		hits: map[string][]kg.SearchHit{
			"population": {
				{DCID: "dc/topic/Demographics", Score: 0.9},
				{DCID: "Count_Person", Score: 0.88},
				{DCID: "Count_Person_Male", Score: 0.8},
				{DCID: "Count_Person_Female", Score: 0.7},
				{DCID: "dc/topic/Empty", Score: 0.6},
			},
			"trade exports":            {{DCID: "TradeExports_FRA"}},
			"trade exports Texas":      {{DCID: "TradeExports_MEX"}, {DCID: "TradeExports_FRA"}},
			"trade exports California": nil,
		},
		available: map[string][]string{
			"geoId/06": {"Count_Person", "Count_Person_Female", "dc/abcdefghij12", "TradeExports_MEX"},
			"geoId/48": {"Count_Person", "Count_Person_Male"},
		},
		availErr: map[string]error{},
		names: map[string]string{
			"Count_Person_Male": "Male Population",
			"geoId/999":         "Somewhere",
		},
		types: map[string][]string{},
	}
	ft := &fakeTopics{
		topics: map[string]*topics.Topic{
			"dc/topic/Demographics": {
				DCID:            "dc/topic/Demographics",
				Name:            "Demographics",
				MemberTopics:    []string{"dc/topic/BySex"},
				MemberVariables: []string{"Count_Person", "Median_Age_Person"},
			},
			"dc/topic/BySex": {
				DCID:            "dc/topic/BySex",
				MemberVariables: []string{"Count_Person_Male", "Count_Person_Female"},
			},
		},
		names: map[string]string{
			"dc/topic/Demographics": "Demographics",
			"Count_Person":          "Total Population",
		},
	}
	r, err := NewRanker(fc, ft, Options{Policy: testPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	return r, fc
}

func ids(inds []kg.Indicator) []string {
	out := []string{}
	for _, i := range inds {
		out = append(out, i.DCID)
	}
	return out
}

// --- Search ---

func TestSearch_VariablesOnlyWithPlaceFilter(t *testing.T) {
	r, _ := newFixture(t)
	res, err := r.Search(context.Background(), Request{
		Query: "population", Places: []kg.Place{california}, IncludeTopics: false, PerSearchLimit: 10,
	})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(res.Topics) != 0 {
		t.Errorf("topics = %v, want none", ids(res.Topics))
	}
	want := []kg.Indicator{
		{DCID: "Count_Person", Kind: kg.KindVariable, PlacesWithData: []string{"geoId/06"}},
		{DCID: "Count_Person_Female", Kind: kg.KindVariable, PlacesWithData: []string{"geoId/06"}},
	}
	if diff := cmp.Diff(want, res.Variables); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_NoPlacesDisablesFilter(t *testing.T) {
	r, fc := newFixture(t)
	res, err := r.Search(context.Background(), Request{Query: "population", IncludeTopics: true, PerSearchLimit: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if diff := cmp.Diff([]string{"Count_Person", "Count_Person_Male", "Count_Person_Female"}, ids(res.Variables)); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"dc/topic/Demographics", "dc/topic/Empty"}, ids(res.Topics)); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
	for _, v := range res.Variables {
		if len(v.PlacesWithData) != 0 {
			t.Errorf("%s has places_with_data without a place filter", v.DCID)
		}
	}
	if fc.availCall != 0 {
		t.Errorf("availability fetched %d times without places", fc.availCall)
	}
}

func TestSearch_TopicsRecursiveAvailability(t *testing.T) {
	r, _ := newFixture(t)
	res, err := r.Search(context.Background(), Request{
		Query: "population", Places: []kg.Place{california, texas}, IncludeTopics: true, PerSearchLimit: 10,
	})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	want := []kg.Indicator{{
		DCID:            "dc/topic/Demographics",
		Kind:            kg.KindTopic,
		MemberTopics:    []string{"dc/topic/BySex"},
		MemberVariables: []string{"Count_Person"},
		PlacesWithData:  []string{"geoId/06", "geoId/48"},
	}}
	if diff := cmp.Diff(want, res.Topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
	for _, v := range res.Variables {
		if v.DCID == "Count_Person_Male" && !cmp.Equal(v.PlacesWithData, []string{"geoId/48"}) {
			t.Errorf("Count_Person_Male places = %v", v.PlacesWithData)
		}
	}
}

func TestSearch_LimitCapsEachCategory(t *testing.T) {
	r, _ := newFixture(t)
	res, err := r.Search(context.Background(), Request{Query: "population", IncludeTopics: true, PerSearchLimit: 1})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(res.Topics) != 1 || len(res.Variables) != 1 {
		t.Errorf("got %d topics, %d variables, want 1 each", len(res.Topics), len(res.Variables))
	}
	if res.Variables[0].DCID != "Count_Person" {
		t.Errorf("first variable = %s, want upstream order preserved", res.Variables[0].DCID)
	}
}

func TestSearch_InvalidLimit(t *testing.T) {
	r, fc := newFixture(t)
	for _, limit := range []int{0, -1, 101} {
		_, err := r.Search(context.Background(), Request{Query: "population", PerSearchLimit: limit})
		if !errors.Is(err, ErrInvalidLimit) {
			t.Errorf("limit %d: err = %v, want ErrInvalidLimit", limit, err)
		}
	}
	if len(fc.searches) != 0 {
		t.Errorf("search issued for invalid limits: %v", fc.searches)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	r, _ := newFixture(t)
	if _, err := r.Search(context.Background(), Request{Query: "  ", PerSearchLimit: 10}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestSearch_MappingsAreTotal(t *testing.T) {
	r, _ := newFixture(t)
	res, err := r.Search(context.Background(), Request{
		Query: "population", Places: []kg.Place{california, texas}, ParentPlace: &usa, IncludeTopics: true, PerSearchLimit: 10,
	})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}

	referenced := []string{"geoId/06", "geoId/48", "country/USA"}
	for _, ind := range append(res.Topics, res.Variables...) {
		referenced = append(referenced, ind.DCID)
		referenced = append(referenced, ind.MemberTopics...)
		referenced = append(referenced, ind.MemberVariables...)
		referenced = append(referenced, ind.PlacesWithData...)
	}
	for _, id := range referenced {
		if _, ok := res.DCIDNameMappings[id]; !ok {
			t.Errorf("dcid %s missing from dcid_name_mappings", id)
		}
	}
	for _, p := range []string{"geoId/06", "geoId/48", "country/USA"} {
		if _, ok := res.DCIDPlaceTypeMappings[p]; !ok {
			t.Errorf("place %s missing from dcid_place_type_mappings", p)
		}
	}

	if got := res.DCIDNameMappings["Count_Person"]; got != "Total Population" {
		t.Errorf("topic-store name = %q", got)
	}
	if got := res.DCIDNameMappings["Count_Person_Male"]; got != "Male Population" {
		t.Errorf("upstream name = %q", got)
	}
	if got := res.DCIDNameMappings["dc/topic/BySex"]; got != "dc/topic/BySex" {
		t.Errorf("unnamed dcid should map to itself, got %q", got)
	}
	if res.ResolvedParentPlace == nil || res.ResolvedParentPlace.DCID != "country/USA" {
		t.Errorf("resolved_parent_place = %+v", res.ResolvedParentPlace)
	}
}

func TestSearch_MaybeBilateralExtraQueries(t *testing.T) {
	r, fc := newFixture(t)
	res, err := r.Search(context.Background(), Request{
		Query: "trade exports", Places: []kg.Place{texas, california}, PerSearchLimit: 10, MaybeBilateral: true,
	})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(fc.searches) != 3 {
		t.Errorf("searches = %v, want base + one per place", fc.searches)
	}
	want := []kg.Indicator{{DCID: "TradeExports_MEX", Kind: kg.KindVariable, PlacesWithData: []string{"geoId/06"}}}
	if diff := cmp.Diff(want, res.Variables); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_InternalVariablesHidden(t *testing.T) {
	r, fc := newFixture(t)
	fc.hits["internal"] = []kg.SearchHit{{DCID: "dc/abcdefghij12"}}
	res, err := r.Search(context.Background(), Request{Query: "internal", Places: []kg.Place{california}, PerSearchLimit: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(res.Variables) != 0 {
		t.Errorf("internal variable leaked: %v", ids(res.Variables))
	}
}

func TestSearch_AvailabilityCached(t *testing.T) {
	r, fc := newFixture(t)
	req := Request{Query: "population", Places: []kg.Place{california}, PerSearchLimit: 10}
	for i := 0; i < 3; i++ {
		if _, err := r.Search(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if fc.availCall != 1 {
		t.Errorf("availability fetched %d times, want 1", fc.availCall)
	}
}

func TestSearch_PartialAvailabilityFailure(t *testing.T) {
	r, fc := newFixture(t)
	fc.availErr["geoId/48"] = &kg.UpstreamError{Op: "observation", Status: 400, Err: errors.New("bad")}
	res, err := r.Search(context.Background(), Request{Query: "population", Places: []kg.Place{california, texas}, PerSearchLimit: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if diff := cmp.Diff([]string{"geoId/48"}, res.FailedPlaces); diff != "" {
		t.Errorf("failed_places mismatch (-want +got):\n%s", diff)
	}

	fc.availErr["geoId/06"] = &kg.UpstreamError{Op: "observation", Status: 400, Err: errors.New("bad")}
	r2, _ := NewRanker(fc, r.topics, Options{Policy: testPolicy()})
	if _, err := r2.Search(context.Background(), Request{Query: "population", Places: []kg.Place{california, texas}, PerSearchLimit: 10}); !errors.Is(err, fanout.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestSearch_RootTopicsLimitTopics(t *testing.T) {
	tests := []struct {
		name  string
		roots []string
		want  []string
	}{
		{"no roots", nil, []string{"dc/topic/Demographics", "dc/topic/Empty"}},
		{"root includes itself", []string{"dc/topic/Demographics"}, []string{"dc/topic/Demographics"}},
		{"descendant root excludes parent", []string{"dc/topic/BySex"}, []string{}},
		{"unknown root", []string{"dc/topic/Nope"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newFixture(t)
			r.roots = tt.roots
			res, err := r.Search(context.Background(), Request{Query: "population", IncludeTopics: true, PerSearchLimit: 10})
			if err != nil {
				t.Fatalf("Search error: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(res.Topics)); diff != "" {
				t.Errorf("topics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
