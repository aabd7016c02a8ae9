package datacommons

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/google/go-cmp/cmp"
	"github.com/maxcnunes/httpfake"
)

func newTestClient(fake *httpfake.HTTPFake) *Client {
	return New(Config{
		Name:        "base",
		APIRoot:     fake.ResolveURL(""),
		SearchRoot:  fake.ResolveURL(""),
		SearchIndex: "base_uae_mem",
		APIKey:      "test-key",
	})
}

// jsonBodyAssertor compares a request body to the expected JSON document
// regardless of key order or whitespace.
type jsonBodyAssertor struct {
	want string
}

func (a *jsonBodyAssertor) Assert(r *http.Request) error {
	defer r.Body.Close()
	var got, want any
	if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	if err := json.Unmarshal([]byte(a.want), &want); err != nil {
		return fmt.Errorf("failed to unmarshal expected body: %w", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return fmt.Errorf("request body does not match expected (-want +got):\n%s", diff)
	}
	return nil
}

func (a *jsonBodyAssertor) Log(t testing.TB) { t.Log("asserting request body") }

func (a *jsonBodyAssertor) Error(t testing.TB, err error) {
	t.Errorf("error asserting request body: %s", err)
}

// --- Search ---

func TestSearch_SortsByScoreThenDCID(t *testing.T) {
	fake := httpfake.New(httpfake.WithTesting(t))
	defer fake.Close()

	fake.NewHandler().
		Post("/api/nl/search-vector").
		AssertQueryValue("idx", "base_uae_mem").
		AssertQueryValue("skip_topics", "true").
		AssertHeaderValue("X-API-Key", "test-key").
		AssertCustom(&jsonBodyAssertor{want: `{"queries":["population"]}`}).
		Reply(http.StatusOK).
		BodyString(`{"queryResults":{"population":{
			"SV":["Count_Person_Male","Count_Person","Count_Household",""],
			"CosineScore":[0.8,0.9,0.8,0.99]}}}`)

	hits, err := newTestClient(fake).Search(context.Background(), "population", kg.SearchOptions{})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	want := []kg.SearchHit{
		{DCID: "Count_Person", Score: 0.9},
		{DCID: "Count_Household", Score: 0.8},
		{DCID: "Count_Person_Male", Score: 0.8},
	}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Errorf("Search mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_MissingQueryResult(t *testing.T) {
	fake := httpfake.New()
	defer fake.Close()
	fake.NewHandler().Post("/api/nl/search-vector").Reply(http.StatusOK).BodyString(`{"queryResults":{}}`)

	hits, err := newTestClient(fake).Search(context.Background(), "nothing", kg.SearchOptions{IncludeTopics: true})
	if err != nil || len(hits) != 0 {
		t.Errorf("Search = %v, %v, want empty", hits, err)
	}
}

// --- Observations ---

const observationBody = `{
  "byVariable": {"Count_Person": {"byEntity": {"geoId/06": {"orderedFacets": [
    {"facetId": "2176550201", "observations": [{"date": "2021", "value": 39237836}, {"date": "2022", "value": 39029342}],
     "obsCount": 2, "earliestDate": "2021", "latestDate": "2022"},
    {"facetId": "1145703171", "observations": [{"date": "2020-04", "value": 39538223}]}
  ]}}}},
  "facets": {
    "2176550201": {"importName": "USCensusPEP_Annual_Population", "provenanceUrl": "https://www2.census.gov", "measurementMethod": "CensusPEPSurvey", "observationPeriod": "P1Y"},
    "1145703171": {"importName": "CensusACS5YearSurvey", "unit": "Person", "scalingFactor": 100}
  }
}`

func TestFetchObservations_SinglePlace(t *testing.T) {
	fake := httpfake.New(httpfake.WithTesting(t))
	defer fake.Close()

	fake.NewHandler().
		Post("/v2/observation").
		AssertCustom(&jsonBodyAssertor{want: `{
			"select": ["date","variable","entity","value","facet"],
			"variable": {"dcids": ["Count_Person"]},
			"entity": {"dcids": ["geoId/06"]},
			"date": "LATEST",
			"filter": {"facet_ids": ["2176550201"]}
		}`}).
		Reply(http.StatusOK).
		BodyString(observationBody)

	set, err := newTestClient(fake).FetchObservations(context.Background(), kg.ObservationRequest{
		VariableDCID: "Count_Person", PlaceDCID: "geoId/06", Date: "LATEST", SourceIDs: []string{"2176550201"},
	})
	if err != nil {
		t.Fatalf("FetchObservations error: %v", err)
	}

	series := set.ByPlace["geoId/06"]
	if len(series) != 2 {
		t.Fatalf("got %d facets, want 2", len(series))
	}
	if series[0].SourceID != "2176550201" || series[0].Origin != "base" || len(series[0].Observations) != 2 {
		t.Errorf("first facet = %+v", series[0])
	}
	// Summary fields the API omitted are derived from the observations.
	if series[1].ObsCount != 1 || series[1].EarliestDate != "2020-04-01" || series[1].LatestDate != "2020-04-30" {
		t.Errorf("derived summary = %+v", series[1])
	}
	if got := set.Facets["1145703171"]; got.ScalingFactor != "100" || got.Unit != "Person" {
		t.Errorf("facet metadata = %+v", got)
	}
	if got := set.Facets["2176550201"].ImportName; got != "USCensusPEP_Annual_Population" {
		t.Errorf("import name = %q", got)
	}
}

func TestFetchObservations_ChildExpression(t *testing.T) {
	fake := httpfake.New(httpfake.WithTesting(t))
	defer fake.Close()

	fake.NewHandler().
		Post("/v2/observation").
		AssertCustom(&jsonBodyAssertor{want: `{
			"select": ["date","variable","entity","value","facet"],
			"variable": {"dcids": ["Count_Person"]},
			"entity": {"expression": "geoId/06<-containedInPlace+{typeOf:County}"},
			"date": ""
		}`}).
		Reply(http.StatusOK).
		BodyString(`{"byVariable":{"Count_Person":{"byEntity":{}}},"facets":{}}`)

	set, err := newTestClient(fake).FetchObservations(context.Background(), kg.ObservationRequest{
		VariableDCID: "Count_Person", PlaceDCID: "geoId/06", ChildPlaceType: "County",
	})
	if err != nil {
		t.Fatalf("FetchObservations error: %v", err)
	}
	if len(set.ByPlace) != 0 {
		t.Errorf("ByPlace = %v, want empty", set.ByPlace)
	}
}

func TestFetchAvailableVariables(t *testing.T) {
	fake := httpfake.New(httpfake.WithTesting(t))
	defer fake.Close()

	fake.NewHandler().
		Post("/v2/observation").
		AssertCustom(&jsonBodyAssertor{want: `{
			"select": ["variable","entity"],
			"variable": {},
			"entity": {"dcids": ["geoId/06","geoId/48"]}
		}`}).
		Reply(http.StatusOK).
		BodyString(`{"byVariable":{
			"Count_Person":{"byEntity":{"geoId/06":{},"geoId/48":{}}},
			"Count_Farm":{"byEntity":{"geoId/48":{}}}}}`)

	got, err := newTestClient(fake).FetchAvailableVariables(context.Background(), []string{"geoId/06", "geoId/48"})
	if err != nil {
		t.Fatalf("FetchAvailableVariables error: %v", err)
	}
	want := map[string][]string{
		"geoId/06": {"Count_Person"},
		"geoId/48": {"Count_Farm", "Count_Person"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchAvailableVariables mismatch (-want +got):\n%s", diff)
	}
}

// --- Errors ---

func TestPost_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		temporary bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fake := httpfake.New()
			defer fake.Close()
			fake.NewHandler().Post("/v2/node").Reply(tt.status).BodyString("nope")

			_, err := newTestClient(fake).FetchNames(context.Background(), []string{"geoId/06"})
			var ue *kg.UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("err = %v, want *kg.UpstreamError", err)
			}
			if ue.Status != tt.status || ue.Temporary() != tt.temporary {
				t.Errorf("UpstreamError = %+v (temporary %v)", ue, ue.Temporary())
			}
		})
	}
}

func TestPost_MalformedJSON(t *testing.T) {
	fake := httpfake.New()
	defer fake.Close()
	fake.NewHandler().Post("/v2/node").Reply(http.StatusOK).BodyString("{not json")

	_, err := newTestClient(fake).FetchTypes(context.Background(), []string{"geoId/06"})
	if !kg.IsUpstream(err) {
		t.Errorf("err = %v, want upstream decode error", err)
	}
}

func TestPost_BreakerOpensOnServerErrors(t *testing.T) {
	fake := httpfake.New()
	defer fake.Close()
	fake.NewHandler().Post("/v2/node").Reply(http.StatusInternalServerError)

	c := New(Config{
		APIRoot: fake.ResolveURL(""),
		Breaker: BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ReadyToTripRatio: 0.5},
	})
	for i := 0; i < 5; i++ {
		_, _ = c.FetchNames(context.Background(), []string{"geoId/06"})
	}
	_, err := c.FetchNames(context.Background(), []string{"geoId/06"})
	var ue *kg.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want breaker-open upstream error", err)
	}
}

func TestPost_APIKeyOverride(t *testing.T) {
	fake := httpfake.New(httpfake.WithTesting(t))
	defer fake.Close()
	fake.NewHandler().
		Post("/v2/node").
		AssertHeaderValue("X-API-Key", "per-request").
		Reply(http.StatusOK).
		BodyString(`{"data":{}}`)

	ctx := WithAPIKey(context.Background(), "per-request")
	if _, err := newTestClient(fake).FetchNames(ctx, []string{"geoId/06"}); err != nil {
		t.Fatalf("FetchNames error: %v", err)
	}
}

// --- Nodes ---

func TestFetchNamesAndTypes(t *testing.T) {
	fake := httpfake.New()
	defer fake.Close()
	fake.NewHandler().
		Post("/v2/node").
		Reply(http.StatusOK).
		BodyString(`{"data":{
			"geoId/06":{"arcs":{"name":{"nodes":[{"value":"California"}]},"typeOf":{"nodes":[{"dcid":"State"},{"dcid":"AdministrativeArea1"}]}}},
			"geoId/99":{}}}`)

	c := newTestClient(fake)
	names, err := c.FetchNames(context.Background(), []string{"geoId/06", "geoId/99"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"geoId/06": "California"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	types, err := c.FetchTypes(context.Background(), []string{"geoId/06"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string][]string{"geoId/06": {"State", "AdministrativeArea1"}}, types); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchChildren(t *testing.T) {
	fake := httpfake.New(httpfake.WithTesting(t))
	defer fake.Close()
	fake.NewHandler().
		Post("/v2/node").
		AssertCustom(&jsonBodyAssertor{want: `{"nodes":["geoId/06"],"property":"<-containedInPlace+{typeOf:County}"}`}).
		Reply(http.StatusOK).
		BodyString(`{"data":{"geoId/06":{"arcs":{"containedInPlace+":{"nodes":[
			{"dcid":"geoId/06085","name":"Santa Clara County","types":["County"]},
			{"dcid":"geoId/06001","name":"Alameda County"},
			{"dcid":"geoId/06085","name":"Santa Clara County","types":["County"]}]}}}}}`)

	got, err := newTestClient(fake).FetchChildren(context.Background(), "geoId/06", "County")
	if err != nil {
		t.Fatalf("FetchChildren error: %v", err)
	}
	want := []kg.Place{
		{DCID: "geoId/06001", Name: "Alameda County", Types: []string{"County"}, ParentDCID: "geoId/06"},
		{DCID: "geoId/06085", Name: "Santa Clara County", Types: []string{"County"}, ParentDCID: "geoId/06"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchChildren mismatch (-want +got):\n%s", diff)
	}
}

func TestResolvePlace(t *testing.T) {
	fake := httpfake.New()
	defer fake.Close()
	fake.NewHandler().
		Post("/v2/resolve").
		Reply(http.StatusOK).
		BodyString(`{"entities":[{"node":"Georgia","candidates":[
			{"dcid":"geoId/13","dominantType":"State"},
			{"dcid":"country/GEO","dominantType":"Country"}]}]}`)
	fake.NewHandler().
		Post("/v2/node").
		Reply(http.StatusOK).
		BodyString(`{"data":{
			"geoId/13":{"arcs":{"name":{"nodes":[{"value":"Georgia"}]},"typeOf":{"nodes":[{"dcid":"State"},{"dcid":"AdministrativeArea1"}]}}},
			"country/GEO":{"arcs":{"name":{"nodes":[{"value":"Georgia"}]}}}}}`)

	got, err := newTestClient(fake).ResolvePlace(context.Background(), "Georgia")
	if err != nil {
		t.Fatalf("ResolvePlace error: %v", err)
	}
	want := []kg.Place{
		{DCID: "geoId/13", Name: "Georgia", Types: []string{"State", "AdministrativeArea1"}},
		{DCID: "country/GEO", Name: "Georgia", Types: []string{"Country"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolvePlace mismatch (-want +got):\n%s", diff)
	}
}

func TestResolvePlace_NoCandidates(t *testing.T) {
	fake := httpfake.New()
	defer fake.Close()
	fake.NewHandler().Post("/v2/resolve").Reply(http.StatusOK).BodyString(`{"entities":[{"node":"Atlantis"}]}`)

	got, err := newTestClient(fake).ResolvePlace(context.Background(), "Atlantis")
	if err != nil || len(got) != 0 {
		t.Errorf("ResolvePlace = %v, %v, want no candidates", got, err)
	}
}
