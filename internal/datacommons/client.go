// Package datacommons implements kg.Client over the Data Commons REST v2
// API and the vector search endpoint.
package datacommons

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/HendryAvila/datacommons-mcp/internal/datefilter"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/sony/gobreaker"
)

const (
	// DefaultAPIRoot is the public Data Commons API host.
	DefaultAPIRoot = "https://api.datacommons.org"
	// DefaultSearchRoot hosts the vector search endpoint.
	DefaultSearchRoot = "https://datacommons.org"

	maxErrorBody = 4096
)

// Config describes one Data Commons instance.
type Config struct {
	// Name labels the instance in logs and in facet origins ("base", "custom").
	Name string
	// APIRoot is the host the /v2 endpoints hang off.
	APIRoot     string
	SearchRoot  string
	SearchIndex string
	APIKey      string
	// HTTPClient defaults to a client without timeout; per-call deadlines
	// come from the request context.
	HTTPClient *http.Client
	Breaker    BreakerSettings
}

// BreakerSettings tunes the circuit breaker around the instance.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	ReadyToTripRatio float64
}

// DefaultBreakerSettings returns the breaker used when none is configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		ReadyToTripRatio: 0.6,
	}
}

// Client talks to one Data Commons instance.
type Client struct {
	name        string
	apiRoot     string
	searchRoot  string
	searchIndex string
	apiKey      string
	http        *http.Client
	cb          *gobreaker.CircuitBreaker
}

var _ kg.Client = (*Client)(nil)

// New creates a client for one instance.
func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "base"
	}
	if cfg.APIRoot == "" {
		cfg.APIRoot = DefaultAPIRoot
	}
	if cfg.SearchRoot == "" {
		cfg.SearchRoot = DefaultSearchRoot
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	bs := cfg.Breaker
	if bs == (BreakerSettings{}) {
		bs = DefaultBreakerSettings()
	}

	st := gobreaker.Settings{
		Name:        "datacommons-" + cfg.Name,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= bs.ReadyToTripRatio
		},
		// Caller mistakes (4xx) say nothing about the backend's health.
		IsSuccessful: func(err error) bool {
			var ue *kg.UpstreamError
			if errors.As(err, &ue) {
				return !ue.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn(context.Background(), "circuit breaker state changed", log.Data{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
		},
	}

	return &Client{
		name:        cfg.Name,
		apiRoot:     strings.TrimRight(cfg.APIRoot, "/"),
		searchRoot:  strings.TrimRight(cfg.SearchRoot, "/"),
		searchIndex: cfg.SearchIndex,
		apiKey:      cfg.APIKey,
		http:        cfg.HTTPClient,
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

// Name returns the instance label.
func (c *Client) Name() string { return c.name }

// ─── Transport ───────────────────────────────────────────────────────────────

func (c *Client) key(ctx context.Context) string {
	if k := APIKeyFromContext(ctx); k != "" {
		return k
	}
	return c.apiKey
}

// post sends body as JSON to endpoint and decodes the response into out.
func (c *Client) post(ctx context.Context, op, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	_, err = c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if k := c.key(ctx); k != "" {
			req.Header.Set("X-API-Key", k)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &kg.UpstreamError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &kg.UpstreamError{
				Op:     op,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("%s", strings.TrimSpace(string(msg))),
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, &kg.UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &kg.UpstreamError{Op: op, Status: http.StatusServiceUnavailable, Err: err}
	}
	return err
}

func (c *Client) v2(op string) string {
	return c.apiRoot + "/v2/" + op
}

// ─── Search ──────────────────────────────────────────────────────────────────

type searchRequest struct {
	Queries []string `json:"queries"`
}

type searchResponse struct {
	QueryResults map[string]struct {
		SV          []string  `json:"SV"`
		CosineScore []float64 `json:"CosineScore"`
	} `json:"queryResults"`
}

// Search runs the vector search. Hits are ordered by score, then DCID.
func (c *Client) Search(ctx context.Context, query string, opts kg.SearchOptions) ([]kg.SearchHit, error) {
	q := url.Values{}
	q.Set("idx", c.searchIndex)
	if !opts.IncludeTopics {
		q.Set("skip_topics", "true")
	}
	endpoint := c.searchRoot + "/api/nl/search-vector?" + q.Encode()

	var resp searchResponse
	if err := c.post(ctx, "search", endpoint, searchRequest{Queries: []string{query}}, &resp); err != nil {
		return nil, err
	}

	r := resp.QueryResults[query]
	n := min(len(r.SV), len(r.CosineScore))
	hits := make([]kg.SearchHit, 0, n)
	for i := 0; i < n; i++ {
		if r.SV[i] == "" {
			continue
		}
		hits = append(hits, kg.SearchHit{DCID: r.SV[i], Score: r.CosineScore[i]})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DCID < hits[j].DCID
	})
	return hits, nil
}

// ─── Observations ────────────────────────────────────────────────────────────

type dcids struct {
	DCIDs      []string `json:"dcids,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

type observationFilter struct {
	FacetIDs []string `json:"facet_ids,omitempty"`
}

type observationRequest struct {
	Select   []string           `json:"select"`
	Variable dcids              `json:"variable"`
	Entity   dcids              `json:"entity"`
	Date     string             `json:"date"`
	Filter   *observationFilter `json:"filter,omitempty"`
}

type observationResponse struct {
	ByVariable map[string]struct {
		ByEntity map[string]struct {
			OrderedFacets []struct {
				FacetID      string `json:"facetId"`
				Observations []struct {
					Date  string  `json:"date"`
					Value float64 `json:"value"`
				} `json:"observations"`
				ObsCount     int    `json:"obsCount"`
				EarliestDate string `json:"earliestDate"`
				LatestDate   string `json:"latestDate"`
			} `json:"orderedFacets"`
		} `json:"byEntity"`
	} `json:"byVariable"`
	Facets map[string]struct {
		ImportName        string      `json:"importName"`
		ProvenanceURL     string      `json:"provenanceUrl"`
		MeasurementMethod string      `json:"measurementMethod"`
		ObservationPeriod string      `json:"observationPeriod"`
		Unit              string      `json:"unit"`
		ScalingFactor     json.Number `json:"scalingFactor"`
	} `json:"facets"`
}

// ChildExpression is the entity expression for every child of parent of
// the given type.
func ChildExpression(parent, childType string) string {
	return fmt.Sprintf("%s<-containedInPlace+{typeOf:%s}", parent, childType)
}

// FetchObservations fetches one variable for one place, or for every
// child of the place when ChildPlaceType is set.
func (c *Client) FetchObservations(ctx context.Context, req kg.ObservationRequest) (*kg.ObservationSet, error) {
	body := observationRequest{
		Select:   []string{"date", "variable", "entity", "value", "facet"},
		Variable: dcids{DCIDs: []string{req.VariableDCID}},
		Date:     req.Date,
	}
	if req.ChildPlaceType != "" {
		body.Entity = dcids{Expression: ChildExpression(req.PlaceDCID, req.ChildPlaceType)}
	} else {
		body.Entity = dcids{DCIDs: []string{req.PlaceDCID}}
	}
	if len(req.SourceIDs) > 0 {
		body.Filter = &observationFilter{FacetIDs: req.SourceIDs}
	}

	var resp observationResponse
	if err := c.post(ctx, "observation", c.v2("observation"), body, &resp); err != nil {
		return nil, err
	}

	set := kg.NewObservationSet(req.VariableDCID)
	for id, f := range resp.Facets {
		set.Facets[id] = kg.Facet{
			SourceID:          id,
			ImportName:        f.ImportName,
			ProvenanceURL:     f.ProvenanceURL,
			MeasurementMethod: f.MeasurementMethod,
			ObservationPeriod: f.ObservationPeriod,
			Unit:              f.Unit,
			ScalingFactor:     f.ScalingFactor.String(),
		}
	}

	byEntity := resp.ByVariable[req.VariableDCID].ByEntity
	for place, data := range byEntity {
		for _, f := range data.OrderedFacets {
			series := kg.FacetSeries{
				SourceID:     f.FacetID,
				ObsCount:     f.ObsCount,
				EarliestDate: f.EarliestDate,
				LatestDate:   f.LatestDate,
				Origin:       c.name,
			}
			dates := make([]string, 0, len(f.Observations))
			for _, o := range f.Observations {
				series.Observations = append(series.Observations, kg.Observation{
					PlaceDCID:    place,
					VariableDCID: req.VariableDCID,
					Date:         o.Date,
					Value:        o.Value,
					SourceID:     f.FacetID,
				})
				dates = append(dates, o.Date)
			}
			if series.ObsCount == 0 {
				series.ObsCount = len(f.Observations)
			}
			if series.EarliestDate == "" {
				series.EarliestDate, _ = datefilter.Earliest(dates)
			}
			if series.LatestDate == "" {
				series.LatestDate, _ = datefilter.LatestEnd(dates)
			}
			set.ByPlace[place] = append(set.ByPlace[place], series)
		}
	}
	return set, nil
}

type availabilityRequest struct {
	Select   []string `json:"select"`
	Variable dcids    `json:"variable"`
	Entity   dcids    `json:"entity"`
}

// FetchAvailableVariables lists, per place, the variables with any data.
func (c *Client) FetchAvailableVariables(ctx context.Context, placeDCIDs []string) (map[string][]string, error) {
	body := availabilityRequest{
		Select: []string{"variable", "entity"},
		Entity: dcids{DCIDs: placeDCIDs},
	}
	var resp observationResponse
	if err := c.post(ctx, "observation", c.v2("observation"), body, &resp); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(placeDCIDs))
	for v, data := range resp.ByVariable {
		for place := range data.ByEntity {
			out[place] = append(out[place], v)
		}
	}
	for _, vars := range out {
		sort.Strings(vars)
	}
	return out, nil
}

// ─── Nodes ───────────────────────────────────────────────────────────────────

type nodeRequest struct {
	Nodes    []string `json:"nodes"`
	Property string   `json:"property"`
}

type nodeResponse struct {
	Data map[string]struct {
		Arcs map[string]struct {
			Nodes []struct {
				DCID  string   `json:"dcid"`
				Name  string   `json:"name"`
				Value string   `json:"value"`
				Types []string `json:"types"`
			} `json:"nodes"`
		} `json:"arcs"`
	} `json:"data"`
}

func (c *Client) node(ctx context.Context, nodes []string, property string) (*nodeResponse, error) {
	var resp nodeResponse
	if err := c.post(ctx, "node", c.v2("node"), nodeRequest{Nodes: nodes, Property: property}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchNames returns display names. DCIDs without a name are omitted.
func (c *Client) FetchNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	resp, err := c.node(ctx, ids, "->name")
	if err != nil {
		return nil, err
	}
	for id, d := range resp.Data {
		for _, n := range d.Arcs["name"].Nodes {
			if n.Value != "" {
				out[id] = n.Value
				break
			}
		}
	}
	return out, nil
}

// FetchTypes returns the typeOf values of each DCID.
func (c *Client) FetchTypes(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	resp, err := c.node(ctx, ids, "->typeOf")
	if err != nil {
		return nil, err
	}
	for id, d := range resp.Data {
		for _, n := range d.Arcs["typeOf"].Nodes {
			if n.DCID != "" {
				out[id] = append(out[id], n.DCID)
			}
		}
	}
	return out, nil
}

// FetchChildren returns places contained in parent, restricted to
// childType when set.
func (c *Client) FetchChildren(ctx context.Context, parent, childType string) ([]kg.Place, error) {
	property := "<-containedInPlace"
	if childType != "" {
		property = fmt.Sprintf("<-containedInPlace+{typeOf:%s}", childType)
	}
	resp, err := c.node(ctx, []string{parent}, property)
	if err != nil {
		return nil, err
	}

	var out []kg.Place
	seen := make(map[string]bool)
	for _, arc := range resp.Data[parent].Arcs {
		for _, n := range arc.Nodes {
			if n.DCID == "" || seen[n.DCID] {
				continue
			}
			seen[n.DCID] = true
			types := n.Types
			if len(types) == 0 && childType != "" {
				types = []string{childType}
			}
			out = append(out, kg.Place{DCID: n.DCID, Name: n.Name, Types: types, ParentDCID: parent})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DCID < out[j].DCID })
	return out, nil
}

// ─── Resolve ─────────────────────────────────────────────────────────────────

type resolveResponse struct {
	Entities []struct {
		Node       string `json:"node"`
		Candidates []struct {
			DCID         string `json:"dcid"`
			DominantType string `json:"dominantType"`
		} `json:"candidates"`
	} `json:"entities"`
}

// ResolvePlace returns the candidates for a place name in upstream order,
// enriched with names and types.
func (c *Client) ResolvePlace(ctx context.Context, name string) ([]kg.Place, error) {
	var resp resolveResponse
	body := nodeRequest{Nodes: []string{name}, Property: "<-description->dcid"}
	if err := c.post(ctx, "resolve", c.v2("resolve"), body, &resp); err != nil {
		return nil, err
	}

	var out []kg.Place
	var ids []string
	for _, e := range resp.Entities {
		if e.Node != name {
			continue
		}
		for _, cand := range e.Candidates {
			if cand.DCID == "" {
				continue
			}
			p := kg.Place{DCID: cand.DCID}
			if cand.DominantType != "" {
				p.Types = []string{cand.DominantType}
			}
			out = append(out, p)
			ids = append(ids, cand.DCID)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}

	names, err := c.FetchNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	types, err := c.FetchTypes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Name = names[out[i].DCID]
		if ts := types[out[i].DCID]; len(ts) > 0 {
			out[i].Types = ts
		}
	}
	return out, nil
}
