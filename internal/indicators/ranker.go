// Package indicators turns a free-text query into candidate topics and
// variables, annotated with which of the requested places have data.
//
// Ranking is delegated to the upstream search primitive: results keep the
// primitive's order and are only filtered, capped and annotated here.
package indicators

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/topics"
	"github.com/ONSdigital/log.go/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	MinLimit         = 1
	MaxLimit         = 100
	DefaultCacheSize = 128
)

var (
	ErrInvalidLimit = errors.New("invalid per_search_limit")
	ErrEmptyQuery   = errors.New("query is required")
)

// internalVariable matches auto-generated variable ids that are hidden
// from search unless a topic references them.
var internalVariable = regexp.MustCompile(`^dc/[a-z0-9]{10,}$`)

// InvalidLimitError rejects a per_search_limit outside [MinLimit, MaxLimit].
type InvalidLimitError struct {
	Limit int
}

func (e *InvalidLimitError) Error() string {
	return fmt.Sprintf("per_search_limit must be between %d and %d, got %d", MinLimit, MaxLimit, e.Limit)
}

func (e *InvalidLimitError) Is(target error) bool { return target == ErrInvalidLimit }

// TopicSource is the topic hierarchy the ranker reads. *topics.Store
// satisfies it.
type TopicSource interface {
	Topic(dcid string) (*topics.Topic, error)
	HasVariable(dcid string) (bool, error)
	Names(dcids []string) (map[string]string, error)
}

// Request is one search_indicators call after place names are resolved.
type Request struct {
	Query          string
	Places         []kg.Place
	ParentPlace    *kg.Place
	IncludeTopics  bool
	PerSearchLimit int
	MaybeBilateral bool
}

// Result is the annotated candidate list.
type Result struct {
	Topics                []kg.Indicator      `json:"topics"`
	Variables             []kg.Indicator      `json:"variables"`
	DCIDNameMappings      map[string]string   `json:"dcid_name_mappings"`
	DCIDPlaceTypeMappings map[string][]string `json:"dcid_place_type_mappings"`
	ResolvedParentPlace   *kg.Place           `json:"resolved_parent_place,omitempty"`
	// FailedPlaces lists places whose availability could not be fetched.
	FailedPlaces []string `json:"failed_places,omitempty"`
}

// Options configures a Ranker.
type Options struct {
	Policy    fanout.Policy
	CacheSize int
	// RootTopics, when set, limits topic results to these topics and
	// their descendants.
	RootTopics []string
}

// Ranker searches and annotates indicators.
type Ranker struct {
	client kg.Client
	topics TopicSource
	policy fanout.Policy
	roots  []string
	// availability caches, per place, the set of variables with data.
	availability *lru.Cache[string, map[string]bool]
}

// NewRanker creates a ranker over the client and topic source.
func NewRanker(client kg.Client, ts TopicSource, opts Options) (*Ranker, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, map[string]bool](size)
	if err != nil {
		return nil, fmt.Errorf("indicators: availability cache: %w", err)
	}
	return &Ranker{client: client, topics: ts, policy: opts.Policy, roots: opts.RootTopics, availability: cache}, nil
}

// ValidateLimit checks per_search_limit bounds.
func ValidateLimit(limit int) error {
	if limit < MinLimit || limit > MaxLimit {
		return &InvalidLimitError{Limit: limit}
	}
	return nil
}

// Search runs the query and returns filtered, capped, annotated results.
func (r *Ranker) Search(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if err := ValidateLimit(req.PerSearchLimit); err != nil {
		return nil, err
	}

	hits, err := r.search(ctx, req)
	if err != nil {
		return nil, err
	}

	var topicIDs, variableIDs []string
	for _, h := range hits {
		switch kg.KindOf(h.DCID) {
		case kg.KindTopic:
			if req.IncludeTopics {
				topicIDs = append(topicIDs, h.DCID)
			}
		case kg.KindVariable:
			variableIDs = append(variableIDs, h.DCID)
		}
	}

	placeIDs := placeDCIDs(req.Places)
	res := &Result{Topics: []kg.Indicator{}, Variables: []kg.Indicator{}}

	var avail map[string]map[string]bool
	if len(placeIDs) > 0 {
		avail, res.FailedPlaces, err = r.placeVariables(ctx, placeIDs)
		if err != nil {
			return nil, err
		}
	}
	ex := &existence{topics: r.topics, places: placeIDs, avail: avail, memo: make(map[string][]string)}

	for _, id := range variableIDs {
		if len(res.Variables) == req.PerSearchLimit {
			break
		}
		ind := kg.Indicator{DCID: id, Kind: kg.KindVariable}
		if len(placeIDs) > 0 {
			ind.PlacesWithData = ex.variablePlaces(id)
			if len(ind.PlacesWithData) == 0 {
				continue
			}
		}
		res.Variables = append(res.Variables, ind)
	}

	allowed, err := r.topicsUnderRoots()
	if err != nil {
		return nil, err
	}
	for _, id := range topicIDs {
		if len(res.Topics) == req.PerSearchLimit {
			break
		}
		if allowed != nil && !allowed[id] {
			continue
		}
		ind, keep, err := r.topicIndicator(id, ex)
		if err != nil {
			return nil, err
		}
		if keep {
			res.Topics = append(res.Topics, ind)
		}
	}

	if req.ParentPlace != nil {
		parent := *req.ParentPlace
		res.ResolvedParentPlace = &parent
	}

	if err := r.annotate(ctx, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// search runs the raw query, plus one "<query> <place>" query per place
// when the variable may be bilateral, and merges hits in first-seen order.
func (r *Ranker) search(ctx context.Context, req Request) ([]kg.SearchHit, error) {
	queries := []string{req.Query}
	if req.MaybeBilateral {
		for _, p := range req.Places {
			queries = append(queries, req.Query+" "+p.DisplayName())
		}
	}
	opts := kg.SearchOptions{IncludeTopics: req.IncludeTopics}

	results, failures, err := fanout.Each(ctx, r.policy, queries, func(c context.Context, q string) ([]kg.SearchHit, error) {
		return r.client.Search(c, q, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", req.Query, err)
	}
	if qerr, ok := failures[req.Query]; ok {
		return nil, fmt.Errorf("search %q: %w", req.Query, qerr)
	}
	for q, ferr := range failures {
		log.Warn(ctx, "bilateral search variant failed", log.Data{"query": q, "error": ferr.Error()})
	}

	seen := make(map[string]bool)
	var merged []kg.SearchHit
	for _, q := range queries {
		for _, h := range results[q] {
			if h.DCID == "" || seen[h.DCID] {
				continue
			}
			seen[h.DCID] = true
			merged = append(merged, h)
		}
	}
	return merged, nil
}

// placeVariables returns the variables with data per place, through the
// LRU cache. Places that fail after retries are reported separately.
func (r *Ranker) placeVariables(ctx context.Context, placeIDs []string) (map[string]map[string]bool, []string, error) {
	out := make(map[string]map[string]bool, len(placeIDs))
	var missing []string
	for _, p := range placeIDs {
		if vars, ok := r.availability.Get(p); ok {
			out[p] = vars
			continue
		}
		missing = append(missing, p)
	}
	if len(missing) == 0 {
		return out, nil, nil
	}

	fetched, failures, err := fanout.Each(ctx, r.policy, missing, func(c context.Context, place string) (map[string]bool, error) {
		byPlace, err := r.client.FetchAvailableVariables(c, []string{place})
		if err != nil {
			return nil, err
		}
		return r.visibleVariables(byPlace[place])
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch available variables: %w", err)
	}
	for p, vars := range fetched {
		r.availability.Add(p, vars)
		out[p] = vars
	}

	var failed []string
	for _, p := range missing {
		if ferr, ok := failures[p]; ok {
			failed = append(failed, p)
			log.Warn(ctx, "available variables fetch failed", log.Data{"place": p, "error": ferr.Error()})
		}
	}
	return out, failed, nil
}

// visibleVariables drops internal ids the topic store does not know about.
func (r *Ranker) visibleVariables(vars []string) (map[string]bool, error) {
	set := make(map[string]bool, len(vars))
	for _, v := range vars {
		if internalVariable.MatchString(v) {
			known, err := r.topics.HasVariable(v)
			if err != nil {
				return nil, err
			}
			if !known {
				continue
			}
		}
		set[v] = true
	}
	return set, nil
}

func (r *Ranker) topicIndicator(id string, ex *existence) (kg.Indicator, bool, error) {
	ind := kg.Indicator{DCID: id, Kind: kg.KindTopic}
	t, err := r.topics.Topic(id)
	if err != nil && !errors.Is(err, topics.ErrUnknownTopic) {
		return ind, false, err
	}

	if len(ex.places) > 0 {
		places, err := ex.topicPlaces(id)
		if err != nil {
			return ind, false, err
		}
		if len(places) == 0 {
			return ind, false, nil
		}
		ind.PlacesWithData = places
	}
	if t == nil {
		return ind, true, nil
	}

	ind.MemberTopics = t.MemberTopics
	ind.MemberVariables = t.MemberVariables
	if len(ex.places) > 0 {
		ind.MemberVariables = nil
		for _, v := range t.MemberVariables {
			if len(ex.variablePlaces(v)) > 0 {
				ind.MemberVariables = append(ind.MemberVariables, v)
			}
		}
		ind.MemberTopics = nil
		for _, sub := range t.MemberTopics {
			places, err := ex.topicPlaces(sub)
			if err != nil {
				return ind, false, err
			}
			if len(places) > 0 {
				ind.MemberTopics = append(ind.MemberTopics, sub)
			}
		}
	}
	return ind, true, nil
}

// topicsUnderRoots returns the root topics and everything reachable from
// them, or nil when no roots are configured.
func (r *Ranker) topicsUnderRoots() (map[string]bool, error) {
	if len(r.roots) == 0 {
		return nil, nil
	}
	allowed := make(map[string]bool)
	queue := append([]string(nil), r.roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if allowed[id] {
			continue
		}
		allowed[id] = true
		t, err := r.topics.Topic(id)
		if errors.Is(err, topics.ErrUnknownTopic) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("root topic %s: %w", id, err)
		}
		queue = append(queue, t.MemberTopics...)
	}
	return allowed, nil
}

// annotate fills the name and place-type mappings so that every DCID in
// the response has an entry.
func (r *Ranker) annotate(ctx context.Context, req Request, res *Result) error {
	var indicatorIDs []string
	placeSet := make(map[string]bool)
	add := func(ind kg.Indicator) {
		indicatorIDs = append(indicatorIDs, ind.DCID)
		indicatorIDs = append(indicatorIDs, ind.MemberTopics...)
		indicatorIDs = append(indicatorIDs, ind.MemberVariables...)
		for _, p := range ind.PlacesWithData {
			placeSet[p] = true
		}
	}
	for _, t := range res.Topics {
		add(t)
	}
	for _, v := range res.Variables {
		add(v)
	}

	known := make(map[string]kg.Place)
	for _, p := range req.Places {
		known[p.DCID] = p
		placeSet[p.DCID] = true
	}
	if req.ParentPlace != nil {
		known[req.ParentPlace.DCID] = *req.ParentPlace
		placeSet[req.ParentPlace.DCID] = true
	}

	names, err := r.topics.Names(dedupe(indicatorIDs))
	if err != nil {
		return fmt.Errorf("annotate names: %w", err)
	}
	res.DCIDNameMappings = make(map[string]string, len(names)+len(placeSet))
	for k, v := range names {
		res.DCIDNameMappings[k] = v
	}

	var unnamed []string
	for _, id := range dedupe(indicatorIDs) {
		if _, ok := res.DCIDNameMappings[id]; !ok {
			unnamed = append(unnamed, id)
		}
	}
	res.DCIDPlaceTypeMappings = make(map[string][]string, len(placeSet))
	var untyped []string
	for id := range placeSet {
		p, ok := known[id]
		if ok && p.Name != "" {
			res.DCIDNameMappings[id] = p.Name
		} else {
			unnamed = append(unnamed, id)
		}
		if ok && len(p.Types) > 0 {
			res.DCIDPlaceTypeMappings[id] = p.Types
		} else {
			untyped = append(untyped, id)
		}
	}

	if len(unnamed) > 0 {
		fetched, err := fanout.Do(ctx, r.policy, func(c context.Context) (map[string]string, error) {
			return r.client.FetchNames(c, unnamed)
		})
		if err != nil {
			log.Warn(ctx, "name lookup failed, falling back to dcids", log.Data{"count": len(unnamed), "error": err.Error()})
		}
		for _, id := range unnamed {
			if n := fetched[id]; n != "" {
				res.DCIDNameMappings[id] = n
			} else {
				res.DCIDNameMappings[id] = id
			}
		}
	}

	if len(untyped) > 0 {
		fetched, err := fanout.Do(ctx, r.policy, func(c context.Context) (map[string][]string, error) {
			return r.client.FetchTypes(c, untyped)
		})
		if err != nil {
			log.Warn(ctx, "place type lookup failed", log.Data{"count": len(untyped), "error": err.Error()})
		}
		for _, id := range untyped {
			types := fetched[id]
			if types == nil {
				types = []string{}
			}
			res.DCIDPlaceTypeMappings[id] = types
		}
	}
	return nil
}

// existence answers "which requested places have data for X" against a
// fixed availability snapshot.
type existence struct {
	topics TopicSource
	places []string
	avail  map[string]map[string]bool
	memo   map[string][]string
}

func (e *existence) variablePlaces(v string) []string {
	var out []string
	for _, p := range e.places {
		if e.avail[p][v] {
			out = append(out, p)
		}
	}
	return out
}

// topicPlaces is the union, in request order, of the places with data for
// any variable reachable from the topic.
func (e *existence) topicPlaces(topic string) ([]string, error) {
	if got, ok := e.memo[topic]; ok {
		return got, nil
	}
	e.memo[topic] = nil // guards against cycles

	t, err := e.topics.Topic(topic)
	if errors.Is(err, topics.ErrUnknownTopic) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	has := make(map[string]bool)
	for _, v := range t.MemberVariables {
		for _, p := range e.variablePlaces(v) {
			has[p] = true
		}
	}
	for _, sub := range t.MemberTopics {
		subPlaces, err := e.topicPlaces(sub)
		if err != nil {
			return nil, err
		}
		for _, p := range subPlaces {
			has[p] = true
		}
	}

	var out []string
	for _, p := range e.places {
		if has[p] {
			out = append(out, p)
		}
	}
	e.memo[topic] = out
	return out, nil
}

func placeDCIDs(places []kg.Place) []string {
	ids := make([]string, 0, len(places))
	for _, p := range places {
		ids = append(ids, p.DCID)
	}
	return dedupe(ids)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
