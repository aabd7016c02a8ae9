// Package query validates tool calls and orchestrates the decision core
// behind search_indicators and get_observations.
//
// Every parameter check runs before the first knowledge-graph call, so an
// invalid request never reaches the network.
package query

import (
	"context"

	"github.com/HendryAvila/datacommons-mcp/internal/childtype"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/places"
	"github.com/ONSdigital/log.go/v2/log"
)

const (
	DefaultChildSampleSize = 5
	DefaultSearchLimit     = 10
)

// Options configures a Service.
type Options struct {
	Policy fanout.Policy
	// ChildSampleSize is how many children of a parent place stand in for
	// the whole child set.
	ChildSampleSize int
	// PlaceTypeOrder lists place types from most to least specific.
	PlaceTypeOrder     []string
	DefaultSearchLimit int
}

// Service answers the two data tools.
type Service struct {
	client      kg.Client
	resolver    *places.Resolver
	ranker      *indicators.Ranker
	policy      fanout.Policy
	specificity childtype.Specificity
	sampleSize  int
	limit       int
}

// New wires a Service over the knowledge-graph client and ranker.
func New(client kg.Client, ranker *indicators.Ranker, opts Options) *Service {
	order := opts.PlaceTypeOrder
	if len(order) == 0 {
		order = childtype.DefaultOrder
	}
	sample := opts.ChildSampleSize
	if sample <= 0 {
		sample = DefaultChildSampleSize
	}
	limit := opts.DefaultSearchLimit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &Service{
		client:      client,
		resolver:    places.NewResolver(client, opts.Policy),
		ranker:      ranker,
		policy:      opts.Policy,
		specificity: childtype.NewSpecificity(order),
		sampleSize:  sample,
		limit:       limit,
	}
}

// names looks up display names, degrading to an empty map on failure.
func (s *Service) names(ctx context.Context, ids []string) map[string]string {
	if len(ids) == 0 {
		return map[string]string{}
	}
	out, err := fanout.Do(ctx, s.policy, func(c context.Context) (map[string]string, error) {
		return s.client.FetchNames(c, ids)
	})
	if err != nil {
		log.Warn(ctx, "name lookup failed, falling back to dcids", log.Data{"count": len(ids), "error": err.Error()})
		return map[string]string{}
	}
	return out
}

// types looks up place types, degrading to an empty map on failure.
func (s *Service) types(ctx context.Context, ids []string) map[string][]string {
	if len(ids) == 0 {
		return map[string][]string{}
	}
	out, err := fanout.Do(ctx, s.policy, func(c context.Context) (map[string][]string, error) {
		return s.client.FetchTypes(c, ids)
	})
	if err != nil {
		log.Warn(ctx, "type lookup failed", log.Data{"count": len(ids), "error": err.Error()})
		return map[string][]string{}
	}
	return out
}
