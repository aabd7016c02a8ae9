package datacommons

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/ONSdigital/log.go/v2/log"
	"golang.org/x/sync/errgroup"
)

// Scope selects which instances indicator search covers.
type Scope string

const (
	ScopeBaseOnly      Scope = "base_only"
	ScopeCustomOnly    Scope = "custom_only"
	ScopeBaseAndCustom Scope = "base_and_custom"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeBaseOnly, ScopeCustomOnly, ScopeBaseAndCustom:
		return Scope(s), nil
	case "":
		return ScopeBaseAndCustom, nil
	}
	return "", fmt.Errorf("invalid search scope %q (want base_only, custom_only or base_and_custom)", s)
}

// MultiClient combines the base instance with an optional custom one.
// Search and availability follow the scope; observations come from every
// configured instance; graph lookups prefer the custom instance.
type MultiClient struct {
	base   kg.Client
	custom kg.Client
	scope  Scope
}

var _ kg.Client = (*MultiClient)(nil)

// NewMultiClient needs at least one instance. A scope naming a missing
// instance falls back to whichever instance exists.
func NewMultiClient(base, custom kg.Client, scope Scope) (*MultiClient, error) {
	if base == nil && custom == nil {
		return nil, errors.New("datacommons: no instance configured")
	}
	return &MultiClient{base: base, custom: custom, scope: scope}, nil
}

// searchClients returns the instances in scope, custom first.
func (m *MultiClient) searchClients() []kg.Client {
	var out []kg.Client
	if m.custom != nil && m.scope != ScopeBaseOnly {
		out = append(out, m.custom)
	}
	if m.base != nil && m.scope != ScopeCustomOnly {
		out = append(out, m.base)
	}
	if len(out) == 0 {
		out = m.allClients()
	}
	return out
}

func (m *MultiClient) allClients() []kg.Client {
	var out []kg.Client
	if m.custom != nil {
		out = append(out, m.custom)
	}
	if m.base != nil {
		out = append(out, m.base)
	}
	return out
}

func (m *MultiClient) primary() kg.Client {
	if m.custom != nil {
		return m.custom
	}
	return m.base
}

// each calls fn on every client concurrently and returns the per-client
// results in client order. It fails only when every client failed.
func each[T any](ctx context.Context, clients []kg.Client, op string, fn func(context.Context, kg.Client) (T, error)) ([]T, []bool, error) {
	results := make([]T, len(clients))
	errs := make([]error, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		g.Go(func() error {
			results[i], errs[i] = fn(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	ok := make([]bool, len(clients))
	var firstErr error
	succeeded := 0
	for i, err := range errs {
		if err == nil {
			ok[i] = true
			succeeded++
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		log.Warn(ctx, "instance call failed", log.Data{"op": op, "instance": instanceName(clients[i]), "error": err.Error()})
	}
	if succeeded == 0 {
		return nil, nil, firstErr
	}
	return results, ok, nil
}

func instanceName(c kg.Client) string {
	if n, ok := c.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}

// Search merges hits from every instance in scope: custom hits first,
// then base hits not already seen.
func (m *MultiClient) Search(ctx context.Context, query string, opts kg.SearchOptions) ([]kg.SearchHit, error) {
	clients := m.searchClients()
	if len(clients) == 1 {
		return clients[0].Search(ctx, query, opts)
	}
	results, ok, err := each(ctx, clients, "search", func(c context.Context, cl kg.Client) ([]kg.SearchHit, error) {
		return cl.Search(c, query, opts)
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []kg.SearchHit
	for i, hits := range results {
		if !ok[i] {
			continue
		}
		for _, h := range hits {
			if seen[h.DCID] {
				continue
			}
			seen[h.DCID] = true
			out = append(out, h)
		}
	}
	return out, nil
}

// FetchObservations fetches from every instance. Facets only the custom
// instance has come first; base facets follow.
func (m *MultiClient) FetchObservations(ctx context.Context, req kg.ObservationRequest) (*kg.ObservationSet, error) {
	if m.custom == nil || m.base == nil {
		return m.primary().FetchObservations(ctx, req)
	}

	clients := []kg.Client{m.custom, m.base}
	results, ok, err := each(ctx, clients, "observation", func(c context.Context, cl kg.Client) (*kg.ObservationSet, error) {
		return cl.FetchObservations(c, req)
	})
	if err != nil {
		return nil, err
	}

	var custom, base *kg.ObservationSet
	if ok[0] {
		custom = results[0]
	}
	if ok[1] {
		base = results[1]
	}
	return MergeObservations(req.VariableDCID, custom, base), nil
}

// MergeObservations combines a custom and a base result. Either may be nil.
func MergeObservations(variable string, custom, base *kg.ObservationSet) *kg.ObservationSet {
	out := kg.NewObservationSet(variable)
	if custom != nil {
		for _, place := range custom.Places() {
			for _, s := range custom.ByPlace[place] {
				if base != nil {
					if _, shared := base.Facets[s.SourceID]; shared {
						continue
					}
				}
				out.ByPlace[place] = append(out.ByPlace[place], s)
				if f, ok := custom.Facets[s.SourceID]; ok {
					out.Facets[s.SourceID] = f
				}
			}
		}
	}
	if base != nil {
		for _, place := range base.Places() {
			out.ByPlace[place] = append(out.ByPlace[place], base.ByPlace[place]...)
		}
		for id, f := range base.Facets {
			if _, ok := out.Facets[id]; !ok {
				out.Facets[id] = f
			}
		}
	}
	return out
}

// FetchAvailableVariables unions availability across instances in scope.
func (m *MultiClient) FetchAvailableVariables(ctx context.Context, places []string) (map[string][]string, error) {
	clients := m.searchClients()
	if len(clients) == 1 {
		return clients[0].FetchAvailableVariables(ctx, places)
	}
	results, ok, err := each(ctx, clients, "availability", func(c context.Context, cl kg.Client) (map[string][]string, error) {
		return cl.FetchAvailableVariables(c, places)
	})
	if err != nil {
		return nil, err
	}

	sets := make(map[string]map[string]bool)
	for i, r := range results {
		if !ok[i] {
			continue
		}
		for place, vars := range r {
			if sets[place] == nil {
				sets[place] = make(map[string]bool)
			}
			for _, v := range vars {
				sets[place][v] = true
			}
		}
	}
	out := make(map[string][]string, len(sets))
	for place, set := range sets {
		vars := make([]string, 0, len(set))
		for v := range set {
			vars = append(vars, v)
		}
		sort.Strings(vars)
		out[place] = vars
	}
	return out, nil
}

func (m *MultiClient) ResolvePlace(ctx context.Context, name string) ([]kg.Place, error) {
	return m.primary().ResolvePlace(ctx, name)
}

func (m *MultiClient) FetchNames(ctx context.Context, ids []string) (map[string]string, error) {
	return m.primary().FetchNames(ctx, ids)
}

func (m *MultiClient) FetchTypes(ctx context.Context, ids []string) (map[string][]string, error) {
	return m.primary().FetchTypes(ctx, ids)
}

func (m *MultiClient) FetchChildren(ctx context.Context, parent, childType string) ([]kg.Place, error) {
	return m.primary().FetchChildren(ctx, parent, childType)
}
