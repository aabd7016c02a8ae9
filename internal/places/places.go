// Package places resolves human-readable place names to graph places.
//
// The resolver never guesses: a name that matches several places is
// surfaced as an AmbiguousPlaceError carrying every candidate, and
// identifiers are refused as input because they must come from prior
// tool responses rather than from free text.
package places

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/childtype"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
)

var (
	ErrNotFound        = errors.New("place not found")
	ErrAmbiguousPlace  = errors.New("ambiguous place name")
	ErrIdentifierInput = errors.New("place identifier given where a name was expected")
)

// identifierPattern matches things like "geoId/06", "country/USA", "wikidataId/Q30".
// Namespaces start lowercase, so names such as "Washington/DC" pass.
var identifierPattern = regexp.MustCompile(`^[a-z][A-Za-z0-9_.]*/[A-Za-z0-9_.\-]+$`)

// NotFoundError reports a name with no matching candidate.
type NotFoundError struct {
	Name      string
	AdminHint string
}

func (e *NotFoundError) Error() string {
	if e.AdminHint != "" {
		return fmt.Sprintf("no place of type %s named %q", e.AdminHint, e.Name)
	}
	return fmt.Sprintf("no place named %q", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AmbiguousPlaceError is a decision point: the caller should qualify the
// name (e.g. "Springfield, Illinois") or pick one of Candidates.
type AmbiguousPlaceError struct {
	Name       string
	Candidates []kg.Place
}

func (e *AmbiguousPlaceError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.DCID
	}
	return fmt.Sprintf("%q matches %d places (%s); qualify the name with its state or country",
		e.Name, len(e.Candidates), strings.Join(ids, ", "))
}

func (e *AmbiguousPlaceError) Is(target error) bool { return target == ErrAmbiguousPlace }

// IdentifierInputError rejects a DCID passed as a place name.
type IdentifierInputError struct {
	Input string
}

func (e *IdentifierInputError) Error() string {
	if e.Input == "" {
		return "place name is required"
	}
	return fmt.Sprintf("%q looks like a place identifier; pass a place name such as \"California, USA\"", e.Input)
}

func (e *IdentifierInputError) Is(target error) bool { return target == ErrIdentifierInput }

// LooksLikeIdentifier reports whether s has the shape of a graph DCID.
func LooksLikeIdentifier(s string) bool {
	return identifierPattern.MatchString(strings.TrimSpace(s))
}

// SplitQualifier separates a trailing place-type qualifier from name, so
// "Georgia, Country" yields ("Georgia", "Country"). Only known place types
// count as qualifiers; "Springfield, Illinois" is returned unchanged.
func SplitQualifier(name string) (base, placeType string) {
	name = strings.TrimSpace(name)
	i := strings.LastIndex(name, ",")
	if i < 0 {
		return name, ""
	}
	head := strings.TrimSpace(name[:i])
	tail := strings.TrimSpace(name[i+1:])
	if head == "" {
		return name, ""
	}
	for _, t := range childtype.DefaultOrder {
		if strings.EqualFold(t, tail) {
			return head, t
		}
	}
	return name, ""
}

// Resolver turns names into places through the knowledge-graph client.
type Resolver struct {
	client kg.Client
	policy fanout.Policy
}

// NewResolver creates a resolver. Upstream calls follow policy.
func NewResolver(client kg.Client, policy fanout.Policy) *Resolver {
	return &Resolver{client: client, policy: policy}
}

// Resolve returns the single place matching name. adminHint, when set,
// keeps only candidates of that place type (e.g. "State", "City"). With no
// hint, a trailing qualifier such as "Georgia, Country" supplies it.
func (r *Resolver) Resolve(ctx context.Context, name, adminHint string) (kg.Place, error) {
	name = strings.TrimSpace(name)
	adminHint = strings.TrimSpace(adminHint)
	if name == "" || LooksLikeIdentifier(name) {
		return kg.Place{}, &IdentifierInputError{Input: name}
	}
	if adminHint == "" {
		name, adminHint = SplitQualifier(name)
	}

	candidates, err := fanout.Do(ctx, r.policy, func(c context.Context) ([]kg.Place, error) {
		return r.client.ResolvePlace(c, name)
	})
	if err != nil {
		return kg.Place{}, fmt.Errorf("resolving %q: %w", name, err)
	}
	return Pick(name, adminHint, candidates)
}

// Pick applies the resolution policy to upstream candidates.
func Pick(name, adminHint string, candidates []kg.Place) (kg.Place, error) {
	if len(candidates) == 0 {
		return kg.Place{}, &NotFoundError{Name: name}
	}

	seen := make(map[string]bool, len(candidates))
	var kept []kg.Place
	for _, c := range candidates {
		if seen[c.DCID] {
			continue
		}
		if adminHint != "" && !c.HasType(adminHint) {
			continue
		}
		seen[c.DCID] = true
		kept = append(kept, c)
	}

	switch len(kept) {
	case 0:
		return kg.Place{}, &NotFoundError{Name: name, AdminHint: adminHint}
	case 1:
		return kept[0], nil
	default:
		return kg.Place{}, &AmbiguousPlaceError{Name: name, Candidates: kept}
	}
}

// ResolveAll resolves names concurrently and returns the places in input
// order. The first failing name, in input order, determines the error.
func (r *Resolver) ResolveAll(ctx context.Context, names []string) ([]kg.Place, error) {
	if len(names) == 0 {
		return nil, nil
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || LooksLikeIdentifier(n) {
			return nil, &IdentifierInputError{Input: n}
		}
	}

	// Resolve handles retries itself, so the outer fan-out must not retry.
	outer := r.policy
	outer.MaxRetries = 0
	outer.PerCallTimeout = 0

	type outcome struct {
		place kg.Place
		err   error
	}
	results, _, err := fanout.Each(ctx, outer, names, func(c context.Context, name string) (outcome, error) {
		p, err := r.Resolve(c, name, "")
		return outcome{place: p, err: err}, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]kg.Place, 0, len(names))
	for _, n := range names {
		o := results[n]
		if o.err != nil {
			return nil, o.err
		}
		out = append(out, o.place)
	}
	return out, nil
}
