// Package bilateral picks the anchor place for a bilateral variable: a
// variable whose DCID encodes one endpoint of a pairwise relationship
// (e.g. exports to France), so that observations hang off the other
// endpoint.
package bilateral

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/kg"
)

var (
	ErrNoAnchorPlace            = errors.New("no anchor place")
	ErrMultipleAnchorCandidates = errors.New("multiple anchor candidates")
)

// NoAnchorPlaceError reports that none of the candidates has data for the variable.
type NoAnchorPlaceError struct {
	VariableDCID string
	Candidates   []kg.Place
}

func (e *NoAnchorPlaceError) Error() string {
	return fmt.Sprintf("none of %d candidate places has data for %s", len(e.Candidates), e.VariableDCID)
}

func (e *NoAnchorPlaceError) Is(target error) bool { return target == ErrNoAnchorPlace }

// MultipleAnchorCandidatesError is a decision point, not a failure: the
// caller must choose one of Candidates.
type MultipleAnchorCandidatesError struct {
	VariableDCID string
	Candidates   []kg.Place
}

func (e *MultipleAnchorCandidatesError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.DCID
	}
	return fmt.Sprintf("%s has data for several candidate places (%s); choose one", e.VariableDCID, strings.Join(ids, ", "))
}

func (e *MultipleAnchorCandidatesError) Is(target error) bool {
	return target == ErrMultipleAnchorCandidates
}

// Disambiguate returns the candidate that anchors variableDCID's
// observations: the one present in placesWithData. When several have
// data, candidates whose identifier is encoded in the variable DCID are
// set aside as the far endpoint.
func Disambiguate(variableDCID string, candidates []kg.Place, placesWithData map[string]bool) (kg.Place, error) {
	var withData []kg.Place
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.DCID] || !placesWithData[c.DCID] {
			continue
		}
		seen[c.DCID] = true
		withData = append(withData, c)
	}

	switch len(withData) {
	case 0:
		return kg.Place{}, &NoAnchorPlaceError{VariableDCID: variableDCID, Candidates: candidates}
	case 1:
		return withData[0], nil
	}

	var anchors []kg.Place
	for _, c := range withData {
		if !EncodesPlace(variableDCID, c.DCID) {
			anchors = append(anchors, c)
		}
	}
	if len(anchors) == 1 {
		return anchors[0], nil
	}
	if len(anchors) == 0 {
		anchors = withData
	}
	return kg.Place{}, &MultipleAnchorCandidatesError{VariableDCID: variableDCID, Candidates: anchors}
}

// EncodesPlace reports whether the place's local identifier (the part
// after the last "/", e.g. "FRA" for "country/FRA") appears as an
// underscore-delimited token of the variable DCID.
func EncodesPlace(variableDCID, placeDCID string) bool {
	local := placeDCID
	if i := strings.LastIndex(placeDCID, "/"); i >= 0 {
		local = placeDCID[i+1:]
	}
	if local == "" {
		return false
	}
	for _, tok := range strings.Split(variableDCID, "_") {
		if tok == local {
			return true
		}
	}
	return false
}
