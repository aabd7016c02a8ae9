package query

import (
	"fmt"
	"slices"
)

// --- State machine for get_observations ---
//
// A call starts in Validating and either moves to Rejected or picks one
// fetch stage, then Annotating, then Done. A fetch that fails aborts the
// run where it stands; there is no failure stage after Validating.

// Stage is one step of a get_observations run.
type Stage string

const (
	StageValidating       Stage = "validating"
	StageRejected         Stage = "rejected"
	StageSinglePlaceFetch Stage = "single_place_fetch"
	StageChildPlacesFetch Stage = "child_places_fetch"
	StageAnnotating       Stage = "annotating"
	StageDone             Stage = "done"
)

var transitions = map[Stage][]Stage{
	StageValidating:       {StageSinglePlaceFetch, StageChildPlacesFetch, StageRejected},
	StageSinglePlaceFetch: {StageAnnotating},
	StageChildPlacesFetch: {StageAnnotating},
	StageAnnotating:       {StageDone},
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Stage) bool {
	return len(transitions[s]) == 0
}

// CanTransition checks whether a run in stage from may move to stage to.
func CanTransition(from, to Stage) error {
	next, ok := transitions[from]
	if !ok {
		return fmt.Errorf("stage %q is terminal, cannot move to %q", from, to)
	}
	if !slices.Contains(next, to) {
		return fmt.Errorf("illegal transition %q -> %q", from, to)
	}
	return nil
}

// run tracks the stage of one call and the path it took.
type run struct {
	stage Stage
	trace []Stage
}

func newRun() *run {
	return &run{stage: StageValidating, trace: []Stage{StageValidating}}
}

// advance moves the run to the next stage after checking the transition.
func (r *run) advance(to Stage) error {
	if err := CanTransition(r.stage, to); err != nil {
		return err
	}
	r.stage = to
	r.trace = append(r.trace, to)
	return nil
}
