package query

import (
	"errors"
	"fmt"
)

var (
	// ErrDataVolumeConstraint is matched by DataVolumeConstraintViolation.
	ErrDataVolumeConstraint = errors.New("data volume constraint violation")
	// ErrInvalidParameter is matched by ParameterError.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// DataVolumeConstraintViolation rejects a child-place query asking for
// every observation of every child.
type DataVolumeConstraintViolation struct {
	ChildPlaceType string
}

func (e *DataVolumeConstraintViolation) Error() string {
	return fmt.Sprintf("child_place_type=%q cannot be combined with date=all: use date=latest, a single date or a date range", e.ChildPlaceType)
}

func (e *DataVolumeConstraintViolation) Is(target error) bool {
	return target == ErrDataVolumeConstraint
}

// ParameterError is a missing or malformed tool parameter.
type ParameterError struct {
	Name   string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Name, e.Reason)
}

func (e *ParameterError) Is(target error) bool { return target == ErrInvalidParameter }

func missing(name string) error {
	return &ParameterError{Name: name, Reason: "is required"}
}
