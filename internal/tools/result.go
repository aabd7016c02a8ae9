// Package tools implements the MCP tool handlers for Data Commons data
// access.
//
// Each tool receives its dependencies via its struct and exposes
// Definition (for registration) and Handle (the mcp-go handler).
// Decision errors are returned as tool results carrying a JSON body so
// that callers can act on them; only internal failures are Go errors.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/HendryAvila/datacommons-mcp/internal/bilateral"
	"github.com/HendryAvila/datacommons-mcp/internal/childtype"
	"github.com/HendryAvila/datacommons-mcp/internal/datefilter"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/places"
	"github.com/HendryAvila/datacommons-mcp/internal/query"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	statusSuccess = "SUCCESS"
	statusError   = "ERROR"
)

// ErrorType classifies a failed tool call for the caller.
type ErrorType string

const (
	ErrorInvalidDateFormat        ErrorType = "InvalidDateFormat"
	ErrorInvalidDateSpec          ErrorType = "InvalidDateSpec"
	ErrorDataVolumeConstraint     ErrorType = "DataVolumeConstraintViolation"
	ErrorAmbiguousPlace           ErrorType = "AmbiguousPlaceError"
	ErrorNotFound                 ErrorType = "NotFoundError"
	ErrorNoCommonChildType        ErrorType = "NoCommonChildTypeError"
	ErrorNoAnchorPlace            ErrorType = "NoAnchorPlaceError"
	ErrorMultipleAnchorCandidates ErrorType = "MultipleAnchorCandidatesError"
	ErrorInvalidParameter         ErrorType = "InvalidParameter"
	ErrorUpstream                 ErrorType = "UpstreamError"
	ErrorCancelled                ErrorType = "Cancelled"
)

// errorBody is the JSON payload of a failed tool call.
type errorBody struct {
	Status       string     `json:"status"`
	ErrorType    ErrorType  `json:"error_type"`
	Message      string     `json:"message"`
	Candidates   []kg.Place `json:"candidates,omitempty"`
	FailedPlaces []string   `json:"failed_places,omitempty"`
}

// classify maps err onto the error taxonomy. ok is false for errors the
// caller cannot act on.
func classify(err error) (body errorBody, ok bool) {
	body = errorBody{Status: statusError, Message: err.Error()}

	var (
		ambiguous *places.AmbiguousPlaceError
		noAnchor  *bilateral.NoAnchorPlaceError
		multi     *bilateral.MultipleAnchorCandidatesError
		allFailed *fanout.AllFailedError
	)
	switch {
	case errors.As(err, &allFailed):
		body.ErrorType = ErrorUpstream
		for k := range allFailed.Failures {
			body.FailedPlaces = append(body.FailedPlaces, k)
		}
		slices.Sort(body.FailedPlaces)
	case errors.Is(err, datefilter.ErrInvalidDateFormat):
		body.ErrorType = ErrorInvalidDateFormat
	case errors.Is(err, datefilter.ErrInvalidDateSpec):
		body.ErrorType = ErrorInvalidDateSpec
	case errors.Is(err, query.ErrDataVolumeConstraint):
		body.ErrorType = ErrorDataVolumeConstraint
	case errors.As(err, &ambiguous):
		body.ErrorType = ErrorAmbiguousPlace
		body.Candidates = ambiguous.Candidates
	case errors.Is(err, places.ErrNotFound):
		body.ErrorType = ErrorNotFound
	case errors.Is(err, childtype.ErrNoCommonChildType):
		body.ErrorType = ErrorNoCommonChildType
	case errors.As(err, &noAnchor):
		body.ErrorType = ErrorNoAnchorPlace
		body.Candidates = noAnchor.Candidates
	case errors.As(err, &multi):
		body.ErrorType = ErrorMultipleAnchorCandidates
		body.Candidates = multi.Candidates
	case errors.Is(err, query.ErrInvalidParameter),
		errors.Is(err, places.ErrIdentifierInput),
		errors.Is(err, indicators.ErrInvalidLimit),
		errors.Is(err, indicators.ErrEmptyQuery):
		body.ErrorType = ErrorInvalidParameter
	case kg.IsUpstream(err), errors.Is(err, context.DeadlineExceeded):
		body.ErrorType = ErrorUpstream
	case errors.Is(err, context.Canceled):
		body.ErrorType = ErrorCancelled
	default:
		return body, false
	}
	return body, true
}

// errorResult turns a service error into a tool result, or into a Go
// error when the caller cannot do anything about it.
func errorResult(ctx context.Context, tool string, err error) (*mcp.CallToolResult, error) {
	body, ok := classify(err)
	if !ok {
		log.Error(ctx, tool+" failed", err)
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	log.Info(ctx, tool+" returned a structured error", log.Data{"error_type": body.ErrorType, "message": body.Message})

	b, merr := json.Marshal(body)
	if merr != nil {
		return nil, fmt.Errorf("encoding %s error: %w", tool, merr)
	}
	return mcp.NewToolResultError(string(b)), nil
}

// jsonResult encodes v as the text content of a successful result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// newRequestID tags one tool call in the logs.
func newRequestID() string {
	return uuid.NewString()
}
