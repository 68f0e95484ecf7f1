// Package orchestrator exposes the ingestion and forecast task surfaces
// consumed by the external workflow layer. Inputs and outputs travel as
// flat variable maps.
package orchestrator

import "fmt"

// Stable business-error codes reported on the invocation surface. They are
// contract; renaming breaks callers.
const (
	CodeUnknownInstrument = "UNKNOWN_INSTRUMENT"
	CodeBadDate           = "BAD_DATE"
	CodeInvertedRange     = "INVERTED_RANGE"
	CodeMissingField      = "MISSING_FIELD"
	CodeUnknownSource     = "UNKNOWN_SOURCE"
	CodeModelNotFound     = "MODEL_NOT_FOUND"
	CodeInsufficientData  = "INSUFFICIENT_DATA"
	CodePriceUnavailable  = "PRICE_DATA_UNAVAILABLE"
)

// InvalidRequestError is a business error: the request is malformed and a
// retry with identical inputs would fail identically.
type InvalidRequestError struct {
	Code    string
	Message string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidRequest(code, format string, args ...any) *InvalidRequestError {
	return &InvalidRequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}
