package crawl

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports client input that cannot be persisted: a missing
// natural key, a malformed URL, an out-of-range number, or an illegal
// status transition. Handlers map it to a 4xx response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransitionError reports an attempt to move a record out of a terminal
// status. Handlers map it to a conflict response.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("record %s is %s; %s -> %s is not a legal transition", e.ID, e.From, e.From, e.To)
}

// FailedRecord identifies one record of a batch that could not be applied.
type FailedRecord struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// BatchError reports a partially applied batch. Applied rows are not rolled
// back; callers retry only the failed keys.
type BatchError struct {
	Applied int
	Failed  []FailedRecord
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d records failed", len(e.Failed), e.Applied+len(e.Failed))
}
