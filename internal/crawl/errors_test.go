package crawl

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorMessage(t *testing.T) {
	t.Parallel()

	err := Validationf("account_id", "missing for record %d", 3)
	if err.Error() != "account_id: missing for record 3" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if (&ValidationError{Reason: "bad payload"}).Error() != "bad payload" {
		t.Fatal("expected bare reason when field is empty")
	}
}

func TestValidationErrorWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("create unit: %w", Validationf("url", "not a facebook URL"))
	var verr *ValidationError
	if !errors.As(wrapped, &verr) {
		t.Fatal("expected ValidationError through the chain")
	}
	if verr.Field != "url" {
		t.Fatalf("unexpected field %q", verr.Field)
	}
}

func TestBatchErrorMessage(t *testing.T) {
	t.Parallel()

	err := &BatchError{
		Applied: 2,
		Failed: []FailedRecord{
			{Key: "alice", Reason: "missing account_id"},
		},
	}
	if err.Error() != "1 of 3 records failed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
