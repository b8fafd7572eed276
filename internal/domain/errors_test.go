package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		validation        bool
		notFound          bool
		invalidTransition bool
	}{
		{
			name:       "validation error",
			err:        NewValidationError("amount", ErrRefundAmountInvalid),
			validation: true,
		},
		{
			name:       "wrapped validation error",
			err:        fmt.Errorf("refund: %w", NewValidationError("amount", ErrRefundExceedsTotal)),
			validation: true,
		},
		{
			name:     "not found error",
			err:      &NotFoundError{OrderID: "ORD-1"},
			notFound: true,
		},
		{
			name:              "invalid transition error",
			err:               &InvalidTransitionError{From: "completed", To: "pending"},
			invalidTransition: true,
		},
		{
			name: "unsupported format is none of the above",
			err:  &UnsupportedFormatError{Format: "xml"},
		},
		{
			name: "nil error",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidation(tt.err); got != tt.validation {
				t.Errorf("IsValidation() = %v, want %v", got, tt.validation)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := IsInvalidTransition(tt.err); got != tt.invalidTransition {
				t.Errorf("IsInvalidTransition() = %v, want %v", got, tt.invalidTransition)
			}
		})
	}
}

func TestValidationError_KeepsCause(t *testing.T) {
	err := NewValidationError("amount", ErrRefundExceedsTotal)
	if !errors.Is(err, ErrRefundExceedsTotal) {
		t.Fatalf("expected cause to be reachable, got %v", err)
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if vErr.Field != "amount" {
		t.Fatalf("unexpected field %q", vErr.Field)
	}
}

func TestUnsupportedFormatError(t *testing.T) {
	err := &UnsupportedFormatError{Format: "xml"}
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if err.Error() != `unsupported export format: "xml"` {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "replayable key is not a conflict", err: ErrIdempotencyKeyAlreadyExists, want: false},
		{name: "idempotency hash mismatch", err: ErrIdempotencyHashMismatch, want: true},
		{name: "request in progress", err: ErrIdempotencyInProgress, want: true},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{name: "non idempotency error", err: ErrOrderNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}
