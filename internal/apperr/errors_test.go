package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("send: %w", NewValidationError("to", "is required"))

	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Fields["to"] != "is required" {
		t.Fatalf("expected field message, got %+v", ve)
	}
}

func TestValidationError_ErrorIsSorted(t *testing.T) {
	ve := NewValidationError("to", "is required")
	ve.Add("content", "is required")
	ve.Add("to", "ignored")

	want := "validation failed: content: is required; to: is required"
	if ve.Error() != want {
		t.Fatalf("got %q, want %q", ve.Error(), want)
	}
}

func TestTransient(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}

	base := errors.New("connection refused")
	err := Transient(base)
	if !errors.Is(err, ErrTransientDelivery) || !errors.Is(err, base) {
		t.Fatalf("expected both sentinel and cause, got %v", err)
	}
}

func TestFromValidator(t *testing.T) {
	type req struct {
		URL    string   `json:"url" validate:"required,http_url"`
		Events []string `json:"events" validate:"required,min=1"`
		Note   string   `json:"-"`
	}

	err := FromValidator(NewValidator().Struct(req{URL: "ftp://x"}))

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T %v", err, err)
	}
	if _, ok := ve.Fields["url"]; !ok {
		t.Fatalf("expected url field, got %v", ve.Fields)
	}
	if ve.Fields["events"] != "is required" {
		t.Fatalf("expected events to be required, got %v", ve.Fields)
	}

	plain := errors.New("boom")
	if FromValidator(plain) != plain {
		t.Fatalf("non validator errors must pass through")
	}
}
