package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown"},
		{KindInvalidInput, "invalid_input"},
		{KindNotFound, "not_found"},
		{KindNetwork, "network"},
		{KindTimeout, "timeout"},
		{KindParse, "parse"},
		{KindIngestion, "ingestion"},
		{KindStorage, "storage"},
		{KindInternal, "internal"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message and err",
			err:      &Error{Op: "attack.Ingest", Message: "decode failed", Err: fmt.Errorf("unexpected EOF")},
			expected: "attack.Ingest: decode failed: unexpected EOF",
		},
		{
			name:     "op and err",
			err:      &Error{Op: "attack.Ingest", Err: fmt.Errorf("unexpected EOF")},
			expected: "attack.Ingest: unexpected EOF",
		},
		{
			name:     "op and message",
			err:      &Error{Op: "attack.Ingest", Message: "decode failed"},
			expected: "attack.Ingest: decode failed",
		},
		{
			name:     "message only",
			err:      &Error{Message: "decode failed"},
			expected: "decode failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestE(t *testing.T) {
	base := fmt.Errorf("dial tcp: refused")
	err := E(KindNetwork, "attack.HTTPSource.Fetch", "fetch bundle", base)

	if GetKind(err) != KindNetwork {
		t.Errorf("GetKind() = %v, want network", GetKind(err))
	}
	if !errors.Is(err, base) {
		t.Error("E() should wrap the underlying error")
	}
	if !IsRetryable(err) {
		t.Error("network errors should be retryable")
	}

	// Kind is inherited from a wrapped *Error when not given explicitly.
	inherited := E("store.GetProduct", ErrProductNotFound)
	if !IsNotFound(inherited) {
		t.Error("kind should be inherited from the wrapped error")
	}
}

func TestIs_Sentinels(t *testing.T) {
	err := Wrap(E(KindNotFound, "store.GetProduct", "product not found"), "fusion.Run")

	if !errors.Is(err, ErrProductNotFound) {
		t.Error("expected match on ErrProductNotFound")
	}
	if errors.Is(err, ErrNoMatch) {
		t.Error("different message must not match ErrNoMatch")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("different kind must not match ErrTimeout")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "op") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}
