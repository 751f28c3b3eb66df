package nova

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTaskErrorWrapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"timeout", &TaskError{TaskID: "abc123", Err: ErrTimeout}, ErrTimeout},
		{"aborted", &TaskError{TaskID: "abc123", Err: ErrAborted}, ErrAborted},
		{"depth", &TaskError{TaskID: "abc123", Err: fmt.Errorf("%w: depth 3", ErrDepthLimit)}, ErrDepthLimit},
		{"provider", &TaskError{TaskID: "abc123", Err: ErrProviderFailed}, ErrProviderFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", tc.err, tc.sentinel)
			}
			if !strings.Contains(tc.err.Error(), "abc123") {
				t.Errorf("error %q missing task ID", tc.err.Error())
			}
		})
	}
}

func TestParseErrorUnwrap(t *testing.T) {
	inner := errors.New("bad token")
	err := &ParseError{Raw: "{broken", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("ParseError does not unwrap")
	}
	if !strings.Contains(err.Error(), "bad token") {
		t.Errorf("message = %q", err.Error())
	}
}
