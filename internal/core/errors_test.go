package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsErrorInfo(t *testing.T) {
	contention := Failure{Code: CodeLockContention, Detail: "loc/ms held"}
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"validation", Validation("bad"), KindValidation},
		{"contention wrapped", fmt.Errorf("run: %w", contention), KindLockContention},
		{"store", Failure{Code: CodeStoreUnavailable}, KindStoreUnavailable},
		{"plain", errors.New("boom"), KindProcessingFailure},
		{"info", ErrorInfo{Kind: KindUnknownProcessor, Message: "x"}, KindUnknownProcessor},
		{"info ptr", fmt.Errorf("w: %w", &ErrorInfo{Kind: KindProcessingTimeout}), KindProcessingTimeout},
	}
	for _, tc := range cases {
		if got := AsErrorInfo(tc.err); got.Kind != tc.kind {
			t.Fatalf("%s: got kind %s want %s", tc.name, got.Kind, tc.kind)
		}
	}
	if got := AsErrorInfo(nil); got.Kind != "" {
		t.Fatalf("nil error produced %+v", got)
	}
}

func TestFailureUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := fmt.Errorf("outer: %w", Failure{Code: CodeNotFound, Err: sentinel})
	if !errors.Is(err, sentinel) {
		t.Fatal("Failure should unwrap to its cause")
	}
	if FailureCode(err) != CodeNotFound {
		t.Fatalf("unexpected code %q", FailureCode(err))
	}
	if FailureCode(errors.New("x")) != "" {
		t.Fatal("plain errors have no code")
	}
}
