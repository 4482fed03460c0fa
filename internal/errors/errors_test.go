package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorFormatting(t *testing.T) {
	plain := New(ErrStorage, "write failed")
	if plain.Error() != "[STORAGE_ERROR] write failed" {
		t.Errorf("unexpected message: %s", plain.Error())
	}

	wrapped := Wrap(ErrStorage, "write failed", errors.New("disk full"))
	if wrapped.Error() != "[STORAGE_ERROR] write failed: disk full" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	wrapped := Wrap(ErrStorage, "write failed", inner)

	if !errors.Is(wrapped, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}

func TestIsWalksTheChain(t *testing.T) {
	inner := New(ErrConfiguration, "no endpoint")
	outer := Wrap(ErrSyncFailed, "pass aborted", inner)
	stdWrapped := fmt.Errorf("context: %w", outer)

	if !Is(stdWrapped, ErrConfiguration) {
		t.Error("expected inner code to be found through the chain")
	}
	if !Is(stdWrapped, ErrSyncFailed) {
		t.Error("expected outer code to be found")
	}
	if Is(stdWrapped, ErrNotFound) {
		t.Error("did not expect an absent code to match")
	}
	if Is(nil, ErrStorage) {
		t.Error("nil error must not match any code")
	}
}
