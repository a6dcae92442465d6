package securefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIntegrityError(t *testing.T) {
	cause := errors.New("cipher: message authentication failed")
	err := NewIntegrityError(7, cause)
	if !IsIntegrityError(err) {
		t.Fatalf("IsIntegrityError = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) || ie.BlockIndex != 7 {
		t.Fatalf("expected BlockIndex 7, got %+v", ie)
	}
}

func TestPathNotFoundError(t *testing.T) {
	err := NewPathNotFoundError("a/b/missing")
	if !IsPathNotFoundError(err) {
		t.Fatalf("IsPathNotFoundError = false, want true")
	}
	if IsNotEmptyError(err) {
		t.Fatalf("expected a PathNotFoundError to not also be a NotEmptyError")
	}
}

func TestNotEmptyError(t *testing.T) {
	err := NewNotEmptyError(42)
	if !IsNotEmptyError(err) {
		t.Fatalf("IsNotEmptyError = false, want true")
	}
	var ne *NotEmptyError
	if !errors.As(err, &ne) || ne.Inode != 42 {
		t.Fatalf("expected Inode 42, got %+v", ne)
	}
}

func TestAlreadyExistsError(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := NewAlreadyExistsError(1, "dup.txt", cause)
	if !IsAlreadyExistsError(err) {
		t.Fatalf("IsAlreadyExistsError = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
}

func TestInvalidParameterError(t *testing.T) {
	err := NewInvalidParameterError("key", 16, "must be 32 bytes")
	if !IsInvalidParameterError(err) {
		t.Fatalf("IsInvalidParameterError = false, want true")
	}
	want := "securefs: invalid parameter key=16: must be 32 bytes"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestStorageError(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewStorageError("open", "/repo/config.pb", cause)
	if !IsStorageError(err) {
		t.Fatalf("IsStorageError = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
}

func TestSQLError(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := NewSQLError(10, cause)
	if !IsSQLError(err) {
		t.Fatalf("IsSQLError = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
}

func TestErrInternalInvariantIsDistinguishable(t *testing.T) {
	wrapped := fmt.Errorf("locked: %w", ErrInternalInvariant)
	if !errors.Is(wrapped, ErrInternalInvariant) {
		t.Fatalf("expected wrapped error to match ErrInternalInvariant")
	}
	if IsStorageError(wrapped) {
		t.Fatalf("ErrInternalInvariant should not be mistaken for a StorageError")
	}
}
