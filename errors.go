package securefs

import (
	"errors"
	"fmt"
)

// IntegrityError reports that a physical block failed AES-GCM authentication.
// Once returned, the stream that produced it must be treated as untrusted
// from that point forward; the core never retries or silently discards it.
type IntegrityError struct {
	BlockIndex int64 // index of the offending block on the stream
	Err        error // underlying AEAD error, if any
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("securefs: integrity check failed at block %d", e.BlockIndex)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// NewIntegrityError constructs an IntegrityError for the given block index.
func NewIntegrityError(blockIndex int64, err error) error {
	return &IntegrityError{BlockIndex: blockIndex, Err: err}
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// PathNotFoundError reports that an intermediate path component was missing
// during a full-path lookup.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("securefs: path not found: %s", e.Path)
}

// NewPathNotFoundError constructs a PathNotFoundError for the given path.
func NewPathNotFoundError(path string) error {
	return &PathNotFoundError{Path: path}
}

// IsPathNotFoundError reports whether err is (or wraps) a PathNotFoundError.
func IsPathNotFoundError(err error) bool {
	var pe *PathNotFoundError
	return errors.As(err, &pe)
}

// NotEmptyError reports an attempt to remove a non-empty directory.
type NotEmptyError struct {
	Inode int64
}

func (e *NotEmptyError) Error() string {
	return fmt.Sprintf("securefs: directory %d is not empty", e.Inode)
}

// NewNotEmptyError constructs a NotEmptyError for the given inode.
func NewNotEmptyError(inode int64) error {
	return &NotEmptyError{Inode: inode}
}

// IsNotEmptyError reports whether err is (or wraps) a NotEmptyError.
func IsNotEmptyError(err error) bool {
	var ne *NotEmptyError
	return errors.As(err, &ne)
}

// AlreadyExistsError reports a uniqueness-constraint violation on
// (parent_inode, name) during entry creation.
type AlreadyExistsError struct {
	ParentInode int64
	Name        string
	Err         error
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("securefs: entry %q already exists under inode %d", e.Name, e.ParentInode)
}

func (e *AlreadyExistsError) Unwrap() error { return e.Err }

// NewAlreadyExistsError constructs an AlreadyExistsError.
func NewAlreadyExistsError(parentInode int64, name string, err error) error {
	return &AlreadyExistsError{ParentInode: parentInode, Name: name, Err: err}
}

// IsAlreadyExistsError reports whether err is (or wraps) an AlreadyExistsError.
func IsAlreadyExistsError(err error) bool {
	var ae *AlreadyExistsError
	return errors.As(err, &ae)
}

// InvalidParameterError reports a misconfigured parameter: a block size that
// does not exceed the AEAD overhead, a salt of the wrong length, an
// unsupported lookup mode, and the like.
type InvalidParameterError struct {
	Field   string
	Value   any
	Message string
}

func (e *InvalidParameterError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("securefs: invalid parameter %s=%v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("securefs: invalid parameter: %s", e.Message)
}

// NewInvalidParameterError constructs an InvalidParameterError.
func NewInvalidParameterError(field string, value any, message string) error {
	return &InvalidParameterError{Field: field, Value: value, Message: message}
}

// IsInvalidParameterError reports whether err is (or wraps) an InvalidParameterError.
func IsInvalidParameterError(err error) bool {
	var ie *InvalidParameterError
	return errors.As(err, &ie)
}

// StorageError wraps a failure from the underlying host I/O (the physical
// RandomIO, or the host filesystem calls beneath it).
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("securefs: storage error during %s on %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("securefs: storage error during %s: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError constructs a StorageError.
func NewStorageError(operation, path string, err error) error {
	return &StorageError{Operation: operation, Path: path, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// SQLError wraps an error surfaced by the embedded SQL engine that was not
// caught earlier by a more specific error kind above.
type SQLError struct {
	Code int
	Err  error
}

func (e *SQLError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("securefs: sql engine error %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("securefs: sql engine error: %v", e.Err)
}

func (e *SQLError) Unwrap() error { return e.Err }

// NewSQLError constructs a SQLError.
func NewSQLError(code int, err error) error {
	return &SQLError{Code: code, Err: err}
}

// IsSQLError reports whether err is (or wraps) a SQLError.
func IsSQLError(err error) bool {
	var qe *SQLError
	return errors.As(err, &qe)
}

// ErrInternalInvariant is returned when an assertion the core relies on has
// been violated: a bug, not a recoverable condition. Callers should treat
// it as unrecoverable for the current repository handle.
var ErrInternalInvariant = errors.New("securefs: internal invariant violated")
