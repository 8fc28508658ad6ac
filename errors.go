package gmdb

import (
	"errors"
	"fmt"
)

// Error represents a gmdb error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gmdb: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("gmdb: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so errors.Is works against
// the package-level error values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// ErrorCode holds LMDB-compatible error codes.
type ErrorCode int

const (
	Success ErrorCode = 0

	// ErrKeyExist: the key/data pair already exists
	ErrKeyExist ErrorCode = -30799

	// ErrNotFound: no matching key/data pair. A result, not a failure.
	ErrNotFound ErrorCode = -30798

	// ErrPageNotFound: a referenced page is outside the snapshot
	ErrPageNotFound ErrorCode = -30797

	// ErrCorrupted: structural damage detected
	ErrCorrupted ErrorCode = -30796

	// ErrVersionMismatch: the file was written by an incompatible format version
	ErrVersionMismatch ErrorCode = -30794

	// ErrInvalid: the file is not a gmdb data file
	ErrInvalid ErrorCode = -30793

	// ErrMapFull: the map size limit was reached
	ErrMapFull ErrorCode = -30792

	// ErrDBsFull: the max databases limit was reached
	ErrDBsFull ErrorCode = -30791

	// ErrReadersFull: the reader table is full
	ErrReadersFull ErrorCode = -30790

	// ErrCursorFull: tree deeper than the cursor stack (corruption)
	ErrCursorFull ErrorCode = -30787

	// ErrPageFull: internal page space error
	ErrPageFull ErrorCode = -30786

	// ErrMapResized: another process grew the map; retry the transaction
	ErrMapResized ErrorCode = -30785

	// ErrIncompatible: operation or flags do not fit the database
	ErrIncompatible ErrorCode = -30784

	// ErrBadTxn: the transaction is not in a usable state
	ErrBadTxn ErrorCode = -30782

	// ErrBadValSize: key or value has an unsupported size
	ErrBadValSize ErrorCode = -30781

	// ErrBadDBI: the database handle is not valid in this transaction
	ErrBadDBI ErrorCode = -30780

	// ErrProblem: unexpected internal error
	ErrProblem ErrorCode = -30779

	// ErrBusy: another write transaction is running
	ErrBusy ErrorCode = -30778

	// ErrBadCursor: the cursor is closed or unpositioned
	ErrBadCursor ErrorCode = -30777

	// ErrKeyMismatch: key does not match the cursor position
	ErrKeyMismatch ErrorCode = -30418

	// ErrPermissionDenied: write attempted through a read-only handle
	ErrPermissionDenied ErrorCode = -13
)

var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrKeyExist:         "key/data pair already exists",
	ErrNotFound:         "key/data pair not found",
	ErrPageNotFound:     "requested page not found",
	ErrCorrupted:        "database is corrupted",
	ErrVersionMismatch:  "database version mismatch",
	ErrInvalid:          "file is not a valid gmdb database",
	ErrMapFull:          "environment mapsize limit reached",
	ErrDBsFull:          "environment maxdbs limit reached",
	ErrReadersFull:      "environment maxreaders limit reached",
	ErrCursorFull:       "cursor stack overflow",
	ErrPageFull:         "page has no space",
	ErrMapResized:       "map was resized by another process",
	ErrIncompatible:     "incompatible operation or flags",
	ErrBadTxn:           "transaction is invalid",
	ErrBadValSize:       "invalid key or value size",
	ErrBadDBI:           "invalid DBI handle",
	ErrProblem:          "unexpected internal error",
	ErrBusy:             "another write transaction is running",
	ErrBadCursor:        "cursor is invalid",
	ErrKeyMismatch:      "key mismatch with cursor position",
	ErrPermissionDenied: "permission denied",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// corruptf reports a structural problem found while walking pages.
func corruptf(format string, args ...any) *Error {
	return WrapError(ErrCorrupted, fmt.Errorf(format, args...))
}

// Error values for errors.Is comparisons.
var (
	ErrKeyExistError     = NewError(ErrKeyExist)
	ErrNotFoundError     = NewError(ErrNotFound)
	ErrCorruptedError    = NewError(ErrCorrupted)
	ErrMapFullError      = NewError(ErrMapFull)
	ErrMapResizedError   = NewError(ErrMapResized)
	ErrDBsFullError      = NewError(ErrDBsFull)
	ErrReadersFullError  = NewError(ErrReadersFull)
	ErrIncompatibleError = NewError(ErrIncompatible)
	ErrBadTxnError       = NewError(ErrBadTxn)
	ErrBadValSizeError   = NewError(ErrBadValSize)
	ErrBadDBIError       = NewError(ErrBadDBI)
	ErrBusyError         = NewError(ErrBusy)
	ErrBadCursorError    = NewError(ErrBadCursor)
)

func hasCode(err error, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool { return hasCode(err, ErrNotFound) }

// IsKeyExist returns true if the error is ErrKeyExist
func IsKeyExist(err error) bool { return hasCode(err, ErrKeyExist) }

// IsMapFull returns true if the error is ErrMapFull
func IsMapFull(err error) bool { return hasCode(err, ErrMapFull) }

// IsMapResized returns true if the transaction should be retried after a remap
func IsMapResized(err error) bool { return hasCode(err, ErrMapResized) }

// IsCorrupted returns true if the error indicates database corruption
func IsCorrupted(err error) bool {
	return hasCode(err, ErrCorrupted, ErrPageNotFound, ErrInvalid, ErrVersionMismatch)
}

// IsInvalidState returns true for errors raised by using a handle outside
// its valid state.
func IsInvalidState(err error) bool { return hasCode(err, ErrBadTxn, ErrBadDBI, ErrBadCursor) }

// IsResourceExhausted returns true for limits the caller may raise and retry.
func IsResourceExhausted(err error) bool {
	return hasCode(err, ErrMapFull, ErrDBsFull, ErrReadersFull, ErrBadValSize)
}

// Code returns the error code from an error, or ErrProblem if not a gmdb error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProblem
}

// isResult reports errors that leave a write transaction usable.
func isResult(err error) bool { return hasCode(err, ErrNotFound, ErrKeyExist) }
