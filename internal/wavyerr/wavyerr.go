// Package wavyerr defines wavy's error taxonomy: a stable Code per failure
// class plus a wrapping error type that carries it through the stack so
// errors.Is/errors.As keep working and the router can translate any error
// into the right HTTP status without string-matching messages.
//
// Modeled on the teacher's per-package sentinel + wrapping-struct pattern
// (stable sentinels for conditions, one wrapping type with Unwrap()).
package wavyerr

import "errors"

// Code is a stable wire error code, one per entry in the error taxonomy.
type Code string

const (
	CodeInvalidArchive     Code = "InvalidArchive"
	CodeMalformedPlaylist  Code = "MalformedPlaylist"
	CodeMalformedSegment   Code = "MalformedSegment"
	CodeMalformedToml      Code = "MalformedToml"
	CodeOwnerIDInvalid     Code = "OwnerIdInvalid"
	CodePathInvalid        Code = "PathInvalid"
	CodeNotFound           Code = "NotFound"
	CodeAlreadyExists      Code = "AlreadyExists"
	CodeStorageFull        Code = "StorageFull"
	CodeIoError            Code = "IoError"
	CodeDbError            Code = "DbError"
	CodePlaybackFailed     Code = "PlaybackFailed"
	CodeSegmentUnavailable Code = "SegmentUnavailable"
	CodeBackendLoadFailed  Code = "BackendLoadFailed"
)

// httpStatus maps each code to its wire status per the router design.
var httpStatus = map[Code]int{
	CodeInvalidArchive:     400,
	CodeMalformedPlaylist:  400,
	CodeMalformedSegment:   400,
	CodeMalformedToml:      400,
	CodeOwnerIDInvalid:     400,
	CodePathInvalid:        400,
	CodeNotFound:           404,
	CodeAlreadyExists:      200,
	CodeStorageFull:        500,
	CodeIoError:            500,
	CodeDbError:            500,
	CodePlaybackFailed:     500,
	CodeSegmentUnavailable: 500,
	CodeBackendLoadFailed:  500,
}

// WavyError wraps an underlying cause with a stable Code for HTTP/process
// translation.
type WavyError struct {
	Code    Code
	Message string
	Err     error
}

func (e *WavyError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *WavyError) Unwrap() error {
	return e.Err
}

// New constructs a WavyError with no wrapped cause.
func New(code Code, message string) *WavyError {
	return &WavyError{Code: code, Message: message}
}

// Wrap constructs a WavyError wrapping an existing error.
func Wrap(code Code, message string, err error) *WavyError {
	return &WavyError{Code: code, Message: message, Err: err}
}

// HTTPStatus returns the HTTP status code for err if it is (or wraps) a
// *WavyError; otherwise it returns 500, since an error with no known code
// is treated as an internal failure.
func HTTPStatus(err error) int {
	var we *WavyError
	if errors.As(err, &we) {
		if status, ok := httpStatus[we.Code]; ok {
			return status
		}
	}
	return 500
}

// CodeOf extracts the Code from err, or "" if err is not a *WavyError.
func CodeOf(err error) Code {
	var we *WavyError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsServerFault reports whether err should be logged with a stack trace and
// counted against the 500-class error metric, per the error handling
// design ("All 500-class errors emit a stack/context log entry; 4xx do not").
func IsServerFault(err error) bool {
	return HTTPStatus(err) >= 500
}
