package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies pipeline failures for callers.
type ErrorCode string

const (
	// CodeNoFaceDetected: zero face regions; ask the user for another image.
	CodeNoFaceDetected ErrorCode = "NO_FACE_DETECTED"
	// CodeAnalyzerFailure: an analyzer failed and the run could not continue.
	CodeAnalyzerFailure ErrorCode = "ANALYZER_FAILURE"
	// CodeInvalidImage: missing or malformed pixel buffer.
	CodeInvalidImage ErrorCode = "INVALID_IMAGE"
	// CodeCanceled: the caller's context ended before the verdict was ready.
	CodeCanceled ErrorCode = "CANCELED"
)

// Sentinels for errors.Is.
var (
	ErrNoFaceDetected  = errors.New("no face detected")
	ErrAnalyzerFailure = errors.New("analyzer failure")
	ErrInvalidImage    = errors.New("invalid image")
	ErrCanceled        = errors.New("analysis canceled")
)

// Error is a structured pipeline error.
type Error struct {
	Code      ErrorCode
	Message   string
	Analyzer  string
	Timestamp time.Time
	Details   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Analyzer != "" {
		msg = fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, e.Analyzer)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel that corresponds to e.Code.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Code) == target
}

func sentinelFor(code ErrorCode) error {
	switch code {
	case CodeNoFaceDetected:
		return ErrNoFaceDetected
	case CodeAnalyzerFailure:
		return ErrAnalyzerFailure
	case CodeInvalidImage:
		return ErrInvalidImage
	case CodeCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

// CodeOf extracts the ErrorCode of err, or "" when err is not a pipeline error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ToMap flattens the error for persistence or JSON responses.
func (e *Error) ToMap() map[string]any {
	out := map[string]any{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.Analyzer != "" {
		out["analyzer"] = e.Analyzer
	}
	for k, v := range e.Details {
		out[k] = v
	}
	if e.Cause != nil {
		out["cause"] = e.Cause.Error()
	}
	return out
}

func newNoFaceError(width, height int) *Error {
	return &Error{
		Code:      CodeNoFaceDetected,
		Message:   "no face detected in image",
		Timestamp: time.Now(),
		Details: map[string]any{
			"width":  width,
			"height": height,
		},
	}
}

func newAnalyzerError(name string, cause error) *Error {
	return &Error{
		Code:      CodeAnalyzerFailure,
		Message:   "analyzer failed",
		Analyzer:  name,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// LocatorName identifies the face locator in ANALYZER_FAILURE errors.
const LocatorName = "face_locator"

func newLocatorError(cause error) *Error {
	return &Error{
		Code:      CodeAnalyzerFailure,
		Message:   "face location failed",
		Analyzer:  LocatorName,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewInvalidImageError reports input that could not be turned into a raster.
func NewInvalidImageError(msg string, cause error) *Error {
	return &Error{
		Code:      CodeInvalidImage,
		Message:   msg,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func newCanceledError(cause error) *Error {
	return &Error{
		Code:      CodeCanceled,
		Message:   "analysis canceled",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}
