// Package tokerr defines the error taxonomy shared by every layer that talks to a native
// tokenization engine.
//
// Each typed error matches its sentinel with errors.Is, so callers can branch on the category
// without caring which concrete type carried it:
//
//	if errors.Is(err, tokerr.ErrDisposed) {
//	    // the handle was already released
//	}
package tokerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	ErrInvalidArgument    = errors.New("tokbridge: invalid argument")
	ErrNativeConstruction = errors.New("tokbridge: native construction failed")
	ErrDisposed           = errors.New("tokbridge: resource disposed")
	ErrNativeCall         = errors.New("tokbridge: native call failed")
	ErrFormat             = errors.New("tokbridge: malformed asset")
)

// UnspecifiedNativeError is reported when the native side signals failure without setting a
// last-error message.
const UnspecifiedNativeError = "native library reported a failure without a message"

// ArgumentValidationError reports bad caller input. It is always raised before any native call
// or unmanaged allocation happens.
type ArgumentValidationError struct {
	Param  string
	Reason string
}

func (e *ArgumentValidationError) Error() string {
	return fmt.Sprintf("tokbridge: invalid argument %q: %s", e.Param, e.Reason)
}

// Is implements errors.Is matching against ErrInvalidArgument.
func (e *ArgumentValidationError) Is(target error) bool { return target == ErrInvalidArgument }

// InvalidArgument is a shortcut for building an ArgumentValidationError.
func InvalidArgument(param, format string, args ...any) error {
	return &ArgumentValidationError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// NativeConstructionError reports that a native constructor returned a null object or a
// non-zero status.
type NativeConstructionError struct {
	Object  string // "bpe", "tokenizer", "processor", "decoder", ...
	Status  int32
	Message string
}

func (e *NativeConstructionError) Error() string {
	return fmt.Sprintf("tokbridge: failed to construct native %s (status %d): %s", e.Object, e.Status, e.Message)
}

// Is implements errors.Is matching against ErrNativeConstruction.
func (e *NativeConstructionError) Is(target error) bool { return target == ErrNativeConstruction }

// NativeCallError reports a failing non-construction native call.
type NativeCallError struct {
	Op      string
	Status  int32
	Message string
}

func (e *NativeCallError) Error() string {
	return fmt.Sprintf("tokbridge: native %s failed (status %d): %s", e.Op, e.Status, e.Message)
}

// Is implements errors.Is matching against ErrNativeCall.
func (e *NativeCallError) Is(target error) bool { return target == ErrNativeCall }

// ResourceDisposedError reports an operation on a handle that was already released.
type ResourceDisposedError struct {
	Object string
}

func (e *ResourceDisposedError) Error() string {
	return fmt.Sprintf("tokbridge: %s has been disposed", e.Object)
}

// Is implements errors.Is matching against ErrDisposed.
func (e *ResourceDisposedError) Is(target error) bool { return target == ErrDisposed }

// FormatError reports a parsing failure in an asset file. Line is 1-based; zero means the
// position is given by Offset (byte offset in a JSON document) instead.
type FormatError struct {
	Source string // file name or asset kind
	Line   int
	Offset int64
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("tokbridge: %s:%d: %s", e.Source, e.Line, e.Reason)
	case e.Offset > 0:
		return fmt.Sprintf("tokbridge: %s: offset %d: %s", e.Source, e.Offset, e.Reason)
	default:
		return fmt.Sprintf("tokbridge: %s: %s", e.Source, e.Reason)
	}
}

// Is implements errors.Is matching against ErrFormat.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// Unwrap returns the underlying parse error, if any.
func (e *FormatError) Unwrap() error { return e.Err }
