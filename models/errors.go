package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindModelLoad
	KindDecode
	KindUnsupportedMedia
	KindWrite
	KindEmptyStream
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindModelLoad:
		return "model_load_error"
	case KindDecode:
		return "decode_error"
	case KindUnsupportedMedia:
		return "unsupported_media"
	case KindWrite:
		return "write_error"
	case KindEmptyStream:
		return "empty_stream"
	case KindAborted:
		return "aborted"
	default:
		return "processing_error"
	}
}

// Error is a typed pipeline failure. Two Errors match under errors.Is when
// their kinds are equal, so callers compare against the sentinels below.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

var (
	ErrModelLoad        = &Error{Kind: KindModelLoad, Message: "model load failed"}
	ErrDecode           = &Error{Kind: KindDecode, Message: "cannot decode media"}
	ErrUnsupportedMedia = &Error{Kind: KindUnsupportedMedia, Message: "unsupported media type"}
	ErrWrite            = &Error{Kind: KindWrite, Message: "cannot write output"}
	ErrEmptyStream      = &Error{Kind: KindEmptyStream, Message: "video stream has no frames"}
	ErrAborted          = &Error{Kind: KindAborted, Message: "processing aborted"}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf reports the kind of the first Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
