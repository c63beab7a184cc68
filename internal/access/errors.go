package access

import (
	"errors"
)

// Kind classifies why a session could not reach Ready.
type Kind int

const (
	KindUnknown Kind = iota
	KindMissingReference
	KindAlreadyViewed
	KindExpired
	KindAccessDenied
	KindTimeout
	KindContentUnavailable
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindMissingReference:   "missing_reference",
	KindAlreadyViewed:      "already_viewed",
	KindExpired:            "expired",
	KindAccessDenied:       "access_denied",
	KindTimeout:            "timeout",
	KindContentUnavailable: "content_unavailable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Terminal kinds never offer a retry.
func (k Kind) Terminal() bool {
	switch k {
	case KindMissingReference, KindAlreadyViewed, KindExpired:
		return true
	}
	return false
}

// Message is the user-facing text for k.
func (k Kind) Message() string {
	switch k {
	case KindMissingReference:
		return "Share ID is required. Please provide a valid share_id in the URL parameters."
	case KindAlreadyViewed:
		return "This document can only be viewed once and has already been accessed."
	case KindExpired:
		return "This document has expired and is no longer available."
	case KindAccessDenied:
		return "Document not found or access denied. This document may have been viewed already or the link has expired."
	case KindTimeout:
		return "Request timeout. Please check your internet connection and try again."
	case KindContentUnavailable:
		return "Failed to load document content. The file may be corrupted or inaccessible."
	default:
		return "Failed to load document. Please try again later."
	}
}

// Error carries a Kind and the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind.
func NewError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// KindOf classifies err. Errors without an *Error in their chain are
// KindUnknown; nil is KindUnknown as well.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
