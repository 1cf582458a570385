package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies storage-engine errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindMalformedID
	KindPathUnsafe
	KindNotFound
	KindTooLarge
	KindMimeRejected
	KindMetaCorrupt
	KindMetaNotFound
	KindPartialSweep
	KindInternal
)

// Error wraps an underlying error with additional metadata. Ref carries
// the blob identifier or relative path the operation was acting on.
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Ref != "" {
		base += " " + e.Ref
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindMalformedID:
		return "malformed identifier"
	case KindPathUnsafe:
		return "unsafe path rejected"
	case KindNotFound:
		return "blob not found"
	case KindTooLarge:
		return "blob too large"
	case KindMimeRejected:
		return "mime type rejected"
	case KindMetaCorrupt:
		return "metadata corrupt"
	case KindMetaNotFound:
		return "metadata not found"
	case KindPartialSweep:
		return "partial cleanup failure"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, ref string) error {
	return &Error{Kind: kind, Op: op, Ref: ref}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
