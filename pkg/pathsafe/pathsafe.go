// Package pathsafe validates and normalizes the path components the
// storage engine derives from untrusted input. Every component is checked
// before any filesystem access happens.
package pathsafe

import (
	"errors"
	"strings"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

const (
	maxComponentLen = 255
	maxFilenameLen  = 128
	maxExtLen       = 16
)

var (
	errEmpty     = errors.New("empty component")
	errTooLong   = errors.New("component exceeds 255 bytes")
	errSeparator = errors.New("path separator in component")
	errDotOnly   = errors.New("component is only dots")
	errDotSeg    = errors.New("dot-dot segment")
	errNulByte   = errors.New("NUL byte")
	errBadChar   = errors.New("character outside [A-Za-z0-9._-]")
)

// Check reports whether component is safe to use as a single path element
// under the storage root. It rejects anything that could change directory
// depth or smuggle separator bytes into a join.
func Check(component string) error {
	switch {
	case component == "":
		return wrap(component, errEmpty)
	case len(component) > maxComponentLen:
		return wrap(component, errTooLong)
	case strings.ContainsAny(component, `/\`):
		return wrap(component, errSeparator)
	case strings.Contains(component, "\x00"):
		return wrap(component, errNulByte)
	case strings.Trim(component, ".") == "":
		return wrap(component, errDotOnly)
	case strings.Contains(component, ".."):
		return wrap(component, errDotSeg)
	}
	for _, r := range component {
		if !safeRune(r) {
			return wrap(component, errBadChar)
		}
	}
	return nil
}

// IsSafeComponent is the boolean form of Check.
func IsSafeComponent(component string) bool {
	return Check(component) == nil
}

func wrap(component string, cause error) error {
	return xerrors.Wrap(xerrors.KindPathUnsafe, "pathsafe.Check", component, cause)
}

func safeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}

// SanitizeFilename reduces an untrusted client filename to a form that
// passes Check. Directory prefixes are dropped, unsafe runes become
// underscores, runs of underscores collapse, and the result is truncated
// to 128 bytes keeping the extension. Returns "" when nothing safe
// remains; the result is deterministic for a given input.
func SanitizeFilename(raw string) string {
	name := raw
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		if !safeRune(r) {
			r = '_'
		}
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}

	name = strings.Trim(b.String(), "._-")
	if name == "" || strings.Trim(name, ".") == "" {
		return ""
	}
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	if len(name) > maxFilenameLen {
		name = truncateKeepExt(name, maxFilenameLen)
	}
	return name
}

// truncateKeepExt shortens name to at most limit bytes, preserving a
// trailing extension when one fits.
func truncateKeepExt(name string, limit int) string {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || len(name)-dot-1 > maxExtLen {
		return strings.TrimRight(name[:limit], "._-")
	}
	ext := name[dot:] // includes the dot
	keep := limit - len(ext)
	if keep < 1 {
		return strings.TrimRight(name[:limit], "._-")
	}
	base := strings.TrimRight(name[:keep], "._-")
	if base == "" {
		return strings.TrimRight(name[:limit], "._-")
	}
	return base + ext
}

// Ext returns the lowercase extension of name without the leading dot,
// or "" when the name has none or it would be unsafe in an identifier.
// Only [a-z0-9] extensions up to 16 bytes qualify.
func Ext(name string) string {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return ""
	}
	ext := strings.ToLower(name[dot+1:])
	if len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isDigit {
			return ""
		}
	}
	return ext
}
