// Package blobid implements the canonical blob identifier:
//
//	blob://<timestamp>-<fragment>[.<ext>]
//
// <timestamp> is ten zero-padded decimal digits of unix seconds,
// <fragment> is sixteen lowercase hex characters unique within the
// store, <ext> is an optional lowercase extension. Identifiers
// round-trip through Parse and String unchanged.
package blobid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/pathsafe"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

// Scheme is the identifier prefix.
const Scheme = "blob://"

const (
	fragmentLen = 16
	maxUnix     = 9999999999
)

var idPattern = regexp.MustCompile(`^blob://([0-9]{10})-([0-9a-f]{16})(?:\.([a-z0-9]{1,16}))?$`)

var (
	ErrInvalidExtension = errors.New("extension has disallowed characters")
	ErrInvalidFragment  = errors.New("fragment is not 16 lowercase hex characters")
	ErrTimestampRange   = errors.New("timestamp outside the ten digit unix range")
)

// ID is a parsed blob identifier.
type ID struct {
	Timestamp time.Time
	Fragment  string
	Ext       string
}

// New builds an identifier from its components. The timestamp is
// truncated to second precision so that String and Parse round-trip.
func New(ts time.Time, fragment, ext string) (ID, error) {
	sec := ts.Unix()
	if sec < 0 || sec > maxUnix {
		return ID{}, xerrors.Wrap(xerrors.KindMalformedID, "blobid.New", ts.String(), ErrTimestampRange)
	}
	if !validFragment(fragment) {
		return ID{}, xerrors.Wrap(xerrors.KindMalformedID, "blobid.New", fragment, ErrInvalidFragment)
	}
	if ext != "" && !validExt(ext) {
		return ID{}, xerrors.Wrap(xerrors.KindMalformedID, "blobid.New", ext, ErrInvalidExtension)
	}
	return ID{Timestamp: time.Unix(sec, 0).UTC(), Fragment: fragment, Ext: ext}, nil
}

// Parse decodes raw against the canonical grammar. There are no
// partial parses: any deviation is a malformed identifier.
func Parse(raw string) (ID, error) {
	m := idPattern.FindStringSubmatch(raw)
	if m == nil {
		return ID{}, xerrors.E(xerrors.KindMalformedID, "blobid.Parse", raw)
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ID{}, xerrors.Wrap(xerrors.KindMalformedID, "blobid.Parse", raw, err)
	}
	return ID{Timestamp: time.Unix(sec, 0).UTC(), Fragment: m[2], Ext: m[3]}, nil
}

// ParseAny accepts either the canonical blob:// form or the bare
// leaf. Surfaces that take identifiers from mixed sources normalize
// through here; the engine itself only accepts the canonical form.
func ParseAny(raw string) (ID, error) {
	leaf, err := StripScheme(raw, false)
	if err != nil {
		return ID{}, err
	}
	return Parse(Scheme + leaf)
}

// Validate reports whether raw parses and the derived filename passes
// the path safety checks.
func Validate(raw string) bool {
	id, err := Parse(raw)
	if err != nil {
		return false
	}
	return pathsafe.IsSafeComponent(id.Leaf())
}

// StripScheme removes the blob:// prefix. Strict call sites require
// the prefix and fail with a malformed-identifier error when it is
// absent; tolerant call sites accept the bare form unchanged.
func StripScheme(raw string, strict bool) (string, error) {
	if rest, ok := strings.CutPrefix(raw, Scheme); ok {
		return rest, nil
	}
	if strict {
		return "", xerrors.E(xerrors.KindMalformedID, "blobid.StripScheme", raw)
	}
	return raw, nil
}

// Leaf returns the on-disk filename for the identifier.
func (id ID) Leaf() string {
	leaf := fmt.Sprintf("%010d-%s", id.Timestamp.Unix(), id.Fragment)
	if id.Ext != "" {
		leaf += "." + id.Ext
	}
	return leaf
}

// String returns the canonical blob:// form.
func (id ID) String() string { return Scheme + id.Leaf() }

func validFragment(fragment string) bool {
	if len(fragment) != fragmentLen {
		return false
	}
	for _, r := range fragment {
		isHexDigit := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isHexDigit {
			return false
		}
	}
	return true
}

func validExt(ext string) bool {
	if len(ext) > 16 {
		return false
	}
	for _, r := range ext {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isDigit {
			return false
		}
	}
	return true
}
