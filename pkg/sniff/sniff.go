// Package sniff infers MIME types from payload content and checks
// them against wildcard allow-lists.
package sniff

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/pathsafe"
)

// DefaultType is returned when neither content nor filename yield a
// usable type.
const DefaultType = "application/octet-stream"

// Detect infers the MIME type of payload. Content signatures win;
// when the signature scan comes back generic the filename extension
// is consulted instead. The result carries no parameters and is
// never empty.
func Detect(payload []byte, filenameHint string) string {
	detected := Normalize(mimetype.Detect(payload).String())
	if detected != "" && !generic(detected) {
		return detected
	}
	if ext := pathsafe.Ext(filenameHint); ext != "" {
		if byExt := Normalize(mime.TypeByExtension("." + ext)); byExt != "" {
			return byExt
		}
	}
	if detected != "" {
		return detected
	}
	return DefaultType
}

// Validate reports whether mimeType matches the allow list. Entries
// are exact ("image/png") or wildcard ("image/*", "*/*"); matching is
// case-insensitive on type and subtype. An empty list allows
// everything.
func Validate(mimeType string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	typ, sub := split(Normalize(mimeType))
	for _, entry := range allow {
		allowTyp, allowSub := split(Normalize(entry))
		if allowTyp == "*" {
			return true
		}
		if allowTyp == typ && (allowSub == "*" || allowSub == sub) {
			return true
		}
	}
	return false
}

// ExtensionFor returns the preferred filename extension for mimeType
// without the leading dot, or "" when none is known.
func ExtensionFor(mimeType string) string {
	m := mimetype.Lookup(Normalize(mimeType))
	if m == nil {
		return ""
	}
	return strings.TrimPrefix(m.Extension(), ".")
}

// generic types carry no signature information worth preferring over
// a filename extension.
func generic(mimeType string) bool {
	return mimeType == DefaultType || mimeType == "text/plain"
}

// Normalize strips parameters ("; charset=utf-8") and lowercases a
// MIME type.
func Normalize(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func split(mimeType string) (typ, sub string) {
	typ, sub, _ = strings.Cut(mimeType, "/")
	return typ, sub
}
