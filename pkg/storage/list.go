package storage

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/sniff"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

const (
	// DefaultListLimit applies when a query leaves Limit unset.
	DefaultListLimit = 20
	// MaxListLimit caps a single page regardless of the query.
	MaxListLimit = 1000
)

// ListQuery narrows and pages a listing. Mime accepts the same
// wildcard forms as the upload allow-list ("image/*", "*"). Tags
// requires every named tag to be present on a blob. Cursor resumes a
// prior listing; an empty cursor starts from the beginning.
type ListQuery struct {
	Mime   string
	Tags   []string
	Cursor string
	Limit  int
}

// ListPage is one page of listing results in (created_at, id)
// ascending order. NextCursor is empty on the final page. Total
// counts all blobs matching the filters, not just this page.
type ListPage struct {
	Blobs      []Metadata `json:"blobs"`
	NextCursor string     `json:"next_cursor,omitempty"`
	Total      int        `json:"total"`
}

// cursorKey is the sort position a cursor points at. Listings resume
// strictly after it, so entries created between pages are picked up
// and deletions never skip survivors.
type cursorKey struct {
	unix int64
	id   string
}

func keyOf(m Metadata) cursorKey {
	return cursorKey{unix: m.CreatedAt.Unix(), id: m.ID}
}

func (k cursorKey) less(o cursorKey) bool {
	if k.unix != o.unix {
		return k.unix < o.unix
	}
	return k.id < o.id
}

func encodeCursor(k cursorKey) string {
	raw := fmt.Sprintf("%d|%s", k.unix, k.id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (cursorKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorKey{}, xerrors.Wrap(xerrors.KindInvalid, "storage.decodeCursor", cursor, err)
	}
	unixPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return cursorKey{}, xerrors.E(xerrors.KindInvalid, "storage.decodeCursor", cursor)
	}
	unix, err := strconv.ParseInt(unixPart, 10, 64)
	if err != nil {
		return cursorKey{}, xerrors.Wrap(xerrors.KindInvalid, "storage.decodeCursor", cursor, err)
	}
	return cursorKey{unix: unix, id: id}, nil
}

// sortByCreation orders records by creation time, identifier as the
// tiebreak for same-second uploads. Directory scan order never leaks
// into listings.
func sortByCreation(metas []Metadata) {
	sort.Slice(metas, func(i, j int) bool {
		return keyOf(metas[i]).less(keyOf(metas[j]))
	})
}

// matchQuery applies the mime and tag filters.
func matchQuery(m Metadata, q ListQuery) bool {
	if q.Mime != "" && !sniff.Validate(m.MimeType, []string{q.Mime}) {
		return false
	}
	for _, want := range q.Tags {
		if !hasTag(m.Tags, want) {
			return false
		}
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// page cuts one page out of the sorted, filtered records.
func page(metas []Metadata, cursor string, limit int) (ListPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	start := 0
	if cursor != "" {
		after, err := decodeCursor(cursor)
		if err != nil {
			return ListPage{}, err
		}
		start = sort.Search(len(metas), func(i int) bool {
			return after.less(keyOf(metas[i]))
		})
	}

	out := ListPage{Total: len(metas), Blobs: []Metadata{}}
	end := start + limit
	if end > len(metas) {
		end = len(metas)
	}
	out.Blobs = append(out.Blobs, metas[start:end]...)
	if end < len(metas) && len(out.Blobs) > 0 {
		out.NextCursor = encodeCursor(keyOf(out.Blobs[len(out.Blobs)-1]))
	}
	return out, nil
}
