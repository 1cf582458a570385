package storage

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

// Metadata is the sidecar record describing one stored blob. It is
// the unit returned by uploads, lookups and listings.
type Metadata struct {
	ID               string     `json:"id"`
	MimeType         string     `json:"mime_type"`
	SizeBytes        int64      `json:"size_bytes"`
	SHA256           string     `json:"sha256"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
}

// Expired reports whether the record's expiry, if any, is at or
// before now.
func (m Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

var (
	errMissingFields = errors.New("missing required fields")
	errNegativeSize  = errors.New("negative size")
	errExpiryRewound = errors.New("expires_at precedes created_at")
	errIDMismatch    = errors.New("id does not match sidecar location")
)

// validate checks the invariants every well-formed sidecar satisfies.
// An expiry equal to the creation time is legal; it marks a blob that
// was stored already eligible for cleanup.
func (m Metadata) validate() error {
	switch {
	case m.ID == "" || m.MimeType == "" || m.SHA256 == "" || m.CreatedAt.IsZero():
		return errMissingFields
	case m.SizeBytes < 0:
		return errNegativeSize
	case m.ExpiresAt != nil && m.ExpiresAt.Before(m.CreatedAt):
		return errExpiryRewound
	}
	return nil
}

// writeMetadata serializes meta and atomically replaces the sidecar
// at metaPath.
func writeMetadata(fsys billy.Filesystem, metaPath string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "storage.writeMetadata", metaPath, err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(fsys, metaPath, "meta-", data); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "storage.writeMetadata", metaPath, err)
	}
	return nil
}

// readMetadata loads and validates the sidecar at metaPath. A missing
// file maps to KindMetaNotFound, anything unparseable or violating
// the record invariants to KindMetaCorrupt.
func readMetadata(fsys billy.Filesystem, metaPath string) (Metadata, error) {
	f, err := fsys.Open(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, xerrors.Wrap(xerrors.KindMetaNotFound, "storage.readMetadata", metaPath, err)
		}
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "storage.readMetadata", metaPath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "storage.readMetadata", metaPath, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindMetaCorrupt, "storage.readMetadata", metaPath, err)
	}
	if err := meta.validate(); err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindMetaCorrupt, "storage.readMetadata", metaPath, err)
	}
	return meta, nil
}

// removeFile deletes p, treating absence as success.
func removeFile(fsys billy.Filesystem, p string) error {
	if err := fsys.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic writes data to a temp file at the root, syncs and
// closes it, then renames it over target. A reader never observes a
// half-written file, and a crash leaves at worst an orphaned temp
// file at the root where the next scan ignores it.
func writeFileAtomic(fsys billy.Filesystem, target, prefix string, data []byte) error {
	if dir := path.Dir(target); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := fsys.TempFile(".", prefix)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return err
	}
	if s, ok := f.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			f.Close()
			fsys.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, target); err != nil {
		fsys.Remove(tmp)
		return err
	}
	return nil
}
