package storage

import (
	"path"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/blobid"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/pathsafe"
)

// MetadataSuffix is appended to a payload leaf to name its sidecar.
const MetadataSuffix = ".meta.json"

// Layout derives the on-disk locations of a blob and its sidecar
// relative to the storage root. Two directory levels taken from the
// identifier fragment keep per-directory entry counts bounded.
// Derivation is pure and never touches the filesystem.
type Layout struct{}

// BlobPath returns the payload location for id, slash-separated and
// relative to the root.
func (Layout) BlobPath(id blobid.ID) (string, error) {
	if _, err := blobid.New(id.Timestamp, id.Fragment, id.Ext); err != nil {
		return "", err
	}
	leaf := id.Leaf()
	if err := pathsafe.Check(leaf); err != nil {
		return "", err
	}
	return path.Join(id.Fragment[:2], id.Fragment[2:4], leaf), nil
}

// MetadataPath returns the sidecar location for id, next to the
// payload.
func (l Layout) MetadataPath(id blobid.ID) (string, error) {
	p, err := l.BlobPath(id)
	if err != nil {
		return "", err
	}
	return p + MetadataSuffix, nil
}
