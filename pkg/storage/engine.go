// Package storage implements a local content-addressed blob store.
// Payloads live in a two-level sharded directory tree under a single
// root, each next to a JSON metadata sidecar, and are referred to by
// blob:// identifiers. The engine is synchronous: expiry cleanup
// rides on mutating calls instead of a background goroutine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/blobid"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/cache"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/dedupe"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/pathsafe"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/sniff"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/sweep"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

const (
	// DefaultMaxSize caps uploads when Config.MaxSize is unset.
	DefaultMaxSize = 100 << 20

	// defaultIndexFile is the bolt index location under the root. The
	// shard walk only descends into two-hex-digit directories, so the
	// index file never shows up in listings.
	defaultIndexFile = ".dedupe.db"
)

// Config tunes an Engine. Either Root or Filesystem must be set;
// everything else has a workable zero value.
type Config struct {
	// Root is the storage directory on the host, created on first
	// use. Ignored when Filesystem is set, except as the base for
	// FilePath results.
	Root string

	// MaxSize caps a single payload in bytes. Zero means
	// DefaultMaxSize.
	MaxSize int64

	// AllowedTypes is the MIME allow-list. Entries are exact
	// ("image/png") or wildcard ("image/*", "*"). Empty allows every
	// type.
	AllowedTypes []string

	// DefaultTTL applies when an upload names no TTL. Zero stores
	// blobs without an expiry.
	DefaultTTL time.Duration

	// CleanupInterval gates the opportunistic sweeps that ride on
	// mutating calls. Zero or negative disables them; explicit Sweep
	// calls still work.
	CleanupInterval time.Duration

	// Dedupe makes an upload whose digest is already indexed return
	// the existing blob instead of storing a second copy.
	Dedupe bool

	// IndexPath overrides the digest index location. Empty keeps it
	// at Root/.dedupe.db, or in memory when there is no Root.
	IndexPath string

	// Index, when set, is used as-is and not closed by the engine.
	Index dedupe.Index

	// Filesystem replaces the osfs root. Tests inject memfs here.
	Filesystem billy.Filesystem

	// MetadataCacheSize bounds the in-process metadata read cache.
	// Zero disables caching.
	MetadataCacheSize int
	// MetadataCacheTTL expires cached entries; zero keeps them until
	// evicted.
	MetadataCacheTTL time.Duration

	// Now and Logf default to time.Now and log.Printf.
	Now  func() time.Time
	Logf func(format string, args ...any)
}

// UploadOptions carries the caller-supplied facts about a payload.
type UploadOptions struct {
	// Filename is the client-side name. It is sanitized before use
	// and kept in metadata; its extension feeds the identifier.
	Filename string

	// MimeHint overrides content detection when set. The allow-list
	// still applies to it.
	MimeHint string

	// Tags label the blob for listing filters.
	Tags []string

	// TTL overrides Config.DefaultTTL. Zero makes the blob eligible
	// for cleanup immediately; negative is rejected; nil falls back
	// to the default.
	TTL *time.Duration
}

// Engine is the storage facade. Methods are safe for concurrent use.
// A blob is either fully present (payload and sidecar) or fully
// absent; no other state is observable through the API.
type Engine struct {
	cfg       Config
	fsys      billy.Filesystem
	layout    Layout
	maxSize   int64
	index     dedupe.Index
	ownIdx    bool
	metaCache *cache.Cache
	sweeper   *sweep.Sweeper
	now       func() time.Time
	logf      func(string, ...any)
}

// New opens the store rooted at cfg.Root, creating the directory if
// needed.
func New(cfg Config) (*Engine, error) {
	const op = "storage.New"
	if cfg.MaxSize < 0 {
		return nil, xerrors.E(xerrors.KindInvalid, op, "negative max size")
	}
	if cfg.DefaultTTL < 0 {
		return nil, xerrors.E(xerrors.KindInvalid, op, "negative default ttl")
	}
	fsys := cfg.Filesystem
	if fsys == nil {
		if cfg.Root == "" {
			return nil, xerrors.E(xerrors.KindInvalid, op, "no root or filesystem configured")
		}
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, op, cfg.Root, err)
		}
		fsys = osfs.New(cfg.Root)
	}

	e := &Engine{
		cfg:     cfg,
		fsys:    fsys,
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		logf:    cfg.Logf,
	}
	if e.maxSize == 0 {
		e.maxSize = DefaultMaxSize
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logf == nil {
		e.logf = log.Printf
	}
	if cfg.MetadataCacheSize > 0 {
		e.metaCache = cache.New(cfg.MetadataCacheSize, cfg.MetadataCacheTTL)
	}
	if err := e.initIndex(); err != nil {
		return nil, err
	}
	e.sweeper = sweep.NewSweeper(sweep.Options{
		Target:   e,
		Interval: cfg.CleanupInterval,
		Now:      e.now,
		Logger:   e.logf,
	})
	return e, nil
}

// initIndex wires the digest index. A memory index starts empty, so
// it is seeded from the sidecars on disk.
func (e *Engine) initIndex() error {
	if e.cfg.Index != nil {
		e.index = e.cfg.Index
		return nil
	}
	if !e.cfg.Dedupe {
		return nil
	}
	indexPath := e.cfg.IndexPath
	if indexPath == "" && e.cfg.Root != "" {
		indexPath = filepath.Join(e.cfg.Root, defaultIndexFile)
	}
	if indexPath == "" {
		e.index = dedupe.NewMemoryIndex()
		e.ownIdx = true
		_, err := e.RebuildIndex(context.Background())
		return err
	}
	idx, err := dedupe.NewBoltIndex(dedupe.BoltConfig{Path: indexPath})
	if err != nil {
		return err
	}
	e.index = idx
	e.ownIdx = true
	return nil
}

// Close releases resources the engine opened itself. An injected
// index stays open.
func (e *Engine) Close() error {
	if e.metaCache != nil {
		e.metaCache.Clear()
	}
	if e.ownIdx && e.index != nil {
		return e.index.Close()
	}
	return nil
}

// MaxSize reports the configured per-blob size limit in bytes.
func (e *Engine) MaxSize() int64 {
	return e.maxSize
}

// Upload stores payload and returns its metadata. With deduplication
// enabled, a payload whose digest is already stored returns the
// existing blob's metadata unchanged; the options of the duplicate
// upload are discarded.
func (e *Engine) Upload(ctx context.Context, payload []byte, opts UploadOptions) (Metadata, error) {
	const op = "storage.Upload"
	start := time.Now()

	if int64(len(payload)) > e.maxSize {
		uploadsTotal.WithLabelValues(outcomeRejected).Inc()
		return Metadata{}, xerrors.Wrap(xerrors.KindTooLarge, op, "",
			fmt.Errorf("payload is %d bytes, limit is %d", len(payload), e.maxSize))
	}

	filename := pathsafe.SanitizeFilename(opts.Filename)
	mimeType := sniff.Detect(payload, filename)
	if opts.MimeHint != "" {
		mimeType = sniff.Normalize(opts.MimeHint)
	}
	if !sniff.Validate(mimeType, e.cfg.AllowedTypes) {
		uploadsTotal.WithLabelValues(outcomeRejected).Inc()
		return Metadata{}, xerrors.Wrap(xerrors.KindMimeRejected, op, mimeType,
			fmt.Errorf("type %q is not allowed", mimeType))
	}

	digest := SumHex(payload)
	if e.cfg.Dedupe && e.index != nil {
		if meta, ok := e.dedupeHit(ctx, digest); ok {
			uploadsTotal.WithLabelValues(outcomeDeduplicated).Inc()
			e.maybeSweep(ctx)
			return meta, nil
		}
	}

	createdAt := e.now().UTC().Truncate(time.Second)
	expiresAt, err := e.resolveExpiry(createdAt, opts.TTL)
	if err != nil {
		uploadsTotal.WithLabelValues(outcomeRejected).Inc()
		return Metadata{}, err
	}

	ext := pathsafe.Ext(filename)
	if ext == "" {
		ext = sniff.ExtensionFor(mimeType)
	}
	frag := blobid.NewFragment()
	id, err := blobid.New(createdAt, frag, ext)
	if errors.Is(err, blobid.ErrInvalidExtension) {
		id, err = blobid.New(createdAt, frag, "")
	}
	if err != nil {
		uploadsTotal.WithLabelValues(outcomeFailed).Inc()
		return Metadata{}, err
	}

	blobPath, err := e.layout.BlobPath(id)
	if err != nil {
		uploadsTotal.WithLabelValues(outcomeFailed).Inc()
		return Metadata{}, err
	}
	metaPath, err := e.layout.MetadataPath(id)
	if err != nil {
		uploadsTotal.WithLabelValues(outcomeFailed).Inc()
		return Metadata{}, err
	}

	// payload first, sidecar second: a reader can see a payload
	// without metadata, never the reverse
	if err := writeFileAtomic(e.fsys, blobPath, "upload-", payload); err != nil {
		uploadsTotal.WithLabelValues(outcomeFailed).Inc()
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, op, id.String(), err)
	}

	meta := Metadata{
		ID:               id.String(),
		MimeType:         mimeType,
		SizeBytes:        int64(len(payload)),
		SHA256:           digest,
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		Tags:             normalizeTags(opts.Tags),
		OriginalFilename: filename,
	}
	if err := writeMetadata(e.fsys, metaPath, meta); err != nil {
		// roll back to fully absent rather than leave a payload
		// without its sidecar
		if rmErr := removeFile(e.fsys, blobPath); rmErr != nil {
			e.logf("storage: rollback of %s: %v", id, rmErr)
		}
		e.pruneShards(id)
		uploadsTotal.WithLabelValues(outcomeFailed).Inc()
		return Metadata{}, err
	}

	if e.index != nil {
		if err := e.index.Put(ctx, digest, meta.ID); err != nil {
			e.logf("storage: index put for %s: %v", id, err)
		}
	}
	e.cacheSet(meta)

	uploadsTotal.WithLabelValues(outcomeStored).Inc()
	uploadBytesTotal.Add(float64(meta.SizeBytes))
	uploadDuration.Observe(time.Since(start).Seconds())
	e.maybeSweep(ctx)
	return meta, nil
}

// dedupeHit resolves digest through the index and verifies the blob
// it names is still present. A stale entry is dropped and the upload
// proceeds as a miss.
func (e *Engine) dedupeHit(ctx context.Context, digest string) (Metadata, bool) {
	existing, ok, err := e.index.Get(ctx, digest)
	if err != nil {
		e.logf("storage: index get %s: %v", digest, err)
		return Metadata{}, false
	}
	if !ok {
		return Metadata{}, false
	}
	meta, err := e.GetMetadata(ctx, existing)
	if err != nil {
		if derr := e.index.Delete(ctx, digest); derr != nil {
			e.logf("storage: dropping stale index entry %s: %v", digest, derr)
		}
		return Metadata{}, false
	}
	return meta, true
}

// resolveExpiry turns a TTL into an absolute expiry. A nil TTL falls
// back to the configured default; zero there means no expiry at all.
// An explicit zero TTL expires the blob at its creation instant.
func (e *Engine) resolveExpiry(createdAt time.Time, ttl *time.Duration) (*time.Time, error) {
	d := e.cfg.DefaultTTL
	if ttl != nil {
		if *ttl < 0 {
			return nil, xerrors.E(xerrors.KindInvalid, "storage.Upload", "negative ttl")
		}
		d = *ttl
	} else if d == 0 {
		return nil, nil
	}
	exp := createdAt.Add(d)
	return &exp, nil
}

// GetMetadata returns the metadata for rawID. Expiry is presence
// based: an expired blob keeps resolving until a sweep removes it.
func (e *Engine) GetMetadata(ctx context.Context, rawID string) (Metadata, error) {
	const op = "storage.GetMetadata"
	id, err := blobid.Parse(rawID)
	if err != nil {
		return Metadata{}, err
	}
	if meta, ok := e.cacheGet(id.String()); ok {
		return meta, nil
	}
	blobPath, err := e.layout.BlobPath(id)
	if err != nil {
		return Metadata{}, err
	}
	if _, err := e.fsys.Stat(blobPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, xerrors.Wrap(xerrors.KindNotFound, op, rawID, err)
		}
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, op, rawID, err)
	}
	meta, err := readMetadata(e.fsys, blobPath+MetadataSuffix)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindMetaNotFound {
			return Metadata{}, xerrors.Wrap(xerrors.KindNotFound, op, rawID, err)
		}
		return Metadata{}, err
	}
	if meta.ID != id.String() {
		return Metadata{}, xerrors.Wrap(xerrors.KindMetaCorrupt, op, rawID, errIDMismatch)
	}
	e.cacheSet(meta)
	return meta, nil
}

// FilePath returns the payload location for rawID, for handing to
// tools that read the file directly. With a host root the result is
// absolute; with an injected filesystem it is root relative.
func (e *Engine) FilePath(ctx context.Context, rawID string) (string, error) {
	const op = "storage.FilePath"
	id, err := blobid.Parse(rawID)
	if err != nil {
		return "", err
	}
	blobPath, err := e.layout.BlobPath(id)
	if err != nil {
		return "", err
	}
	if _, err := e.fsys.Stat(blobPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", xerrors.Wrap(xerrors.KindNotFound, op, rawID, err)
		}
		return "", xerrors.Wrap(xerrors.KindInternal, op, rawID, err)
	}
	if e.cfg.Root != "" && e.cfg.Filesystem == nil {
		return filepath.Join(e.cfg.Root, filepath.FromSlash(blobPath)), nil
	}
	return blobPath, nil
}

// Open returns the payload and metadata for rawID.
func (e *Engine) Open(ctx context.Context, rawID string) ([]byte, Metadata, error) {
	const op = "storage.Open"
	meta, err := e.GetMetadata(ctx, rawID)
	if err != nil {
		return nil, Metadata{}, err
	}
	id, err := blobid.Parse(rawID)
	if err != nil {
		return nil, Metadata{}, err
	}
	blobPath, err := e.layout.BlobPath(id)
	if err != nil {
		return nil, Metadata{}, err
	}
	f, err := e.fsys.Open(blobPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Metadata{}, xerrors.Wrap(xerrors.KindNotFound, op, rawID, err)
		}
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, op, rawID, err)
	}
	defer f.Close()
	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, op, rawID, err)
	}
	return payload, meta, nil
}

// List returns one page of blobs matching q. Expired but unswept
// blobs list like any other; listings reflect presence, not expiry.
func (e *Engine) List(ctx context.Context, q ListQuery) (ListPage, error) {
	metas, err := e.readAll(ctx, true)
	if err != nil {
		return ListPage{}, err
	}
	var matched []Metadata
	for _, m := range metas {
		if matchQuery(m, q) {
			matched = append(matched, m)
		}
	}
	sortByCreation(matched)
	return page(matched, q.Cursor, q.Limit)
}

// Delete removes rawID's payload and sidecar. A half-present blob is
// repaired to fully absent and reported as success; only a blob with
// neither file reports KindNotFound.
func (e *Engine) Delete(ctx context.Context, rawID string) error {
	const op = "storage.Delete"
	id, err := blobid.Parse(rawID)
	if err != nil {
		return err
	}
	blobPath, err := e.layout.BlobPath(id)
	if err != nil {
		return err
	}
	present := false
	if _, err := e.fsys.Stat(blobPath); err == nil {
		present = true
	} else if _, err := e.fsys.Stat(blobPath + MetadataSuffix); err == nil {
		present = true
	}
	if !present {
		return xerrors.E(xerrors.KindNotFound, op, rawID)
	}
	if err := e.EnsureAbsent(ctx, id.String()); err != nil {
		return err
	}
	deletesTotal.Inc()
	e.maybeSweep(ctx)
	return nil
}

// EnsureAbsent brings rawID to the fully absent state: payload,
// sidecar, cache entry and dedup entry are removed and empty shard
// directories pruned. Pieces already absent are fine, so the same
// primitive serves deletes, sweeps and repair of half-present blobs.
func (e *Engine) EnsureAbsent(ctx context.Context, rawID string) error {
	const op = "storage.EnsureAbsent"
	id, err := blobid.Parse(rawID)
	if err != nil {
		return err
	}
	blobPath, err := e.layout.BlobPath(id)
	if err != nil {
		return err
	}
	metaPath := blobPath + MetadataSuffix

	// capture the digest while the sidecar is still readable
	digest := ""
	if meta, err := readMetadata(e.fsys, metaPath); err == nil {
		digest = meta.SHA256
	}

	if err := removeFile(e.fsys, blobPath); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, rawID, err)
	}
	if err := removeFile(e.fsys, metaPath); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, rawID, err)
	}
	e.pruneShards(id)
	e.cacheDrop(id.String())

	if digest != "" && e.index != nil {
		existing, ok, err := e.index.Get(ctx, digest)
		if err == nil && ok && existing == id.String() {
			if err := e.index.Delete(ctx, digest); err != nil {
				e.logf("storage: index drop %s: %v", digest, err)
			}
		}
	}
	return nil
}

// Candidates lists every stored blob with its expiry for the
// sweeper. Corrupt sidecars are logged and skipped rather than
// blocking the sweep.
func (e *Engine) Candidates(ctx context.Context) ([]sweep.Candidate, error) {
	metas, err := e.readAll(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]sweep.Candidate, 0, len(metas))
	for _, m := range metas {
		out = append(out, sweep.Candidate{ID: m.ID, ExpiresAt: m.ExpiresAt})
	}
	return out, nil
}

// Sweep removes every expired blob now, regardless of the cleanup
// interval.
func (e *Engine) Sweep(ctx context.Context) (sweep.Report, error) {
	report, err := e.sweeper.Sweep(ctx)
	e.observeSweep(report)
	return report, err
}

// LastSweep reports when a sweep last completed, zero when none has.
func (e *Engine) LastSweep() time.Time {
	return e.sweeper.LastRun()
}

func (e *Engine) maybeSweep(ctx context.Context) {
	report, ran, err := e.sweeper.MaybeSweep(ctx)
	if !ran {
		return
	}
	e.observeSweep(report)
	if err != nil {
		e.logf("storage: opportunistic sweep: %v", err)
	}
}

func (e *Engine) observeSweep(report sweep.Report) {
	sweepRunsTotal.Inc()
	sweepRemovedTotal.Add(float64(report.Removed))
	sweepFailuresTotal.Add(float64(report.Failed))
}

// RebuildIndex rescans every sidecar and atomically replaces the
// digest index. The earliest blob wins when several share a digest.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	const op = "storage.RebuildIndex"
	if e.index == nil {
		return 0, xerrors.E(xerrors.KindInvalid, op, "no index configured")
	}
	metas, err := e.readAll(ctx, false)
	if err != nil {
		return 0, err
	}
	sortByCreation(metas)
	entries := make(map[string]string, len(metas))
	for _, m := range metas {
		if _, dup := entries[m.SHA256]; !dup {
			entries[m.SHA256] = m.ID
		}
	}
	if err := e.index.Replace(ctx, entries); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	return len(entries), nil
}

// readAll walks the two shard levels and loads every sidecar. In
// strict mode a corrupt sidecar aborts the walk; in tolerant mode it
// is logged and skipped.
func (e *Engine) readAll(ctx context.Context, strict bool) ([]Metadata, error) {
	const op = "storage.readAll"
	var metas []Metadata
	top, err := e.fsys.ReadDir(".")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.KindInternal, op, ".", err)
	}
	for _, lvl1 := range top {
		if !lvl1.IsDir() || !isShardName(lvl1.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, op, lvl1.Name(), err)
		}
		sub, err := e.fsys.ReadDir(lvl1.Name())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, xerrors.Wrap(xerrors.KindInternal, op, lvl1.Name(), err)
		}
		for _, lvl2 := range sub {
			if !lvl2.IsDir() || !isShardName(lvl2.Name()) {
				continue
			}
			dir := path.Join(lvl1.Name(), lvl2.Name())
			files, err := e.fsys.ReadDir(dir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, xerrors.Wrap(xerrors.KindInternal, op, dir, err)
			}
			for _, fi := range files {
				if fi.IsDir() || !strings.HasSuffix(fi.Name(), MetadataSuffix) {
					continue
				}
				metaPath := path.Join(dir, fi.Name())
				meta, err := readMetadata(e.fsys, metaPath)
				if err != nil {
					if strict {
						return nil, err
					}
					e.logf("storage: skipping %s: %v", metaPath, err)
					continue
				}
				metas = append(metas, meta)
			}
		}
	}
	return metas, nil
}

// isShardName matches the two-hex-digit directories of the layout.
func isShardName(name string) bool {
	if len(name) != 2 {
		return false
	}
	for _, r := range name {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// pruneShards removes the id's shard directories if empty. Errors are
// ignored; directories still holding blobs simply stay.
func (e *Engine) pruneShards(id blobid.ID) {
	if len(id.Fragment) < 4 {
		return
	}
	lvl1 := id.Fragment[:2]
	e.fsys.Remove(path.Join(lvl1, id.Fragment[2:4]))
	e.fsys.Remove(lvl1)
}

func (e *Engine) cacheGet(id string) (Metadata, bool) {
	if e.metaCache == nil {
		return Metadata{}, false
	}
	v, ok := e.metaCache.Get(id)
	if !ok {
		return Metadata{}, false
	}
	meta, ok := v.(Metadata)
	return meta, ok
}

func (e *Engine) cacheSet(meta Metadata) {
	if e.metaCache != nil {
		e.metaCache.Set(meta.ID, meta)
	}
}

func (e *Engine) cacheDrop(id string) {
	if e.metaCache != nil {
		e.metaCache.Delete(id)
	}
}

// normalizeTags trims, dedupes and sorts tag labels.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
