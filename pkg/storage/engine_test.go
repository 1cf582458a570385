package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/blobid"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/dedupe"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

var pngBytes = []byte{
	0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 'I', 'H', 'D', 'R',
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, billy.Filesystem) {
	t.Helper()
	if cfg.Filesystem == nil {
		cfg.Filesystem = memfs.New()
	}
	if cfg.Logf == nil {
		cfg.Logf = t.Logf
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, cfg.Filesystem
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{},
		{Filesystem: memfs.New(), MaxSize: -1},
		{Filesystem: memfs.New(), DefaultTTL: -time.Hour},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); xerrors.KindOf(err) != xerrors.KindInvalid {
			t.Fatalf("New(%+v) err = %v, want invalid", cfg, err)
		}
	}
}

func TestUploadStoresPayloadAndSidecar(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, fsys := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	meta, err := e.Upload(ctx, pngBytes, UploadOptions{
		Filename: "chart.png",
		Tags:     []string{"report", "chart", "report"},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	id, err := blobid.Parse(meta.ID)
	if err != nil {
		t.Fatalf("returned id %q does not parse: %v", meta.ID, err)
	}
	if id.Ext != "png" {
		t.Fatalf("id extension = %q, want png", id.Ext)
	}
	if meta.MimeType != "image/png" {
		t.Fatalf("mime = %q", meta.MimeType)
	}
	if meta.SizeBytes != int64(len(pngBytes)) {
		t.Fatalf("size = %d", meta.SizeBytes)
	}
	if meta.SHA256 != SumHex(pngBytes) {
		t.Fatalf("sha256 = %q", meta.SHA256)
	}
	if !meta.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", meta.CreatedAt, now)
	}
	if meta.ExpiresAt != nil {
		t.Fatalf("expires_at = %v without a ttl", meta.ExpiresAt)
	}
	if meta.OriginalFilename != "chart.png" {
		t.Fatalf("original_filename = %q", meta.OriginalFilename)
	}
	if len(meta.Tags) != 2 || meta.Tags[0] != "chart" || meta.Tags[1] != "report" {
		t.Fatalf("tags = %v", meta.Tags)
	}

	blobPath, err := Layout{}.BlobPath(id)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	payload, err := util.ReadFile(fsys, blobPath)
	if err != nil {
		t.Fatalf("payload read: %v", err)
	}
	if !bytes.Equal(payload, pngBytes) {
		t.Fatalf("payload on disk differs from upload")
	}
	if _, err := fsys.Stat(blobPath + MetadataSuffix); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
}

func TestUploadSanitizesFilename(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	meta, err := e.Upload(context.Background(), []byte("hello"), UploadOptions{
		Filename: "../../etc/passwd",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.OriginalFilename != "passwd" {
		t.Fatalf("original_filename = %q, want passwd", meta.OriginalFilename)
	}
}

func TestUploadTooLarge(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxSize: 10})
	_, err := e.Upload(context.Background(), []byte("0123456789a"), UploadOptions{})
	if xerrors.KindOf(err) != xerrors.KindTooLarge {
		t.Fatalf("err = %v, want too large", err)
	}
	// at the limit is fine
	if _, err := e.Upload(context.Background(), []byte("0123456789"), UploadOptions{}); err != nil {
		t.Fatalf("upload at limit: %v", err)
	}
}

func TestUploadMimeValidation(t *testing.T) {
	e, _ := newTestEngine(t, Config{AllowedTypes: []string{"image/*"}})
	ctx := context.Background()

	if _, err := e.Upload(ctx, []byte("plain text"), UploadOptions{}); xerrors.KindOf(err) != xerrors.KindMimeRejected {
		t.Fatalf("text upload err = %v, want mime rejected", err)
	}
	if _, err := e.Upload(ctx, pngBytes, UploadOptions{}); err != nil {
		t.Fatalf("png upload: %v", err)
	}

	// a hint overrides detection but still passes the allow-list
	meta, err := e.Upload(ctx, []byte("svg-ish text"), UploadOptions{MimeHint: "image/svg+xml"})
	if err != nil {
		t.Fatalf("hinted upload: %v", err)
	}
	if meta.MimeType != "image/svg+xml" {
		t.Fatalf("mime = %q, want the hint", meta.MimeType)
	}
	if _, err := e.Upload(ctx, pngBytes, UploadOptions{MimeHint: "application/pdf"}); xerrors.KindOf(err) != xerrors.KindMimeRejected {
		t.Fatalf("disallowed hint err = %v, want mime rejected", err)
	}
}

func TestUploadTTL(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	clock := func() time.Time { return now }
	ctx := context.Background()

	e, _ := newTestEngine(t, Config{DefaultTTL: 24 * time.Hour, Now: clock})

	meta, err := e.Upload(ctx, []byte("default ttl"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.ExpiresAt == nil || !meta.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("default ttl expiry = %v", meta.ExpiresAt)
	}

	meta, err = e.Upload(ctx, []byte("explicit ttl"), UploadOptions{TTL: durationPtr(time.Hour)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.ExpiresAt == nil || !meta.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("explicit ttl expiry = %v", meta.ExpiresAt)
	}

	meta, err = e.Upload(ctx, []byte("zero ttl"), UploadOptions{TTL: durationPtr(0)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.ExpiresAt == nil || !meta.ExpiresAt.Equal(meta.CreatedAt) {
		t.Fatalf("zero ttl expiry = %v, want the creation instant", meta.ExpiresAt)
	}

	if _, err := e.Upload(ctx, []byte("bad ttl"), UploadOptions{TTL: durationPtr(-time.Hour)}); xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("negative ttl err = %v, want invalid", err)
	}

	// no default, no explicit ttl: stored without expiry
	e2, _ := newTestEngine(t, Config{Now: clock})
	meta, err = e2.Upload(ctx, []byte("immortal"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.ExpiresAt != nil {
		t.Fatalf("expiry = %v, want none", meta.ExpiresAt)
	}
}

func TestGetMetadata(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("hello"), UploadOptions{Filename: "hello.txt"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, err := e.GetMetadata(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != meta.ID || got.SHA256 != meta.SHA256 {
		t.Fatalf("got %+v, want %+v", got, meta)
	}

	if _, err := e.GetMetadata(ctx, "blob://1755000000-ffffffffffffffff"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("unknown id err = %v, want not found", err)
	}
	if _, err := e.GetMetadata(ctx, "not-an-id"); xerrors.KindOf(err) != xerrors.KindMalformedID {
		t.Fatalf("malformed id err = %v, want malformed", err)
	}
	if _, err := e.GetMetadata(ctx, meta.ID+"/../escape"); xerrors.KindOf(err) != xerrors.KindMalformedID {
		t.Fatalf("traversal id err = %v, want malformed", err)
	}
}

func TestGetMetadataIgnoresExpiry(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, _ := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("short lived"), UploadOptions{TTL: durationPtr(time.Minute)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	now = now.Add(48 * time.Hour)
	got, err := e.GetMetadata(ctx, meta.ID)
	if err != nil {
		t.Fatalf("expired blob must resolve until swept: %v", err)
	}
	if !got.Expired(now) {
		t.Fatalf("blob should report as expired at %v", now)
	}
}

func TestGetMetadataCorruptSidecar(t *testing.T) {
	e, fsys := newTestEngine(t, Config{})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("soon corrupt"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, _ := blobid.Parse(meta.ID)
	metaPath, _ := Layout{}.MetadataPath(id)
	if err := util.WriteFile(fsys, metaPath, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt sidecar: %v", err)
	}

	if _, err := e.GetMetadata(ctx, meta.ID); xerrors.KindOf(err) != xerrors.KindMetaCorrupt {
		t.Fatalf("err = %v, want metadata corrupt", err)
	}
}

func TestFilePath(t *testing.T) {
	e, fsys := newTestEngine(t, Config{})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("payload"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	p, err := e.FilePath(ctx, meta.ID)
	if err != nil {
		t.Fatalf("file path: %v", err)
	}
	if _, err := fsys.Stat(p); err != nil {
		t.Fatalf("returned path does not resolve: %v", err)
	}

	if _, err := e.FilePath(ctx, "blob://1755000000-ffffffffffffffff"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("unknown id err = %v, want not found", err)
	}
}

func TestOpenReturnsPayload(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	payload := []byte("the payload itself")
	meta, err := e.Upload(ctx, payload, UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, gotMeta, err := e.Open(ctx, meta.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
	if gotMeta.ID != meta.ID {
		t.Fatalf("metadata mismatch: %q", gotMeta.ID)
	}
}

func TestDelete(t *testing.T) {
	e, fsys := newTestEngine(t, Config{})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("delete me"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := e.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	id, _ := blobid.Parse(meta.ID)
	blobPath, _ := Layout{}.BlobPath(id)
	if _, err := fsys.Stat(blobPath); err == nil {
		t.Fatalf("payload survived delete")
	}
	if _, err := fsys.Stat(blobPath + MetadataSuffix); err == nil {
		t.Fatalf("sidecar survived delete")
	}
	if _, err := e.GetMetadata(ctx, meta.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("get after delete err = %v, want not found", err)
	}
	if err := e.Delete(ctx, meta.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("second delete err = %v, want not found", err)
	}
}

func TestDeleteRepairsHalfPresent(t *testing.T) {
	e, fsys := newTestEngine(t, Config{})
	ctx := context.Background()

	// sidecar lost: delete still succeeds and removes the payload
	meta, err := e.Upload(ctx, []byte("lost sidecar"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, _ := blobid.Parse(meta.ID)
	blobPath, _ := Layout{}.BlobPath(id)
	if err := fsys.Remove(blobPath + MetadataSuffix); err != nil {
		t.Fatalf("drop sidecar: %v", err)
	}
	if err := e.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("delete of half-present blob: %v", err)
	}
	if _, err := fsys.Stat(blobPath); err == nil {
		t.Fatalf("payload survived repair")
	}

	// payload lost: delete removes the orphaned sidecar
	meta, err = e.Upload(ctx, []byte("lost payload"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, _ = blobid.Parse(meta.ID)
	blobPath, _ = Layout{}.BlobPath(id)
	if err := fsys.Remove(blobPath); err != nil {
		t.Fatalf("drop payload: %v", err)
	}
	if err := e.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("delete of orphaned sidecar: %v", err)
	}
	if _, err := fsys.Stat(blobPath + MetadataSuffix); err == nil {
		t.Fatalf("sidecar survived repair")
	}
}

func TestUploadDedupe(t *testing.T) {
	e, _ := newTestEngine(t, Config{Dedupe: true})
	ctx := context.Background()

	first, err := e.Upload(ctx, []byte("same bytes"), UploadOptions{Filename: "a.txt"})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := e.Upload(ctx, []byte("same bytes"), UploadOptions{
		Filename: "b.txt",
		TTL:      durationPtr(time.Hour),
	})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate payload minted a new id: %q vs %q", second.ID, first.ID)
	}
	// the existing blob's metadata wins unchanged
	if second.OriginalFilename != "a.txt" || second.ExpiresAt != nil {
		t.Fatalf("dedup hit altered metadata: %+v", second)
	}

	third, err := e.Upload(ctx, []byte("different bytes"), UploadOptions{})
	if err != nil {
		t.Fatalf("third upload: %v", err)
	}
	if third.ID == first.ID {
		t.Fatalf("distinct payloads shared an id")
	}
}

func TestUploadDedupeDisabled(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	first, err := e.Upload(ctx, []byte("same bytes"), UploadOptions{})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := e.Upload(ctx, []byte("same bytes"), UploadOptions{})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("dedup disabled but ids collided")
	}
	page, err := e.List(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, want both copies", page.Total)
	}
}

func TestDedupeDropsStaleIndexEntry(t *testing.T) {
	e, fsys := newTestEngine(t, Config{Dedupe: true})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("vanishing"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	// lose the blob behind the index's back
	id, _ := blobid.Parse(meta.ID)
	blobPath, _ := Layout{}.BlobPath(id)
	if err := fsys.Remove(blobPath); err != nil {
		t.Fatalf("drop payload: %v", err)
	}
	if err := fsys.Remove(blobPath + MetadataSuffix); err != nil {
		t.Fatalf("drop sidecar: %v", err)
	}

	again, err := e.Upload(ctx, []byte("vanishing"), UploadOptions{})
	if err != nil {
		t.Fatalf("re-upload after loss: %v", err)
	}
	if again.ID == meta.ID {
		t.Fatalf("stale index entry was served")
	}
	if _, err := e.GetMetadata(ctx, again.ID); err != nil {
		t.Fatalf("re-uploaded blob missing: %v", err)
	}
}

func TestRebuildIndex(t *testing.T) {
	idx := dedupe.NewMemoryIndex()
	e, _ := newTestEngine(t, Config{Dedupe: true, Index: idx})
	ctx := context.Background()

	first, err := e.Upload(ctx, []byte("one"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload one: %v", err)
	}
	if _, err := e.Upload(ctx, []byte("two"), UploadOptions{}); err != nil {
		t.Fatalf("upload two: %v", err)
	}

	// wipe the index, then recover it from the sidecars
	if err := idx.Replace(ctx, nil); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	n, err := e.RebuildIndex(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 2 {
		t.Fatalf("rebuilt %d entries, want 2", n)
	}
	hit, err := e.Upload(ctx, []byte("one"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload after rebuild: %v", err)
	}
	if hit.ID != first.ID {
		t.Fatalf("rebuilt index missed the duplicate")
	}
}

func TestListFilters(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, _ := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	png, err := e.Upload(ctx, pngBytes, UploadOptions{Filename: "c.png", Tags: []string{"chart", "q3"}})
	if err != nil {
		t.Fatalf("upload png: %v", err)
	}
	now = now.Add(time.Second)
	txt, err := e.Upload(ctx, []byte("notes"), UploadOptions{Filename: "n.txt", Tags: []string{"q3"}})
	if err != nil {
		t.Fatalf("upload txt: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := e.Upload(ctx, []byte("%PDF-1.4 stub"), UploadOptions{MimeHint: "application/pdf"}); err != nil {
		t.Fatalf("upload pdf: %v", err)
	}

	page, err := e.List(ctx, ListQuery{Mime: "image/*"})
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if page.Total != 1 || page.Blobs[0].ID != png.ID {
		t.Fatalf("image filter = %+v", page)
	}

	page, err = e.List(ctx, ListQuery{Tags: []string{"q3"}})
	if err != nil {
		t.Fatalf("list q3: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("tag filter total = %d", page.Total)
	}
	if page.Blobs[0].ID != png.ID || page.Blobs[1].ID != txt.ID {
		t.Fatalf("tag filter order: %q, %q", page.Blobs[0].ID, page.Blobs[1].ID)
	}

	page, err = e.List(ctx, ListQuery{Tags: []string{"q3", "chart"}})
	if err != nil {
		t.Fatalf("list q3+chart: %v", err)
	}
	if page.Total != 1 || page.Blobs[0].ID != png.ID {
		t.Fatalf("two-tag filter = %+v", page)
	}

	page, err = e.List(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("unfiltered total = %d", page.Total)
	}
}

func TestListPagination(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, _ := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	var uploaded []string
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		meta, err := e.Upload(ctx, []byte(body), UploadOptions{})
		if err != nil {
			t.Fatalf("upload %q: %v", body, err)
		}
		uploaded = append(uploaded, meta.ID)
		now = now.Add(time.Second)
	}

	var walked []string
	cursor := ""
	for {
		page, err := e.List(ctx, ListQuery{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if page.Total != 5 {
			t.Fatalf("total = %d", page.Total)
		}
		for _, m := range page.Blobs {
			walked = append(walked, m.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(walked) != 5 {
		t.Fatalf("walked %d blobs", len(walked))
	}
	for i, id := range uploaded {
		if walked[i] != id {
			t.Fatalf("position %d: %q, want %q", i, walked[i], id)
		}
	}

	if _, err := e.List(ctx, ListQuery{Cursor: "%%%"}); xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("bad cursor err = %v, want invalid", err)
	}
}

func TestListCorruptSidecarFailsStrict(t *testing.T) {
	e, fsys := newTestEngine(t, Config{})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("fine"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, _ := blobid.Parse(meta.ID)
	metaPath, _ := Layout{}.MetadataPath(id)
	if err := util.WriteFile(fsys, metaPath, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := e.List(ctx, ListQuery{}); xerrors.KindOf(err) != xerrors.KindMetaCorrupt {
		t.Fatalf("list err = %v, want metadata corrupt", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, _ := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	keeper, err := e.Upload(ctx, []byte("keeper"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload keeper: %v", err)
	}
	doomed, err := e.Upload(ctx, []byte("doomed"), UploadOptions{TTL: durationPtr(time.Hour)})
	if err != nil {
		t.Fatalf("upload doomed: %v", err)
	}

	now = now.Add(2 * time.Hour)
	report, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 2 || report.Expired != 1 || report.Removed != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if !e.LastSweep().Equal(now) {
		t.Fatalf("last sweep = %v, want %v", e.LastSweep(), now)
	}

	if _, err := e.GetMetadata(ctx, doomed.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expired blob survived the sweep: %v", err)
	}
	if _, err := e.GetMetadata(ctx, keeper.ID); err != nil {
		t.Fatalf("unexpired blob was removed: %v", err)
	}
}

func TestSweepSkipsCorruptSidecar(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, fsys := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	expired, err := e.Upload(ctx, []byte("expired"), UploadOptions{TTL: durationPtr(time.Minute)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	corrupt, err := e.Upload(ctx, []byte("unreadable"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, _ := blobid.Parse(corrupt.ID)
	metaPath, _ := Layout{}.MetadataPath(id)
	if err := util.WriteFile(fsys, metaPath, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	now = now.Add(time.Hour)
	report, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("report = %+v, want one removal", report)
	}
	if _, err := e.GetMetadata(ctx, expired.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expired blob survived: %v", err)
	}
	// the unreadable blob is untouched
	if _, err := fsys.Stat(metaPath); err != nil {
		t.Fatalf("corrupt sidecar removed by sweep: %v", err)
	}
}

func TestOpportunisticSweepOnUpload(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, _ := newTestEngine(t, Config{
		CleanupInterval: 10 * time.Minute,
		Now:             func() time.Time { return now },
	})
	ctx := context.Background()

	shortLived, err := e.Upload(ctx, []byte("short lived"), UploadOptions{TTL: durationPtr(time.Minute)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	now = now.Add(15 * time.Minute)
	if _, err := e.Upload(ctx, []byte("trigger"), UploadOptions{}); err != nil {
		t.Fatalf("trigger upload: %v", err)
	}

	if _, err := e.GetMetadata(ctx, shortLived.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expired blob survived the opportunistic sweep: %v", err)
	}
	if !e.LastSweep().Equal(now) {
		t.Fatalf("last sweep = %v, want %v", e.LastSweep(), now)
	}
}

func TestZeroTTLLifecycle(t *testing.T) {
	now := time.Unix(1755000000, 0).UTC()
	e, _ := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("hello"), UploadOptions{TTL: durationPtr(0)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	// still resolvable before any sweep runs
	if _, err := e.GetMetadata(ctx, meta.ID); err != nil {
		t.Fatalf("get before sweep: %v", err)
	}

	report, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := e.GetMetadata(ctx, meta.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("get after sweep err = %v, want not found", err)
	}
}

func TestMetadataCache(t *testing.T) {
	e, fsys := newTestEngine(t, Config{MetadataCacheSize: 8})
	ctx := context.Background()

	meta, err := e.Upload(ctx, []byte("cached"), UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, _ := blobid.Parse(meta.ID)
	blobPath, _ := Layout{}.BlobPath(id)

	// drop the files behind the engine's back: the cache still serves
	if err := fsys.Remove(blobPath); err != nil {
		t.Fatalf("drop payload: %v", err)
	}
	if err := fsys.Remove(blobPath + MetadataSuffix); err != nil {
		t.Fatalf("drop sidecar: %v", err)
	}
	if _, err := e.GetMetadata(ctx, meta.ID); err != nil {
		t.Fatalf("cached get: %v", err)
	}

	// delete invalidates
	again, err := e.Upload(ctx, []byte("cached twice"), UploadOptions{})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if err := e.Delete(ctx, again.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.GetMetadata(ctx, again.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("get after delete err = %v, want not found", err)
	}
}

func TestUploadExtensionFallsBackToDetection(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	meta, err := e.Upload(context.Background(), pngBytes, UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(meta.ID, ".png") {
		t.Fatalf("id = %q, want a .png suffix from detection", meta.ID)
	}
}
