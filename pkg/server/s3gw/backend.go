package s3gw

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/blobid"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/storage"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

// Metadata headers understood on PutObject and echoed on reads.
const (
	amzMetaFilename  = "X-Amz-Meta-Filename"
	amzMetaTags      = "X-Amz-Meta-Tags"
	amzMetaTTL       = "X-Amz-Meta-Ttl-Seconds"
	amzMetaBlobID    = "X-Amz-Meta-Blob-Id"
	amzMetaExpiresAt = "X-Amz-Meta-Expires-At"
)

// Backend implements gofakes3.Backend over the blob engine. The store
// appears as a single fixed bucket whose object keys are blob
// identifier leaves. Keys are minted by the engine on upload; the key
// a client supplies on PutObject only serves as a filename hint.
type Backend struct {
	engine  *storage.Engine
	bucket  string
	created time.Time
}

var _ gofakes3.Backend = (*Backend)(nil)

// NewBackend wraps engine in an S3-compatible backend. An empty
// bucket name falls back to DefaultBucket.
func NewBackend(engine *storage.Engine, bucket string) *Backend {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Backend{engine: engine, bucket: bucket, created: time.Now()}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	return []gofakes3.BucketInfo{
		{Name: b.bucket, CreationDate: gofakes3.NewContentTime(b.created)},
	}, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.checkBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	metas, err := b.allMetadata(context.Background())
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}

	// Engine listing order is (created_at, id) ascending and leaves
	// start with the zero-padded creation timestamp, so it already
	// matches S3 lexicographic key order.
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, meta := range metas {
		key := objectKey(meta)
		if marker != "" && key <= marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: key, MatchedPart: key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
			} else {
				results.IsTruncated = true
				lastKey = match.MatchedPart
				break
			}
			continue
		}
		if count < limit {
			results.Add(objectContent(meta, key))
			count++
			lastKey = key
		} else {
			results.IsTruncated = true
			lastKey = key
			break
		}
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if name == b.bucket {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	return gofakes3.ErrNotImplemented
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return name == b.bucket, nil
}

// DeleteBucket always refuses: the bucket is the store itself and
// outlives any S3 client.
func (b *Backend) DeleteBucket(name string) error {
	if err := b.checkBucket(name); err != nil {
		return err
	}
	return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
}

func (b *Backend) ForceDeleteBucket(name string) error {
	if err := b.checkBucket(name); err != nil {
		return err
	}
	return gofakes3.ErrNotImplemented
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	if err := b.checkBucket(bucket); err != nil {
		return nil, err
	}
	id, err := blobid.ParseAny(object)
	if err != nil {
		return nil, gofakes3.KeyNotFound(object)
	}
	payload, meta, err := b.engine.Open(context.Background(), id.String())
	if err != nil {
		return nil, objectErr(err, object)
	}
	rng, err := rangeFor(rangeRequest, meta.SizeBytes)
	if err != nil {
		return nil, err
	}
	body := payload
	if rng != nil {
		body = payload[rng.Start : rng.Start+rng.Length]
	}
	return objectResponse(meta, object, rng, body), nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	if err := b.checkBucket(bucket); err != nil {
		return nil, err
	}
	id, err := blobid.ParseAny(object)
	if err != nil {
		return nil, gofakes3.KeyNotFound(object)
	}
	meta, err := b.engine.GetMetadata(context.Background(), id.String())
	if err != nil {
		return nil, objectErr(err, object)
	}
	return objectResponse(meta, object, nil, nil), nil
}

// DeleteObject is idempotent; deleting an absent or malformed key
// succeeds, matching S3.
func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.checkBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	id, err := blobid.ParseAny(object)
	if err != nil {
		return gofakes3.ObjectDeleteResult{}, nil
	}
	err = b.engine.Delete(context.Background(), id.String())
	if err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
		return gofakes3.ObjectDeleteResult{}, err
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, _ *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.checkBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	payload, err := io.ReadAll(input)
	if err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	opts, err := uploadOptions(key, meta)
	if err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	if _, err := b.engine.Upload(context.Background(), payload, opts); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.checkBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

// CopyObject re-uploads the source payload under the destination's
// hints. With deduplication enabled the copy resolves to the existing
// blob and its identifier is unchanged.
func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	if err := b.checkBucket(srcBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.checkBucket(dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	srcID, err := blobid.ParseAny(srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, gofakes3.KeyNotFound(srcKey)
	}
	payload, src, err := b.engine.Open(context.Background(), srcID.String())
	if err != nil {
		return gofakes3.CopyObjectResult{}, objectErr(err, srcKey)
	}
	opts, err := uploadOptions(dstKey, meta)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if opts.MimeHint == "" {
		opts.MimeHint = src.MimeType
	}
	if len(opts.Tags) == 0 {
		opts.Tags = src.Tags
	}
	stored, err := b.engine.Upload(context.Background(), payload, opts)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(digestBytes(stored)),
		LastModified: gofakes3.NewContentTime(stored.CreatedAt),
	}, nil
}

func (b *Backend) checkBucket(name string) error {
	if name != b.bucket {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

// allMetadata drains the engine listing across cursor pages.
func (b *Backend) allMetadata(ctx context.Context) ([]storage.Metadata, error) {
	var out []storage.Metadata
	q := storage.ListQuery{Limit: storage.MaxListLimit}
	for {
		page, err := b.engine.List(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Blobs...)
		if page.NextCursor == "" {
			return out, nil
		}
		q.Cursor = page.NextCursor
	}
}

func uploadOptions(key string, meta map[string]string) (storage.UploadOptions, error) {
	opts := storage.UploadOptions{Filename: path.Base(key)}
	if ct := meta["Content-Type"]; ct != "" && ct != "application/octet-stream" {
		opts.MimeHint = ct
	}
	if v := meta[amzMetaFilename]; v != "" {
		opts.Filename = v
	}
	if v := meta[amzMetaTags]; v != "" {
		for _, tag := range strings.Split(v, ",") {
			opts.Tags = append(opts.Tags, strings.TrimSpace(tag))
		}
	}
	if v := meta[amzMetaTTL]; v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("bad %s value %q: %w", amzMetaTTL, v, err)
		}
		ttl := time.Duration(secs) * time.Second
		opts.TTL = &ttl
	}
	return opts, nil
}

func objectKey(meta storage.Metadata) string {
	return strings.TrimPrefix(meta.ID, blobid.Scheme)
}

func objectContent(meta storage.Metadata, key string) *gofakes3.Content {
	return &gofakes3.Content{
		Key:          key,
		LastModified: gofakes3.NewContentTime(meta.CreatedAt),
		Size:         meta.SizeBytes,
		ETag:         gofakes3.FormatETag(digestBytes(meta)),
	}
}

func objectResponse(meta storage.Metadata, key string, rng *gofakes3.ObjectRange, body []byte) *gofakes3.Object {
	return &gofakes3.Object{
		Name:     key,
		Metadata: objectHeaders(meta),
		Size:     meta.SizeBytes,
		Contents: io.NopCloser(bytes.NewReader(body)),
		Hash:     digestBytes(meta),
		Range:    rng,
	}
}

func objectHeaders(meta storage.Metadata) map[string]string {
	headers := map[string]string{
		"Content-Type":  meta.MimeType,
		"Last-Modified": meta.CreatedAt.UTC().Format(http.TimeFormat),
		amzMetaBlobID:   meta.ID,
	}
	if meta.OriginalFilename != "" {
		headers[amzMetaFilename] = meta.OriginalFilename
	}
	if len(meta.Tags) > 0 {
		headers[amzMetaTags] = strings.Join(meta.Tags, ",")
	}
	if meta.ExpiresAt != nil {
		headers[amzMetaExpiresAt] = meta.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return headers
}

// digestBytes converts the stored hex digest for ETag use; S3 clients
// see the sha256 rather than an md5.
func digestBytes(meta storage.Metadata) []byte {
	raw, err := hex.DecodeString(meta.SHA256)
	if err != nil {
		return []byte(meta.SHA256)
	}
	return raw
}

func rangeFor(req *gofakes3.ObjectRangeRequest, size int64) (*gofakes3.ObjectRange, error) {
	if req == nil {
		return nil, nil
	}
	return req.Range(size)
}

func objectErr(err error, key string) error {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindMetaNotFound, xerrors.KindMalformedID:
		return gofakes3.KeyNotFound(key)
	}
	return err
}
