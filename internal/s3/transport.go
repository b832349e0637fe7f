// Package s3 implements the upload session protocol on top of S3 multipart
// uploads.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"ferry/pkg/plan"
	"ferry/pkg/schema"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const listPartsPageSize = 1000

// Transport maps upload sessions to multipart uploads in one bucket.
type Transport struct {
	core   *minio.Core
	bucket string
	prefix string
	log    *slog.Logger
}

type config struct {
	accessKey string
	secretKey string
	region    string
	prefix    string
	transport http.RoundTripper
	logger    *slog.Logger
}

type Option func(*config)

func WithCredentials(accessKey string, secretKey string) Option {
	return func(c *config) {
		c.accessKey = accessKey
		c.secretKey = secretKey
	}
}

// WithRegion skips the bucket location lookup.
func WithRegion(region string) Option {
	return func(c *config) {
		c.region = region
	}
}

// WithKeyPrefix places every object below prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(c *config) {
		c.transport = rt
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New returns a Transport for bucket on the S3 service at endpoint, for
// example "http://localhost:9000".
func New(endpoint string, bucket string, opts ...Option) (*Transport, error) {
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	cfg := config{
		accessKey: "minioadmin",
		secretKey: "minioadmin",
		region:    "us-east-1",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	core, err := minio.NewCore(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.accessKey, cfg.secretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.region,
		Transport:    cfg.transport,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &Transport{
		core:   core,
		bucket: bucket,
		prefix: cfg.prefix,
		log:    cfg.logger,
	}, nil
}

func (t *Transport) objectKey(key string) string {
	if t.prefix == "" {
		return key
	}
	return path.Join(t.prefix, key)
}

func (t *Transport) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.Session, error) {
	key := req.Key
	if key == "" {
		key = req.Name
	}
	if key == "" {
		return schema.Session{}, errors.New("object key must not be empty")
	}
	key = t.objectKey(key)

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID, err := t.core.NewMultipartUpload(ctx, t.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return schema.Session{}, fmt.Errorf("create multipart upload %s: %w", key, err)
	}

	t.log.Info("Started multipart upload", "bucket", t.bucket, "key", key, "upload_id", uploadID)

	return schema.Session{
		UploadID: uploadID,
		Key:      key,
		Size:     req.Size,
		PartSize: req.PartSize,
	}, nil
}

// listParts returns every part S3 holds for the session.
func (t *Transport) listParts(ctx context.Context, session schema.Session) ([]minio.ObjectPart, error) {
	var (
		parts  []minio.ObjectPart
		marker int
	)

	for {
		result, err := t.core.ListObjectParts(ctx, t.bucket, session.Key, session.UploadID, marker, listPartsPageSize)
		if err != nil {
			return nil, err
		}

		parts = append(parts, result.ObjectParts...)
		if !result.IsTruncated || result.NextPartNumberMarker <= marker {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

// MissingParts lists the parts of the session's layout that S3 does not
// hold with the expected size. The layout is derived from the size and part
// size carried by the session.
func (t *Transport) MissingParts(ctx context.Context, session schema.Session) ([]schema.Part, error) {
	if session.Size <= 0 || session.PartSize <= 0 {
		return nil, errors.New("session does not carry its part layout")
	}

	stored, err := t.listParts(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("list parts of %s: %w", session.UploadID, err)
	}

	sizes := make(map[int]int64, len(stored))
	for _, p := range stored {
		sizes[p.PartNumber] = p.Size
	}

	missing := make([]schema.Part, 0)
	for _, p := range plan.Parts(session.Size, session.PartSize) {
		if size, ok := sizes[p.Number]; !ok || size != p.Size() {
			missing = append(missing, p)
		}
	}

	return missing, nil
}

func (t *Transport) UploadPart(ctx context.Context, session schema.Session, part schema.Part, body io.Reader) (schema.PartResult, error) {
	objPart, err := t.core.PutObjectPart(ctx, t.bucket, session.Key, session.UploadID, part.Number, body, part.Size(), minio.PutObjectPartOptions{})
	if err != nil {
		return schema.PartResult{}, fmt.Errorf("put part %d: %w", part.Number, err)
	}

	size := objPart.Size
	if size == 0 {
		size = part.Size()
	}

	return schema.PartResult{
		Number: part.Number,
		ETag:   trimETag(objPart.ETag),
		Size:   size,
	}, nil
}

// Status reports a listable upload as pending. Once S3 no longer knows the
// upload id the object itself decides between complete and aborted.
func (t *Transport) Status(ctx context.Context, session schema.Session) (schema.Status, error) {
	status := schema.Status{Session: session}

	stored, err := t.listParts(ctx, session)
	if err == nil {
		status.State = schema.SessionPending
		status.Parts = make([]schema.PartResult, 0, len(stored))
		for _, p := range stored {
			status.Parts = append(status.Parts, schema.PartResult{Number: p.PartNumber, ETag: trimETag(p.ETag), Size: p.Size})
		}
		slices.SortFunc(status.Parts, func(a, b schema.PartResult) int { return a.Number - b.Number })
		return status, nil
	}

	if minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return schema.Status{}, fmt.Errorf("list parts of %s: %w", session.UploadID, err)
	}

	info, err := t.core.StatObject(ctx, t.bucket, session.Key, minio.StatObjectOptions{})
	switch {
	case err == nil && (session.Size <= 0 || info.Size == session.Size):
		status.State = schema.SessionComplete
		status.ETag = trimETag(info.ETag)
	case err == nil || minio.ToErrorResponse(err).Code == "NoSuchKey":
		status.State = schema.SessionAborted
	default:
		return schema.Status{}, fmt.Errorf("stat %s: %w", session.Key, err)
	}

	return status, nil
}

func (t *Transport) Finalize(ctx context.Context, session schema.Session, parts []schema.CompletedPart) (schema.Result, error) {
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: p.Number, ETag: p.ETag})
	}

	info, err := t.core.CompleteMultipartUpload(ctx, t.bucket, session.Key, session.UploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		return schema.Result{}, fmt.Errorf("complete multipart upload %s: %w", session.UploadID, err)
	}

	t.log.Info("Completed multipart upload", "bucket", t.bucket, "key", session.Key, "upload_id", session.UploadID, "etag", info.ETag)

	return schema.Result{Key: session.Key, ETag: trimETag(info.ETag)}, nil
}

// Abort discards the multipart upload. An upload S3 no longer knows is
// already gone.
func (t *Transport) Abort(ctx context.Context, session schema.Session) error {
	err := t.core.AbortMultipartUpload(ctx, t.bucket, session.Key, session.UploadID)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return fmt.Errorf("abort multipart upload %s: %w", session.UploadID, err)
	}
	return nil
}

// trimETag strips the quotes ListObjectParts leaves around part tags so every
// tag reported by the transport has the same form.
func trimETag(etag string) string {
	return strings.Trim(etag, "\"")
}
