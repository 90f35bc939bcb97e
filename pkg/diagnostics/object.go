package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
)

// uploadTimeout bounds each upload so a slow store never stalls a run.
const uploadTimeout = 15 * time.Second

// ObjectStoreConfig configures an S3-compatible artifact store.
type ObjectStoreConfig struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string // key prefix, e.g. the run id
	UseSSL    bool
}

// Validate checks the required fields.
func (c ObjectStoreConfig) Validate() error {
	switch {
	case c.Endpoint == "":
		return core.ErrMissingRequired.WithMessage("object store endpoint is required")
	case c.Bucket == "":
		return core.ErrMissingRequired.WithMessage("object store bucket is required")
	}
	return nil
}

// objectPutter is the subset of *minio.Client the sink uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink uploads artifacts to a bucket.
type ObjectSink struct {
	client objectPutter
	bucket string
	prefix string
}

var _ core.DiagnosticsSink = (*ObjectSink)(nil)

// NewMinIOClient creates a client for cfg.
func NewMinIOClient(cfg ObjectStoreConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// NewObjectSink connects to the store and makes sure the bucket exists.
func NewObjectSink(ctx context.Context, cfg ObjectStoreConfig) (*ObjectSink, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return &ObjectSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key an artifact captured under name is stored as.
func (s *ObjectSink) Key(name string, a core.Artifact) string {
	return path.Join(s.prefix, FileName(name, a))
}

// Capture implements core.DiagnosticsSink.
func (s *ObjectSink) Capture(ctx context.Context, name string, a core.Artifact) {
	// The run context may already be cancelled; uploads get their own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	defer cancel()

	key := s.Key(name, a)
	opts := minio.PutObjectOptions{ContentType: a.ContentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(a.Body), int64(len(a.Body)), opts); err != nil {
		logger.Warn("diagnostics: upload %s/%s: %v", s.bucket, key, err)
		return
	}
	logger.Debug("diagnostics: uploaded %s/%s", s.bucket, key)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
