package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/regression-io/stratum/contracts"
)

// Store is the object storage an Archiver writes to.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// MinioConfig configures an S3-compatible object store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Validate checks the required fields.
func (c MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("object store endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("object store credentials are required")
	}
	return nil
}

// MinioStore is a Store backed by minio-go.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the object store described by cfg.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// EnsureBucket creates bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Trace is the archived document of one finished run.
type Trace struct {
	Run        contracts.RunSnapshot `json:"run"`
	Attempts   []contracts.Attempt   `json:"attempts"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// Archiver writes finished run traces to object storage as JSON.
type Archiver struct {
	store  Store
	bucket string
	prefix string
	now    func() time.Time
}

// NewArchiver creates an Archiver writing under prefix in bucket.
func NewArchiver(store Store, bucket, prefix string) *Archiver {
	return &Archiver{store: store, bucket: bucket, prefix: prefix, now: time.Now}
}

// Key returns the object key of a run's trace.
func (a *Archiver) Key(id contracts.RunID) string {
	return path.Join(a.prefix, string(id), "trace.json")
}

// Archive writes the snapshot and attempts of a terminal run. The object is
// written once; runs still in progress are rejected.
func (a *Archiver) Archive(ctx context.Context, run contracts.RunSnapshot, attempts []contracts.Attempt) (string, error) {
	if run.ID == "" {
		return "", contracts.ErrInvalidInput
	}
	if !run.Status.Terminal() && run.Status != contracts.RunSuspended {
		return "", fmt.Errorf("archive run %s in status %s: %w", run.ID, run.Status, contracts.ErrInvalidInput)
	}

	body, err := json.MarshalIndent(Trace{Run: run, Attempts: attempts, ArchivedAt: a.now().UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode trace: %w", err)
	}
	key := a.Key(run.ID)
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
