package archive

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/umbrix/backend/internal/faults"
)

// MinioStore persists bundles in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

// NewMinioStore connects and ensures the bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useTLS bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("minio.New: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("archive bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive bucket create: %w", err)
		}
	}

	s := &MinioStore{
		client: client,
		bucket: bucket,
		logger: log.New(log.Writer(), "[Archive] ", log.LstdFlags),
	}
	s.logger.Printf("bucket %s ready on %s", bucket, endpoint)
	return s, nil
}

func (s *MinioStore) Archive(ctx context.Context, organizationID, connectionID, exportID string, body io.Reader) error {
	key := objectKey(organizationID, connectionID, exportID)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, -1, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("archive put %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Open(ctx context.Context, organizationID, connectionID, exportID string) (io.ReadCloser, error) {
	key := objectKey(organizationID, connectionID, exportID)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive get %s: %w", key, err)
	}
	// GetObject is lazy; a missing key only surfaces on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, faults.NotFound("export bundle")
		}
		return nil, fmt.Errorf("archive stat %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinioStore) List(ctx context.Context, organizationID, connectionID string) ([]Entry, error) {
	prefix := organizationID + "/" + connectionID + "/"
	var out []Entry
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("archive list %s: %w", prefix, obj.Err)
		}
		out = append(out, Entry{
			Key:        obj.Key,
			ExportID:   strings.TrimPrefix(obj.Key, prefix),
			Size:       obj.Size,
			ArchivedAt: obj.LastModified.UTC(),
		})
	}
	return out, nil
}

var _ Store = (*MinioStore)(nil)
var _ Store = (*MemoryStore)(nil)
