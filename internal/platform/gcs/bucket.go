package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
)

// ObjectInfo is one listed storage entry. Directory placeholders carry an
// empty ID; real objects carry their generation-derived ID.
type ObjectInfo struct {
	Name string
	ID   string
}

// ErrObjectNotFound is returned when a requested storage path does not exist.
var ErrObjectNotFound = errors.New("storage object not found")

type BucketService interface {
	Download(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	BucketName() string
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewBucketService(ctx context.Context, log *logger.Logger) (BucketService, error) {
	bucketName := strings.TrimSpace(os.Getenv("DOCS_GCS_BUCKET_NAME"))
	if bucketName == "" {
		return nil, fmt.Errorf("missing env var DOCS_GCS_BUCKET_NAME")
	}

	var opts []option.ClientOption
	if emulator := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")); emulator != "" {
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog := log.With("service", "BucketService")
	serviceLog.Info("Object storage initialized", "bucket", bucketName)

	return &bucketService{
		log:    serviceLog,
		client: client,
		bucket: bucketName,
	}, nil
}

func (s *bucketService) BucketName() string {
	return s.bucket
}

func (s *bucketService) Download(ctx context.Context, path string) ([]byte, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// List walks the bucket recursively under prefix. Folder placeholder entries
// (names ending in "/") are reported with an empty ID so callers can tell
// them apart from documents.
func (s *bucketService) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", s.bucket, err)
		}

		info := ObjectInfo{Name: attrs.Name}
		if !strings.HasSuffix(attrs.Name, "/") {
			info.ID = strconv.FormatInt(attrs.Generation, 10)
		}
		out = append(out, info)
	}
	return out, nil
}
