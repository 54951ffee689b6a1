package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/models"
)

// MinIOStore serves the Store surface from any S3-compatible endpoint, for
// deployments that keep datasets and artifacts off Google Cloud.
type MinIOStore struct {
	client *minio.Client
	bucket string
	urlTTL time.Duration
}

func NewMinIOStore(cfg *config.StorageConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		urlTTL: cfg.SignedURLTTL,
	}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet.
// Called once at startup; GCS deployments manage buckets out of band.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *MinIOStore) listObjects(ctx context.Context, prefix string) ([]minio.ObjectInfo, error) {
	var objects []minio.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			metrics.GetMetrics().RecordStorageError()
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (s *MinIOStore) ListDatasets(ctx context.Context) ([]models.DatasetInfo, error) {
	objects, err := s.listObjects(ctx, DatasetPrefix)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*models.DatasetInfo)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, DatasetPrefix)
		name, _, found := strings.Cut(rest, "/")
		if !found || name == "" {
			continue
		}
		info, ok := byName[name]
		if !ok {
			info = &models.DatasetInfo{Name: name, Path: DatasetPath(name)}
			byName[name] = info
		}
		info.FileCount++
		info.TotalBytes += obj.Size
	}

	datasets := make([]models.DatasetInfo, 0, len(byName))
	for _, info := range byName {
		datasets = append(datasets, *info)
	}
	sort.Slice(datasets, func(i, j int) bool { return datasets[i].Name < datasets[j].Name })
	return datasets, nil
}

func (s *MinIOStore) DatasetFiles(ctx context.Context, name string) ([]models.DatasetFile, error) {
	objects, err := s.listObjects(ctx, DatasetPath(name))
	if err != nil {
		return nil, err
	}

	files := make([]models.DatasetFile, 0, len(objects))
	for _, obj := range objects {
		files = append(files, models.DatasetFile{
			Name:      obj.Key[strings.LastIndex(obj.Key, "/")+1:],
			Path:      obj.Key,
			SizeBytes: obj.Size,
			UpdatedAt: obj.LastModified,
		})
	}
	return files, nil
}

func (s *MinIOStore) ListArtifacts(ctx context.Context) ([]models.LoraArtifact, error) {
	objects, err := s.listObjects(ctx, ArtifactPrefix)
	if err != nil {
		return nil, err
	}

	artifacts := make([]models.LoraArtifact, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".safetensors") {
			continue
		}
		artifacts = append(artifacts, models.LoraArtifact{
			Name:      obj.Key[strings.LastIndex(obj.Key, "/")+1:],
			Path:      obj.Key,
			SizeBytes: obj.Size,
			UpdatedAt: obj.LastModified,
		})
	}
	return artifacts, nil
}

func (s *MinIOStore) Upload(ctx context.Context, path, contentType string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("failed to upload object: %w", err)
	}
	metrics.GetMetrics().RecordStorageUpload()
	return nil
}

func (s *MinIOStore) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		metrics.GetMetrics().RecordStorageError()
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	metrics.GetMetrics().RecordStorageDownload()
	return data, nil
}

func (s *MinIOStore) Delete(ctx context.Context, path string) error {
	// RemoveObject succeeds on missing keys, so probe first to keep the
	// not-found contract shared with the GCS backend.
	if _, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("failed to stat object: %w", err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *MinIOStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.listObjects(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			metrics.GetMetrics().RecordStorageError()
			return fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *MinIOStore) SignedURL(ctx context.Context, path, method string) (string, error) {
	var (
		u   *url.URL
		err error
	)
	switch method {
	case "GET":
		u, err = s.client.PresignedGetObject(ctx, s.bucket, path, s.urlTTL, nil)
	case "PUT":
		u, err = s.client.PresignedPutObject(ctx, s.bucket, path, s.urlTTL)
	default:
		return "", fmt.Errorf("unsupported signed URL method: %s", method)
	}
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return "", fmt.Errorf("failed to presign URL: %w", err)
	}
	metrics.GetMetrics().RecordSignedURL()
	return u.String(), nil
}
