// Package storage holds datasets and trained LoRA artifacts in an object
// bucket. Two backends implement the same surface: Google Cloud Storage via
// its JSON API, and any S3-compatible endpoint via MinIO.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/models"
)

// Bucket layout prefixes. Datasets are directories of images plus captions;
// artifacts are flat .safetensors files.
const (
	DatasetPrefix  = "datasets/"
	ArtifactPrefix = "loras/"
)

// ErrObjectNotFound is returned for reads and deletes of missing objects.
var ErrObjectNotFound = errors.New("object not found")

// Store is the bucket surface the rest of the system consumes.
type Store interface {
	// ListDatasets returns one entry per dataset under datasets/ with its
	// file count and total size.
	ListDatasets(ctx context.Context) ([]models.DatasetInfo, error)

	// DatasetFiles returns every object inside one dataset.
	DatasetFiles(ctx context.Context, name string) ([]models.DatasetFile, error)

	// ListArtifacts returns every .safetensors file under loras/.
	ListArtifacts(ctx context.Context) ([]models.LoraArtifact, error)

	// Upload writes one object.
	Upload(ctx context.Context, path, contentType string, data []byte) error

	// Download reads one object in full.
	Download(ctx context.Context, path string) ([]byte, error)

	// Delete removes one object.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object under the prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// SignedURL returns a pre-authorized URL for the given method (GET or
	// PUT) valid for the store's configured TTL.
	SignedURL(ctx context.Context, path, method string) (string, error)
}

// New selects a backend from config.
func New(cfg *config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case config.StorageBackendGCS:
		return NewGCSStore(cfg.Bucket, cfg.CredentialsPath, cfg.SignedURLTTL)
	case config.StorageBackendMinIO:
		return NewMinIOStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// ArtifactPath is where a trained LoRA lands in the bucket.
func ArtifactPath(loraName string) string {
	return ArtifactPrefix + loraName + ".safetensors"
}

// DatasetPath is the prefix holding one dataset's files.
func DatasetPath(datasetName string) string {
	return DatasetPrefix + datasetName + "/"
}

// objectTime tolerates the RFC3339 variants the backends emit.
func objectTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
