package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loracloud/lorad/internal/config"
)

func newTestMinIOStore(t *testing.T) *MinIOStore {
	t.Helper()
	store, err := NewMinIOStore(&config.StorageConfig{
		Bucket:         "lora-cloud",
		MinIOEndpoint:  "minio.internal:9000",
		MinIOAccessKey: "access",
		MinIOSecretKey: "secret",
		SignedURLTTL:   15 * time.Minute,
	})
	require.NoError(t, err)
	return store
}

// Presigning is a local computation, so the URL contract is testable
// without a live server.
func TestMinIOSignedURL(t *testing.T) {
	store := newTestMinIOStore(t)

	signed, err := store.SignedURL(context.Background(), "loras/portrait.safetensors", "GET")
	require.NoError(t, err)
	assert.Contains(t, signed, "minio.internal:9000")
	assert.Contains(t, signed, "/lora-cloud/loras/portrait.safetensors")
	assert.Contains(t, signed, "X-Amz-Signature=")
	assert.Contains(t, signed, "X-Amz-Expires=900")

	put, err := store.SignedURL(context.Background(), "datasets/faces/img.png", "PUT")
	require.NoError(t, err)
	assert.Contains(t, put, "/lora-cloud/datasets/faces/img.png")
}

func TestMinIOSignedURLRejectsUnknownMethod(t *testing.T) {
	store := newTestMinIOStore(t)
	_, err := store.SignedURL(context.Background(), "x", "POST")
	assert.Error(t, err)
}

func TestArtifactAndDatasetPaths(t *testing.T) {
	assert.Equal(t, "loras/portrait.safetensors", ArtifactPath("portrait"))
	assert.Equal(t, "datasets/faces/", DatasetPath("faces"))
}
