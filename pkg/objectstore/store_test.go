package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetRemove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "exports/a/1.zip", []byte("payload"), "application/zip"))
	data, ok := store.Get("exports/a/1.zip")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, store.Remove(ctx, "exports/a/1.zip"))
	_, ok = store.Get("exports/a/1.zip")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStorePresignFreshURLPerCall(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "exports/a/1.zip", []byte("x"), "application/zip"))

	first, err := store.Presign(ctx, "exports/a/1.zip", 15*time.Minute)
	require.NoError(t, err)
	second, err := store.Presign(ctx, "exports/a/1.zip", 15*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestMemoryStorePresignMissingObject(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Presign(context.Background(), "exports/missing.zip", time.Minute)
	assert.Error(t, err)
}

func TestNewS3StoreStaticCredentials(t *testing.T) {
	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "exports",
		Region:          "auto",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "exports", s.bucket)

	creds, err := s.client.Options().Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "minio", creds.AccessKeyID)
}

func TestFactoryBackendSelection(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = New(ctx, Config{Backend: BackendS3})
	assert.Error(t, err, "s3 without a bucket must be rejected")

	_, err = New(ctx, Config{Backend: Backend("ftp")})
	assert.Error(t, err)
}
