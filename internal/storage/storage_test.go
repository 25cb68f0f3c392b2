package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/schoolgate/apiserver/config"
	"github.com/stretchr/testify/require"
)

type memoryBackend struct {
	objects map[string][]byte
}

func (m *memoryBackend) EnsureBucket(ctx context.Context) error { return nil }

func (m *memoryBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memoryBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBackend) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memoryBackend) Bucket() string { return "documents" }

func TestStorageDelegates(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(&memoryBackend{objects: map[string][]byte{}})

	require.NoError(t, s.Put(ctx, "applications/north/a/00-id.pdf", bytes.NewReader([]byte("pdf")), 3, "application/pdf"))

	rc, err := s.Get(ctx, "applications/north/a/00-id.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "pdf", string(data))

	require.NoError(t, s.Delete(ctx, "applications/north/a/00-id.pdf"))
	require.NoError(t, s.Delete(ctx, "applications/north/a/00-id.pdf"))

	_, err = s.Get(ctx, "applications/north/a/00-id.pdf")
	require.ErrorIs(t, err, ErrObjectNotFound)
	require.Equal(t, "documents", s.Bucket())
}

func TestOpenBackendSelection(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StorageConfig{Backend: "none"})
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = Open(ctx, config.StorageConfig{Backend: "s3"})
	require.ErrorContains(t, err, `unknown storage backend "s3"`)

	_, err = Open(ctx, config.StorageConfig{Backend: "minio"})
	require.ErrorContains(t, err, "minio endpoint is required")

	_, err = Open(ctx, config.StorageConfig{Backend: "minio", Minio: config.MinioConfig{Endpoint: "localhost:9000"}})
	require.ErrorContains(t, err, "access key and secret key are required")

	_, err = Open(ctx, config.StorageConfig{Backend: "gcs"})
	require.ErrorContains(t, err, "gcs bucket is required")
}
