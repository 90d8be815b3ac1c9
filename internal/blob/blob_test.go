package blob

import (
	"bytes"
	"context"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
	"io"
	"sync"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "content")
	require.NoError(t, err)
	require.False(t, ok, "unsaved namespace should be absent")

	require.NoError(t, s.Save(ctx, "content", []byte("v1")))
	require.NoError(t, s.Save(ctx, "content", []byte("v2")))
	require.NoError(t, s.Save(ctx, "media", []byte("m")))

	data, ok, err := s.Load(ctx, "content")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), data, "last write wins")

	data, ok, err = s.Load(ctx, "media")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("m"), data)
}

// TestMemory_Contract verifies the in-memory store.
func TestMemory_Contract(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)
	require.Equal(t, 3, m.Saves())
}

// TestFS_Contract verifies the directory store.
func TestFS_Contract(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

// TestFS_RejectsPathTraversal keeps namespaces inside the directory.
func TestFS_RejectsPathTraversal(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	require.ErrorIs(t, s.Save(context.Background(), "../escape", []byte("x")), ErrInvalidNamespace)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

// TestS3_Contract verifies the S3 store against an in-process fake client.
func TestS3_Contract(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	exerciseStore(t, NewS3WithClient(fake, "bucket", "tiers"))
	require.Contains(t, fake.objects, "bucket/tiers/content.blob")
}
