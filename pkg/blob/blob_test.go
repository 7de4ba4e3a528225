package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
)

func TestRefFormat(t *testing.T) {
	ref := Ref([]byte("hello"))
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)
	assert.Equal(t, ref, Ref([]byte("hello")))
	assert.NotEqual(t, ref, Ref([]byte("world")))
}

func TestParseRefRejectsMalformed(t *testing.T) {
	for _, ref := range []string{
		"",
		"md5:abc",
		"sha256:zz",
		"sha256:abcd", // too short
	} {
		_, err := parseRef(ref)
		assert.ErrorIs(t, err, api.ErrInvalidInput, "ref %q", ref)
	}
}

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("raw document bytes")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Re-putting identical bytes returns the same ref.
	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	require.NoError(t, store.Delete(ctx, ref))
	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, api.ErrNotFound)

	// Deleting an absent blob is a no-op.
	assert.NoError(t, store.Delete(ctx, ref))
}

func TestFSStoreFansOutDirectories(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), []byte("fan out"))
	require.NoError(t, err)

	digest := ref[len("sha256:"):]
	_, err = os.Stat(filepath.Join(root, digest[:2], digest+".blob"))
	assert.NoError(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{Backend: "fs", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, store)

	// Default backend is fs.
	store, err = New(ctx, Config{FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, store)

	_, err = New(ctx, Config{Backend: "s3"})
	assert.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = New(ctx, Config{Backend: "tape"})
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

// fakeS3 records calls and serves objects from a map.
type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, assert.AnError
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, assert.AnError
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StorePutIsIdempotent(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	store := &S3Store{client: fake, bucket: "b", prefix: "raw/"}
	ctx := context.Background()

	data := []byte("payload")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, fake.puts, "second put should be skipped by the head check")

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, ref))
	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}
