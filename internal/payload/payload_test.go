package payload

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreSaveOpenStat(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Save(ctx, 42, "app.zip", strings.NewReader("firmware"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.Dir(), "42"), filepath.Dir(loc))
	assert.True(t, strings.HasSuffix(loc, "-app.zip"))

	info, err := s.Stat(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size)

	rc, err := s.Open(ctx, loc)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "firmware", string(data))
}

func TestFileStoreSameNameTwice(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	a, err := s.Save(ctx, 1, "app.zip", strings.NewReader("a"))
	require.NoError(t, err)
	b, err := s.Save(ctx, 1, "app.zip", strings.NewReader("b"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFileStoreStripsDirectories(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Save(ctx, 7, "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)

	rel, err := filepath.Rel(s.Dir(), loc)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))
	assert.True(t, strings.HasSuffix(loc, "-passwd"))
}

func TestFileStoreMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Save(ctx, 3, "app.zip", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(loc))

	_, err = s.Stat(ctx, loc)
	assert.ErrorIs(t, err, ErrPayloadMissing)
	_, err = s.Open(ctx, loc)
	assert.ErrorIs(t, err, ErrPayloadMissing)

	_, err = s.Stat(ctx, "/etc/hosts")
	assert.ErrorIs(t, err, ErrPayloadMissing)
}

func TestFileStoreRemove(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Save(ctx, 9, "app.zip", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, loc))
	require.NoError(t, s.Remove(ctx, loc))

	_, err = os.Stat(filepath.Join(s.Dir(), "9"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	loc, err := s.Save(ctx, 5, "app.zip", strings.NewReader("x"))
	require.NoError(t, err)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = reopened.Stat(ctx, loc)
	assert.NoError(t, err)
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	apiCode bool // report misses as a generic smithy API error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) miss() error {
	if f.apiCode {
		return &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3types.NoSuchKey{}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, &smithy.GenericAPIError{Code: "IncompleteBody"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, f.miss()
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, f.miss()
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "payloads", "/deployer/")

	// io.MultiReader is not seekable, so this goes through the spool path
	loc, err := s.Save(ctx, 11, "app.zip", io.MultiReader(strings.NewReader("fw-"), strings.NewReader("v2")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "s3://payloads/deployer/11/"), loc)

	info, err := s.Stat(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	rc, err := s.Open(ctx, loc)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "fw-v2", string(data))

	require.NoError(t, s.Remove(ctx, loc))
	_, err = s.Stat(ctx, loc)
	assert.ErrorIs(t, err, ErrPayloadMissing)
}

func TestS3StoreSeekableBodyFromOffset(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "payloads", "")

	r := strings.NewReader("skipBODY")
	_, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)

	loc, err := s.Save(ctx, 1, "a.bin", r)
	require.NoError(t, err)

	info, err := s.Stat(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
}

func TestS3StoreMapsAPIErrorCodes(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.apiCode = true
	s := NewS3StoreWithClient(fake, "payloads", "")

	_, err := s.Stat(ctx, "s3://payloads/1/missing.zip")
	assert.ErrorIs(t, err, ErrPayloadMissing)
	_, err = s.Open(ctx, "s3://payloads/1/missing.zip")
	assert.ErrorIs(t, err, ErrPayloadMissing)
}

func TestS3StoreRejectsForeignLocation(t *testing.T) {
	s := NewS3StoreWithClient(newFakeS3(), "payloads", "")

	_, err := s.Stat(context.Background(), "s3://other-bucket/1/app.zip")
	assert.ErrorIs(t, err, ErrPayloadMissing)
	_, err = s.Stat(context.Background(), "/var/lib/payloads/1/app.zip")
	assert.ErrorIs(t, err, ErrPayloadMissing)
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/data/payloads/12/1b4e28ba-2fa1-11d2-883f-0016d3cca427-app.zip", "app.zip"},
		{"s3://b/p/12/1b4e28ba-2fa1-11d2-883f-0016d3cca427-fw-v2.hex", "fw-v2.hex"},
		{"/data/payloads/12/app.zip", "app.zip"},
		{"/data/payloads/12/not-a-uuid-at-all-but-long-enough-xx-app.zip", "not-a-uuid-at-all-but-long-enough-xx-app.zip"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayName(tt.in), tt.in)
	}
}
