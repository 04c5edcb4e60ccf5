package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
)

// fakeS3Client is an in-memory stand-in for the S3Client seam, mirroring
// the teacher's storage/s3_mock.go approach of keying objects by bucket+key
// in a plain map rather than standing up a real or containerized S3.
type fakeS3Client struct {
	objects map[string][]byte
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range f.objects {
		if prefix == "" || len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var contents []types.Object
	for _, k := range keys {
		contents = append(contents, types.Object{Key: aws.String(k)})
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

type fakeChunkIterator struct {
	chunks [][]byte
	idx    int
}

func (f *fakeChunkIterator) Next(_ context.Context) ([]byte, error) {
	if f.idx >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func TestAdapter_PutGetDelete_RoundTrip(t *testing.T) {
	client := newFakeS3Client()
	a := New(client, "test-bucket")
	ctx := context.Background()

	_, err := a.Put(ctx, "doc-1", []byte("hello"), adapter.PutOptions{IdempotencyKey: "ik-1"})
	require.NoError(t, err)

	payload, found, err := a.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), payload)

	require.NoError(t, a.Delete(ctx, "doc-1", ""))

	_, found, err = a.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdapter_Get_MissingKeyIsNotAnError(t *testing.T) {
	a := New(newFakeS3Client(), "test-bucket")
	_, found, err := a.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdapter_Delete_MissingKeyIsIdempotent(t *testing.T) {
	a := New(newFakeS3Client(), "test-bucket")
	err := a.Delete(context.Background(), "nonexistent", "")
	assert.NoError(t, err)
}

func TestAdapter_StreamPutAndListNativeKeys(t *testing.T) {
	client := newFakeS3Client()
	a := New(client, "test-bucket")
	ctx := context.Background()

	iter := &fakeChunkIterator{chunks: [][]byte{[]byte("chunk-0"), []byte("chunk-1"), []byte("chunk-2")}}
	result, err := a.StreamPut(ctx, "doc-2", iter, adapter.PutOptions{IdempotencyKey: "ik-2"})
	require.NoError(t, err)
	assert.Equal(t, "documents/doc-2", result.NativeKey)

	keys, err := a.ListNativeKeys(ctx, "doc-2")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "documents/doc-2/chunks/00000000", keys[0])
	assert.Equal(t, "documents/doc-2/chunks/00000002", keys[2])
}

func TestAdapter_Health_ReachableWhenListSucceeds(t *testing.T) {
	a := New(newFakeS3Client(), "test-bucket")
	h := a.Health(context.Background())
	assert.Equal(t, adapter.HealthReachable, h.State)
	assert.NoError(t, h.LastError)
}
