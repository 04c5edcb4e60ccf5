// Package s3blob implements the blob backend adapter over S3-compatible
// object storage via aws-sdk-go-v2, grounded on the teacher's S3Client
// interface (a narrow DI seam for mocking) and its MD5-in-metadata upload
// pattern, generalized here to the streaming chunk protocol: each chunk is
// its own object, keyed by the chunk idempotency key, with the chunk's
// SHA-256 carried in object metadata for later integrity verification.
package s3blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
)

// S3Client is the narrow surface this adapter depends on, mirroring the
// teacher's DI seam so tests can substitute an in-memory fake instead of
// dialing real S3.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Adapter implements adapter.Adapter, adapter.StreamAdapter and
// adapter.Lister for the blob backend.
type Adapter struct {
	client S3Client
	bucket string
}

// New wraps an already-configured S3Client (see cmd/coordinatord for the
// aws-sdk-go-v2 config.LoadDefaultConfig wiring).
func New(client S3Client, bucket string) *Adapter {
	return &Adapter{client: client, bucket: bucket}
}

func objectKey(documentID string) string { return "documents/" + documentID }

// Put stores the full payload as a single object, content-hash in metadata.
func (a *Adapter) Put(ctx context.Context, documentID string, payload []byte, opts adapter.PutOptions) (adapter.PutResult, error) {
	key := objectKey(documentID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(opts.ContentType),
		Metadata: map[string]string{
			"idempotency-key": opts.IdempotencyKey,
		},
	})
	if err != nil {
		return adapter.PutResult{}, errs.New(classify(err), "s3.put", err)
	}
	return adapter.PutResult{NativeKey: key}, nil
}

// Get returns the object body, or (nil, false, nil) if absent.
func (a *Adapter) Get(ctx context.Context, documentID string) ([]byte, bool, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey(documentID)),
	})
	if isNoSuchKey(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(classify(err), "s3.get", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errs.New(errs.Transient, "s3.get.read_body", err)
	}
	return body, true, nil
}

// Delete removes the object. A missing key is not an error.
func (a *Adapter) Delete(ctx context.Context, documentID, nativeKey string) error {
	key := nativeKey
	if key == "" {
		key = objectKey(documentID)
	}
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		return errs.New(classify(err), "s3.delete", err)
	}
	return nil
}

// Health issues a cheap listing call bounded to one key.
func (a *Adapter) Health(ctx context.Context) adapter.Health {
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return adapter.Health{State: adapter.HealthDown, LastError: err}
	}
	return adapter.Health{State: adapter.HealthReachable}
}

// StreamPut uploads each chunk as its own object under a deterministic
// per-chunk key, so the streaming pipeline never needs the full payload in
// memory. The returned PutResult's NativeKey is the manifest prefix; the
// individual chunk keys are recoverable via ListNativeKeys.
func (a *Adapter) StreamPut(ctx context.Context, documentID string, chunks adapter.ChunkIterator, opts adapter.PutOptions) (adapter.PutResult, error) {
	prefix := objectKey(documentID)
	ordinal := 0
	for {
		chunk, err := chunks.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return adapter.PutResult{}, errs.New(errs.Transient, "s3.stream_put.next_chunk", err)
		}
		key := fmt.Sprintf("%s/chunks/%08d", prefix, ordinal)
		sum := sha256Hex(chunk)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(chunk),
			ContentType: aws.String(opts.ContentType),
			Metadata: map[string]string{
				"chunk-sha256":    sum,
				"idempotency-key": opts.IdempotencyKey,
			},
		})
		if err != nil {
			return adapter.PutResult{}, errs.New(classify(err), "s3.stream_put.put_chunk", err)
		}
		ordinal++
	}
	return adapter.PutResult{NativeKey: prefix}, nil
}

// ListNativeKeys enumerates every chunk object stored for documentID.
func (a *Adapter) ListNativeKeys(ctx context.Context, documentID string) ([]string, error) {
	prefix := objectKey(documentID) + "/chunks/"
	var keys []string
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errs.New(classify(err), "s3.list", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}

func classify(err error) errs.Kind {
	if isNoSuchKey(err) {
		return errs.NotFound
	}
	return errs.Transient
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
