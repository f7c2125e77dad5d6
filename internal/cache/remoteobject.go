package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// objectClient is the minimal surface RemoteObject needs from an S3-
// compatible object store, narrowed the same way kvClient narrows
// RemoteKV's Redis dependency: tests exercise the backend against an
// in-memory fake instead of live S3.
type objectClient interface {
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error
	PutIfAbsent(ctx context.Context, key string, body []byte, metadata map[string]string) (bool, error)
	Get(ctx context.Context, key string) (body []byte, metadata map[string]string, ok bool, err error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// RemoteObject is the remote object store Backend, keyed as
// "cache/<type>/<sha1>" and "cache/<type>/<sha1>.lock", with TTL
// carried in the "expires-at" object metadata and the caller's original
// key preserved as "logical-key" for enumeration.
type RemoteObject struct {
	client      objectClient
	typ         string
	ttl         *time.Duration
	compress    CompressionThreshold
	lockTimeout time.Duration
}

// NewRemoteObject builds a RemoteObject backend over an S3 bucket.
func NewRemoteObject(client *s3.Client, bucket, typ string, ttl *time.Duration, compress CompressionThreshold) *RemoteObject {
	return newRemoteObject(s3Adapter{client: client, bucket: bucket}, typ, ttl, compress)
}

func newRemoteObject(client objectClient, typ string, ttl *time.Duration, compress CompressionThreshold) *RemoteObject {
	return &RemoteObject{client: client, typ: typ, ttl: ttl, compress: compress, lockTimeout: 30 * time.Second}
}

func (b *RemoteObject) objectKey(key string) string {
	return fmt.Sprintf("cache/%s/%s", b.typ, digestKey(key))
}

func (b *RemoteObject) lockKey(key string) string {
	return b.objectKey(key) + ".lock"
}

func (b *RemoteObject) isExpired(metadata map[string]string, createdAt time.Time) bool {
	if exp, ok := metadata["expires-at"]; ok {
		t, err := time.Parse(time.RFC3339, exp)
		if err == nil {
			return time.Now().After(t)
		}
	}
	_ = createdAt
	return false
}

func (b *RemoteObject) get(ctx context.Context, key string) (payload []byte, metadata map[string]string, ok bool, err error) {
	raw, metadata, ok, err := b.client.Get(ctx, b.objectKey(key))
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	if b.isExpired(metadata, time.Time{}) {
		return nil, metadata, false, nil
	}
	payload, derr := maybeDecompress(raw)
	if derr != nil {
		return nil, nil, false, derr
	}
	return payload, metadata, true, nil
}

func (b *RemoteObject) Exist(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := b.get(ctx, key)
	return ok, err
}

func (b *RemoteObject) Read(ctx context.Context, key string) ([]byte, error) {
	payload, _, ok, err := b.get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return payload, nil
}

func (b *RemoteObject) WriteTo(ctx context.Context, key, path string) (bool, error) {
	payload, err := b.Read(ctx, key)
	if err != nil || payload == nil {
		return false, err
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (b *RemoteObject) Store(ctx context.Context, key, sourcePath string) error {
	data, err := readFile(sourcePath)
	if err != nil {
		return err
	}
	compressed, err := maybeCompress(b.compress, data)
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"logical-key": key,
		"created-at":  time.Now().Format(time.RFC3339),
	}
	if b.ttl != nil {
		metadata["expires-at"] = time.Now().Add(*b.ttl).Format(time.RFC3339)
	}
	if err := b.client.Put(ctx, b.objectKey(key), compressed, metadata); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "storing cache entry %q", key)
	}
	return nil
}

func (b *RemoteObject) Delete(ctx context.Context, key string) (bool, error) {
	_, _, existed, err := b.client.Get(ctx, b.objectKey(key))
	if err != nil {
		return false, err
	}
	if err := b.client.Delete(ctx, b.objectKey(key)); err != nil {
		return false, ctlerr.Wrap(ctlerr.NotFound, err, "deleting cache entry %q", key)
	}
	return existed, nil
}

func (b *RemoteObject) Clear(ctx context.Context) error {
	keys, err := b.client.List(ctx, fmt.Sprintf("cache/%s/", b.typ))
	if err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "enumerating cache type %q", b.typ)
	}
	for _, k := range keys {
		if err := b.client.Delete(ctx, k); err != nil {
			return ctlerr.Wrap(ctlerr.NotFound, err, "clearing key %q", k)
		}
	}
	return nil
}

func (b *RemoteObject) Age(ctx context.Context, key string) (time.Duration, bool, error) {
	_, metadata, ok, err := b.get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	createdAt, _ := time.Parse(time.RFC3339, metadata["created-at"])
	return time.Since(createdAt), true, nil
}

func (b *RemoteObject) Expired(ctx context.Context, key string) (bool, error) {
	_, metadata, ok, err := b.client.Get(ctx, b.objectKey(key))
	if err != nil || !ok {
		return false, err
	}
	return b.isExpired(metadata, time.Time{}), nil
}

func (b *RemoteObject) Size(ctx context.Context, key string) (int64, bool, error) {
	payload, _, ok, err := b.get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	return int64(len(payload)), true, nil
}

// WithLock implements the object-store lock: the lock
// object is created by a conditional put-if-absent; its value carries
// an expiration deadline; release is an unconditional delete. A reader
// that observes a lock whose encoded deadline has passed deletes it and
// retries rather than waiting out a crashed holder.
func (b *RemoteObject) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := b.lockKey(key)
	overallDeadline := time.Now().Add(b.lockTimeout)
	for {
		deadline := time.Now().Add(b.lockTimeout)
		value := []byte(strconv.FormatInt(deadline.UnixNano(), 10))
		ok, err := b.client.PutIfAbsent(ctx, lockKey, value, nil)
		if err != nil {
			return ctlerr.Wrap(ctlerr.LockTimeout, err, "acquiring lock for %q", key)
		}
		if ok {
			break
		}
		if existing, _, present, _ := b.client.Get(ctx, lockKey); present {
			if nanos, perr := strconv.ParseInt(strings.TrimSpace(string(existing)), 10, 64); perr == nil {
				if time.Now().After(time.Unix(0, nanos)) {
					b.client.Delete(ctx, lockKey)
					continue
				}
			}
		}
		if time.Now().After(overallDeadline) {
			return ctlerr.New(ctlerr.LockTimeout, "timed out acquiring lock for %q", key)
		}
		select {
		case <-ctx.Done():
			return ctlerr.Wrap(ctlerr.LockTimeout, ctx.Err(), "acquiring lock for %q", key)
		case <-time.After(20 * time.Millisecond):
		}
	}
	defer b.client.Delete(ctx, lockKey)
	return fn(ctx)
}

func (b *RemoteObject) Each(ctx context.Context) (func() (Entry, bool, error), func() error, error) {
	keys, err := b.client.List(ctx, fmt.Sprintf("cache/%s/", b.typ))
	if err != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.NotFound, err, "enumerating cache type %q", b.typ)
	}
	i := 0
	next := func() (Entry, bool, error) {
		for i < len(keys) {
			k := keys[i]
			i++
			if strings.HasSuffix(k, ".lock") {
				continue
			}
			raw, metadata, ok, err := b.client.Get(ctx, k)
			if err != nil {
				return Entry{}, false, err
			}
			if !ok {
				continue
			}
			payload, derr := maybeDecompress(raw)
			if derr != nil {
				return Entry{}, false, derr
			}
			createdAt, _ := time.Parse(time.RFC3339, metadata["created-at"])
			return Entry{
				Key:        metadata["logical-key"],
				SizeBytes:  int64(len(payload)),
				AgeSeconds: time.Since(createdAt).Seconds(),
				Expired:    b.isExpired(metadata, createdAt),
			}, true, nil
		}
		return Entry{}, false, nil
	}
	return next, func() error { return nil }, nil
}

// s3Adapter implements objectClient against a real AWS SDK v2 S3 client.
type s3Adapter struct {
	client *s3.Client
	bucket string
}

func (a s3Adapter) Put(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: metadata,
	})
	return err
}

func (a s3Adapter) PutIfAbsent(ctx context.Context, key string, body []byte, metadata map[string]string) (bool, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		Metadata:    metadata,
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		// A failed If-None-Match conditional put comes back as the
		// unmodeled PreconditionFailed API error.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a s3Adapter) Get(ctx context.Context, key string) ([]byte, map[string]string, bool, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, nil, false, err
	}
	return buf.Bytes(), out.Metadata, true, nil
}

func (a s3Adapter) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)})
	return err
}

func (a s3Adapter) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
