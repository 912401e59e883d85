package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
}

type MinIO struct {
	client *minio.Client
}

func NewMinIO(client *minio.Client) *MinIO {
	return &MinIO{client: client}
}

func (s *MinIO) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translate(bucket, key, err)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: info.Size, LastModified: info.LastModified}, nil
}

// Get reads the whole object. Batch files and reports are small enough to
// hold in memory.
func (s *MinIO) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(bucket, key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(bucket, key, err)
	}
	return body, nil
}

func (s *MinIO) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	reader := bytes.NewReader(body)
	_, err := s.client.PutObject(
		ctx,
		bucket,
		key,
		reader,
		int64(reader.Len()),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Move copies an object to a new key in the same bucket and removes the
// original.
func (s *MinIO) Move(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: bucket, Object: srcKey},
	)
	if err != nil {
		return translate(bucket, srcKey, err)
	}
	if err := s.client.RemoveObject(ctx, bucket, srcKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s/%s: %w", bucket, srcKey, err)
	}
	return nil
}

func translate(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return fmt.Errorf("%s/%s: %w", bucket, key, err)
}
