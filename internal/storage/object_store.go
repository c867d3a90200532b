package storage

import (
	"context"
	"io"
)

// ObjectStore holds the artifacts produced by training jobs: prepared
// datasets, trained model directories, and the compiled exact-match files
// served by the inference process.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

type Object struct {
	Name string
	Size int64
}
