package services

import (
	"context"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/gcp"
)

// UploadSink persists the raw bytes of an upload under its server filename.
// Writing a name that already exists is not an error.
type UploadSink interface {
	Save(ctx context.Context, name string, data []byte) error
}

// DirSink writes uploads into a local directory.
type DirSink struct {
	dir string
}

// NewDirSink creates the directory if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create uploads dir %s", dir)
	}
	return &DirSink{dir: dir}, nil
}

// Save writes to a temp file and renames it into place, so readers never see
// a partial upload.
func (s *DirSink) Save(_ context.Context, name string, data []byte) error {
	dest := filepath.Join(s.dir, filepath.Base(name))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp upload file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to write upload %s", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close upload %s", name)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errors.Wrapf(err, "failed to move upload %s into place", name)
	}
	return nil
}

// BucketSink writes uploads to a GCS bucket.
type BucketSink struct {
	bucket *storage.BucketHandle
}

// NewBucketSink writes into bucket.
func NewBucketSink(bucket *storage.BucketHandle) *BucketSink {
	return &BucketSink{bucket: bucket}
}

func (s *BucketSink) Save(ctx context.Context, name string, data []byte) error {
	return gcp.SaveToGCSAtomically(ctx, s.bucket, name, data)
}
