package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// ContentStore assigns a content identifier to uploaded bytes. Errors are
// marked ErrContentStoreUnavailable (retryable) or ErrContentStoreRejected.
type ContentStore interface {
	Add(ctx context.Context, filename string, data []byte) (string, error)
}

// ContentAddresser computes a file's hash and obtains its CID.
type ContentAddresser struct {
	store ContentStore
	retry RetryPolicy
}

// NewContentAddresser creates an addresser over store.
func NewContentAddresser(store ContentStore, retry RetryPolicy) *ContentAddresser {
	return &ContentAddresser{store: store, retry: retry}
}

// ComputeHash returns the lowercase hex SHA-256 digest of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// UploadToStore sends data to the store, retrying only while it is unavailable.
func (a *ContentAddresser) UploadToStore(ctx context.Context, logCtx *slog.Logger, data []byte, filename string) (string, error) {
	var cid string
	err := withRetry(ctx, logCtx, "content store upload", a.retry, func(err error) bool {
		return errors.Is(err, models.ErrContentStoreUnavailable)
	}, func(ctx context.Context) error {
		var err error
		cid, err = a.store.Add(ctx, filename, data)
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrContentStoreRejected) && !errors.Is(err, models.ErrContentStoreUnavailable) {
			err = errors.Mark(err, models.ErrContentStoreUnavailable)
		}
		return "", err
	}
	if cid == "" {
		return "", errors.Mark(errors.New("content store returned an empty identifier"), models.ErrContentStoreRejected)
	}
	return cid, nil
}

// PackageRecord hashes data locally, then uploads it. A FileRecord is only
// returned with both fields set.
func (a *ContentAddresser) PackageRecord(ctx context.Context, logCtx *slog.Logger, data []byte, filename string) (*models.FileRecord, error) {
	fileHash := ComputeHash(data)
	cid, err := a.UploadToStore(ctx, logCtx.With("fileHash", fileHash), data, filename)
	if err != nil {
		return nil, err
	}
	return &models.FileRecord{FileHash: fileHash, FileCID: cid}, nil
}
