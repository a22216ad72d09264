package minio

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// NoteStore holds raw note documents.  Submission events may carry a document
// key instead of inline text; the worker resolves the key through this store
// before running the coding pipeline.
type NoteStore struct {
	repo   ObjectStorageRepository
	bucket string
	logger logging.Logger
}

// NewNoteStore builds a note store over the client's note bucket.
func NewNoteStore(client *Client, log logging.Logger) *NoteStore {
	return &NoteStore{
		repo:   NewMinIORepository(client, log),
		bucket: client.NoteBucket(),
		logger: log.Named("note_store"),
	}
}

// NewNoteStoreWithRepository builds a note store over an explicit repository
// and bucket, which lets tests substitute a mock repository.
func NewNoteStoreWithRepository(repo ObjectStorageRepository, bucket string, log logging.Logger) *NoteStore {
	return &NoteStore{
		repo:   repo,
		bucket: bucket,
		logger: log.Named("note_store"),
	}
}

// FetchNote returns the raw text stored under the given document key.
func (s *NoteStore) FetchNote(ctx context.Context, documentKey string) (string, error) {
	if documentKey == "" {
		return "", errors.New(errors.ErrCodeValidation, "document key is required")
	}
	res, err := s.repo.Download(ctx, s.bucket, documentKey)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return "", errors.Wrap(err, errors.ErrCodeNotFound,
				fmt.Sprintf("note document %s not found", documentKey))
		}
		return "", err
	}
	return string(res.Data), nil
}

// StoreNote writes raw note text under the given document key and returns the
// resulting ETag.
func (s *NoteStore) StoreNote(ctx context.Context, documentKey, text string) (string, error) {
	if documentKey == "" {
		return "", errors.New(errors.ErrCodeValidation, "document key is required")
	}
	if text == "" {
		return "", errors.New(errors.ErrCodeValidation, "note text is empty")
	}
	res, err := s.repo.Upload(ctx, &UploadRequest{
		Bucket:      s.bucket,
		ObjectKey:   documentKey,
		Data:        []byte(text),
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("note document stored",
		logging.String("key", documentKey),
		logging.Int64("size", res.Size),
	)
	return res.ETag, nil
}

// DeleteNote removes the document under the given key.
func (s *NoteStore) DeleteNote(ctx context.Context, documentKey string) error {
	if documentKey == "" {
		return errors.New(errors.ErrCodeValidation, "document key is required")
	}
	return s.repo.Delete(ctx, s.bucket, documentKey)
}

// HasNote reports whether a document exists under the given key.
func (s *NoteStore) HasNote(ctx context.Context, documentKey string) (bool, error) {
	return s.repo.Exists(ctx, s.bucket, documentKey)
}

// AuditExporter writes audit bundles — the serialized coding result together
// with its evidence and warnings — to the exports bucket and hands back a
// presigned download URL.  Exported bundles expire per the bucket's lifecycle
// rule.
type AuditExporter struct {
	repo          ObjectStorageRepository
	bucket        string
	presignExpiry time.Duration
	logger        logging.Logger
	now           func() time.Time
}

// NewAuditExporter builds an exporter over the client's exports bucket.
func NewAuditExporter(client *Client, log logging.Logger) *AuditExporter {
	return &AuditExporter{
		repo:          NewMinIORepository(client, log),
		bucket:        client.ExportsBucket(),
		presignExpiry: client.PresignExpiry(),
		logger:        log.Named("audit_exporter"),
		now:           time.Now,
	}
}

// NewAuditExporterWithRepository builds an exporter over an explicit
// repository for tests.
func NewAuditExporterWithRepository(repo ObjectStorageRepository, bucket string, presignExpiry time.Duration, log logging.Logger) *AuditExporter {
	return &AuditExporter{
		repo:          repo,
		bucket:        bucket,
		presignExpiry: presignExpiry,
		logger:        log.Named("audit_exporter"),
		now:           time.Now,
	}
}

// ExportResult describes a written audit bundle.
type ExportResult struct {
	ObjectKey   string
	DownloadURL string
	Size        int64
	ExportedAt  time.Time
}

// ExportBundle writes the serialized bundle for a coding result and returns
// its object key plus a presigned download URL.  Bundles are timestamped so
// repeated exports of the same result never overwrite each other.
func (e *AuditExporter) ExportBundle(ctx context.Context, resultID string, bundle []byte) (*ExportResult, error) {
	if resultID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "result id is required")
	}
	if len(bundle) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "audit bundle is empty")
	}

	exportedAt := e.now().UTC()
	key := fmt.Sprintf("%s/%s.json", resultID, exportedAt.Format("20060102T150405Z"))

	res, err := e.repo.Upload(ctx, &UploadRequest{
		Bucket:      e.bucket,
		ObjectKey:   key,
		Data:        bundle,
		ContentType: "application/json",
		Tags:        map[string]string{"result_id": resultID},
	})
	if err != nil {
		return nil, err
	}

	url, err := e.repo.GetPresignedDownloadURL(ctx, e.bucket, key, e.presignExpiry)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to presign audit bundle")
	}

	e.logger.Info("audit bundle exported",
		logging.String("result_id", resultID),
		logging.String("key", key),
		logging.Int64("size", res.Size),
	)
	return &ExportResult{
		ObjectKey:   key,
		DownloadURL: url,
		Size:        res.Size,
		ExportedAt:  exportedAt,
	}, nil
}

// ListBundles returns metadata for every bundle exported for a result.
func (e *AuditExporter) ListBundles(ctx context.Context, resultID string) ([]*ObjectMetadata, error) {
	if resultID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "result id is required")
	}
	res, err := e.repo.List(ctx, e.bucket, resultID+"/", nil)
	if err != nil {
		return nil, err
	}
	return res.Objects, nil
}
