package minio

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// fakeObjectRepo stubs ObjectStorageRepository with per-method funcs.
type fakeObjectRepo struct {
	uploadFunc       func(ctx context.Context, req *UploadRequest) (*UploadResult, error)
	downloadFunc     func(ctx context.Context, bucket, key string) (*DownloadResult, error)
	deleteFunc       func(ctx context.Context, bucket, key string) error
	existsFunc       func(ctx context.Context, bucket, key string) (bool, error)
	listFunc         func(ctx context.Context, bucket, prefix string, opts *ListOptions) (*ListResult, error)
	presignedGetFunc func(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

func (f *fakeObjectRepo) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if f.uploadFunc != nil {
		return f.uploadFunc(ctx, req)
	}
	return &UploadResult{Bucket: req.Bucket, ObjectKey: req.ObjectKey, Size: int64(len(req.Data))}, nil
}

func (f *fakeObjectRepo) Download(ctx context.Context, bucket, key string) (*DownloadResult, error) {
	if f.downloadFunc != nil {
		return f.downloadFunc(ctx, bucket, key)
	}
	return nil, ErrObjectNotFound
}

func (f *fakeObjectRepo) DownloadToWriter(ctx context.Context, bucket, key string, w io.Writer) error {
	return nil
}

func (f *fakeObjectRepo) Delete(ctx context.Context, bucket, key string) error {
	if f.deleteFunc != nil {
		return f.deleteFunc(ctx, bucket, key)
	}
	return nil
}

func (f *fakeObjectRepo) DeleteBatch(ctx context.Context, bucket string, keys []string) ([]DeleteError, error) {
	return nil, nil
}

func (f *fakeObjectRepo) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if f.existsFunc != nil {
		return f.existsFunc(ctx, bucket, key)
	}
	return false, nil
}

func (f *fakeObjectRepo) GetMetadata(ctx context.Context, bucket, key string) (*ObjectMetadata, error) {
	return nil, ErrObjectNotFound
}

func (f *fakeObjectRepo) List(ctx context.Context, bucket, prefix string, opts *ListOptions) (*ListResult, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, bucket, prefix, opts)
	}
	return &ListResult{}, nil
}

func (f *fakeObjectRepo) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return nil
}

func (f *fakeObjectRepo) GetPresignedDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if f.presignedGetFunc != nil {
		return f.presignedGetFunc(ctx, bucket, key, expiry)
	}
	return "https://minio.example/" + bucket + "/" + key, nil
}

func (f *fakeObjectRepo) GetPresignedUploadURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "", nil
}

func (f *fakeObjectRepo) SetTags(ctx context.Context, bucket, key string, t map[string]string) error {
	return nil
}

func (f *fakeObjectRepo) GetTags(ctx context.Context, bucket, key string) (map[string]string, error) {
	return nil, nil
}

func TestNoteStore_FetchNote(t *testing.T) {
	repo := &fakeObjectRepo{
		downloadFunc: func(ctx context.Context, bucket, key string) (*DownloadResult, error) {
			assert.Equal(t, "medcode-notes", bucket)
			assert.Equal(t, "notes/2026/abc.txt", key)
			return &DownloadResult{Data: []byte("Flexible bronchoscopy performed.")}, nil
		},
	}
	store := NewNoteStoreWithRepository(repo, "medcode-notes", logging.NewNopLogger())

	text, err := store.FetchNote(context.Background(), "notes/2026/abc.txt")
	require.NoError(t, err)
	assert.Equal(t, "Flexible bronchoscopy performed.", text)
}

func TestNoteStore_FetchNote_Missing(t *testing.T) {
	store := NewNoteStoreWithRepository(&fakeObjectRepo{}, "medcode-notes", logging.NewNopLogger())

	_, err := store.FetchNote(context.Background(), "notes/missing.txt")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestNoteStore_FetchNote_RequiresKey(t *testing.T) {
	store := NewNoteStoreWithRepository(&fakeObjectRepo{}, "medcode-notes", logging.NewNopLogger())

	_, err := store.FetchNote(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestNoteStore_StoreNote(t *testing.T) {
	var captured *UploadRequest
	repo := &fakeObjectRepo{
		uploadFunc: func(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
			captured = req
			return &UploadResult{ETag: "etag-1", Size: int64(len(req.Data))}, nil
		},
	}
	store := NewNoteStoreWithRepository(repo, "medcode-notes", logging.NewNopLogger())

	etag, err := store.StoreNote(context.Background(), "notes/2026/abc.txt", "Thoracentesis, left.")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", etag)
	require.NotNil(t, captured)
	assert.Equal(t, "medcode-notes", captured.Bucket)
	assert.Equal(t, "text/plain; charset=utf-8", captured.ContentType)
	assert.Equal(t, []byte("Thoracentesis, left."), captured.Data)
}

func TestNoteStore_StoreNote_RejectsEmptyText(t *testing.T) {
	store := NewNoteStoreWithRepository(&fakeObjectRepo{}, "medcode-notes", logging.NewNopLogger())

	_, err := store.StoreNote(context.Background(), "notes/abc.txt", "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestAuditExporter_ExportBundle(t *testing.T) {
	var captured *UploadRequest
	repo := &fakeObjectRepo{
		uploadFunc: func(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
			captured = req
			return &UploadResult{ObjectKey: req.ObjectKey, Size: int64(len(req.Data))}, nil
		},
	}
	exporter := NewAuditExporterWithRepository(repo, "medcode-audit-exports", 15*time.Minute, logging.NewNopLogger())
	exporter.now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	}

	res, err := exporter.ExportBundle(context.Background(), "res-42", []byte(`{"codes":["31622"]}`))
	require.NoError(t, err)
	assert.Equal(t, "res-42/20260314T093000Z.json", res.ObjectKey)
	assert.Contains(t, res.DownloadURL, "medcode-audit-exports")
	require.NotNil(t, captured)
	assert.Equal(t, "application/json", captured.ContentType)
	assert.Equal(t, "res-42", captured.Tags["result_id"])
}

func TestAuditExporter_ExportBundle_RejectsEmptyBundle(t *testing.T) {
	exporter := NewAuditExporterWithRepository(&fakeObjectRepo{}, "medcode-audit-exports", 15*time.Minute, logging.NewNopLogger())

	_, err := exporter.ExportBundle(context.Background(), "res-42", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestAuditExporter_ListBundles(t *testing.T) {
	repo := &fakeObjectRepo{
		listFunc: func(ctx context.Context, bucket, prefix string, opts *ListOptions) (*ListResult, error) {
			assert.Equal(t, "res-42/", prefix)
			return &ListResult{
				Objects:    []*ObjectMetadata{{ObjectKey: "res-42/20260314T093000Z.json"}},
				TotalCount: 1,
			}, nil
		},
	}
	exporter := NewAuditExporterWithRepository(repo, "medcode-audit-exports", 15*time.Minute, logging.NewNopLogger())

	bundles, err := exporter.ListBundles(context.Background(), "res-42")
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "res-42/20260314T093000Z.json", bundles[0].ObjectKey)
}
