package services

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentledger/internal/models"
)

func multipartUpload(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type ingestFixture struct {
	*pipelineFixture
	dir    string
	ingest *IngestFunction
}

func newIngestFixture(t *testing.T, store *fakeContentStore, maxBytes int64) *ingestFixture {
	t.Helper()
	fx := newPipelineFixture(t, replyWith(validReply), store, fundedLedger(), PipelineConfig{RequireAnchor: true})
	dir := filepath.Join(t.TempDir(), "uploads")
	sink, err := NewDirSink(dir)
	require.NoError(t, err)
	return &ingestFixture{
		pipelineFixture: fx,
		dir:             dir,
		ingest:          NewIngestWithPipeline(fx.pipeline, sink, nil, fx.catalog, IngestConfig{MaxUploadBytes: maxBytes}),
	}
}

func (fx *ingestFixture) persisted(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(fx.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestHTTP_Success(t *testing.T) {
	fx := newIngestFixture(t, storeReturning("bafy-test"), 0)

	rec := serve(fx.ingest, multipartUpload(t, "Notes.TXT", []byte("Hello World")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "Notes.TXT", resp.OriginalFilename)
	assert.True(t, strings.HasSuffix(resp.ServerFilename, ".txt"))
	assert.Equal(t, helloWorldHash, resp.FileRecord.FileHash)
	assert.Equal(t, "bafy-test", resp.FileRecord.FileCID)
	assert.Equal(t, "Notes", resp.Metadata.Title)
	assert.NotEmpty(t, resp.AnchorSignature)
	assert.NotZero(t, resp.CatalogID)

	assert.Equal(t, []string{resp.ServerFilename}, fx.persisted(t))
	saved, err := os.ReadFile(filepath.Join(fx.dir, resp.ServerFilename))
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello World"), saved)
}

func TestIngestHTTP_UnsupportedFormat(t *testing.T) {
	fx := newIngestFixture(t, storeReturning("bafy-test"), 0)

	rec := serve(fx.ingest, multipartUpload(t, "setup.exe", []byte("MZ")))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	var resp models.StageErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, string(models.StageTextExtraction), resp.Stage)
	assert.Empty(t, fx.persisted(t))
	assert.Empty(t, fx.rows(t))
}

func TestIngestHTTP_StoreUnavailable(t *testing.T) {
	fx := newIngestFixture(t, storeFailing(errors.Mark(errors.New("daemon down"), models.ErrContentStoreUnavailable)), 0)

	rec := serve(fx.ingest, multipartUpload(t, "notes.md", []byte("# Hello")))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var resp models.StageErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(models.StageContentAddressing), resp.Stage)
	if resp.Partial != nil {
		assert.Nil(t, resp.Partial.Text)
		assert.Nil(t, resp.Partial.FileRecord)
	}
	assert.Empty(t, fx.rows(t))
}

func TestIngestHTTP_BadRequests(t *testing.T) {
	fx := newIngestFixture(t, storeReturning("bafy-test"), 256)

	rec := serve(fx.ingest, multipartUpload(t, "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("Hello World"))
	req.Header.Set("Content-Type", "text/plain")
	rec = serve(fx.ingest, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(fx.ingest, multipartUpload(t, "big.txt", bytes.Repeat([]byte("a"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = serve(fx.ingest, httptest.NewRequest(http.MethodGet, "/api/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Empty(t, fx.persisted(t))
	assert.Empty(t, fx.rows(t))
}

func TestProcessGCSEvent_SkipsWithoutReading(t *testing.T) {
	fx := newIngestFixture(t, storeReturning("bafy-test"), 0)

	for _, name := range []string{"ingested/abc.txt", "folder/", "photo.png"} {
		assert.NoError(t, fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: name}), name)
	}
	assert.Error(t, fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: "notes.txt"}))
	assert.Equal(t, 0, fx.completer.Calls())
}

// bucketObjects is an in-memory ObjectReader keyed by "bucket/name".
type bucketObjects struct {
	objects map[string][]byte
	reads   int
}

func (b *bucketObjects) ReadObject(_ context.Context, bucket, name string, _ int64) ([]byte, error) {
	b.reads++
	data, ok := b.objects[bucket+"/"+name]
	if !ok {
		return nil, errors.Newf("object %s/%s not found", bucket, name)
	}
	return data, nil
}

func TestProcessGCSEvent_SkipsCataloguedObject(t *testing.T) {
	fx := newIngestFixture(t, storeReturning("bafy-test"), 0)
	objects := &bucketObjects{objects: map[string][]byte{
		"b/docs/notes.txt": []byte("Hello World"),
		"b/copy/notes.md":  []byte("Hello World"),
	}}
	fx.ingest.objects = objects

	require.NoError(t, fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: "docs/notes.txt"}))
	require.Len(t, fx.rows(t), 1)
	assert.Equal(t, helloWorldHash, fx.rows(t)[0].FileHash)

	for _, name := range []string{"docs/notes.txt", "copy/notes.md"} {
		require.NoError(t, fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: name}), name)
	}
	assert.Len(t, fx.rows(t), 1)
	assert.Equal(t, 1, fx.completer.Calls())
	assert.Equal(t, 1, fx.store.Calls())
	assert.Equal(t, 3, objects.reads)
}

func TestProcessGCSEvent_AcknowledgesPermanentFailures(t *testing.T) {
	cases := []struct {
		name  string
		store *fakeContentStore
		data  []byte
	}{
		{"extraction failed", storeReturning("bafy-test"), []byte{0xff, 0xfe, 0x41}},
		{"content store rejected", storeFailing(errors.Mark(errors.New("invalid multipart"), models.ErrContentStoreRejected)), []byte("Hello World")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newIngestFixture(t, tc.store, 0)
			fx.ingest.objects = &bucketObjects{objects: map[string][]byte{"b/notes.txt": tc.data}}

			assert.NoError(t, fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: "notes.txt"}))
			assert.Empty(t, fx.rows(t))
		})
	}
}

func TestProcessGCSEvent_ReturnsTransientFailures(t *testing.T) {
	fx := newIngestFixture(t, storeFailing(errors.Mark(errors.New("daemon down"), models.ErrContentStoreUnavailable)), 0)
	fx.ingest.objects = &bucketObjects{objects: map[string][]byte{"b/notes.txt": []byte("Hello World")}}

	err := fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: "notes.txt"})
	assert.True(t, errors.Is(err, models.ErrContentStoreUnavailable), "got %v", err)
	assert.Error(t, fx.ingest.ProcessGCSEvent(context.Background(), models.GCSEvent{Bucket: "b", Name: "missing.txt"}))
	assert.Empty(t, fx.rows(t))
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"notes.txt":              "notes.txt",
		"../../etc/passwd":       "passwd",
		`C:\Users\me\report.pdf`: "report.pdf",
		"we\x00ird\n.md":         "weird.md",
		"  spaced.docx ":         "spaced.docx",
		"":                       "upload",
		"..":                     "upload",
		"dir/":                   "dir",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrUnsupportedFormat, http.StatusUnsupportedMediaType},
		{models.ErrExtractionFailed, http.StatusUnprocessableEntity},
		{models.ErrMalformedMetadataResponse, http.StatusUnprocessableEntity},
		{models.ErrMetadataServiceUnavailable, http.StatusBadGateway},
		{models.ErrContentStoreUnavailable, http.StatusBadGateway},
		{models.ErrContentStoreRejected, http.StatusBadGateway},
		{models.ErrInvalidFieldQuery, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrFundingTimeout, http.StatusInternalServerError},
		{models.ErrCatalogWriteFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := &models.PipelineError{Stage: models.StageCatalogWrite, Err: errors.Wrap(tc.err, "context")}
		assert.Equal(t, tc.want, StatusForError(wrapped), "%v", tc.err)
	}
}

func TestDirSink_KeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Save(context.Background(), "a.txt", []byte("first")))
	require.NoError(t, sink.Save(context.Background(), "a.txt", []byte("second")))
	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
