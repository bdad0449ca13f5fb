package v2_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	. "github.com/imrenagi/go-upload-progress/api/v2"
	"github.com/imrenagi/go-upload-progress/blob"
	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/imrenagi/go-upload-progress/progress/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeStore(m map[string]Upload) *fakeStore {
	return &fakeStore{
		uploads: m,
	}
}

type fakeStore struct {
	uploads map[string]Upload
}

func (s *fakeStore) Find(id string) (Upload, bool, error) {
	u, exists := s.uploads[id]
	return u, exists, nil
}

func (s *fakeStore) Save(u Upload) error {
	s.uploads[u.ID] = u
	return nil
}

// flakyBlobs reads the whole chunk but stores only the first limit bytes of
// it before failing, once.
type flakyBlobs struct {
	blob.Store
	limit  int64
	failed bool
}

func (b *flakyBlobs) WriteChunk(ctx context.Context, name string, offset int64, r io.Reader) (int64, error) {
	if b.failed {
		return b.Store.WriteChunk(ctx, name, offset, r)
	}
	b.failed = true
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	n, err := b.Store.WriteChunk(ctx, name, offset, bytes.NewReader(data[:b.limit]))
	if err != nil {
		return n, err
	}
	return n, errors.New("disk full")
}

type fixture struct {
	dir     string
	store   *fakeStore
	tracker *progress.Tracker
	router  *mux.Router
}

func newFixture(t *testing.T, m map[string]Upload, opts ...Option) fixture {
	dir := t.TempDir()
	blobs, err := blob.NewLocalStore(dir)
	require.NoError(t, err)
	return newFixtureWithBlobs(t, dir, blobs, m, opts...)
}

func newFixtureWithBlobs(t *testing.T, dir string, blobs blob.Store, m map[string]Upload, opts ...Option) fixture {
	s := newFakeStore(m)
	tracker := progress.NewTracker(store.NewMemoryStore())
	ctrl := NewController(s, blobs, tracker, opts...)

	router := mux.NewRouter()
	router.Use(TusResumableHeaderCheck, TusResumableHeaderInjections)
	router.HandleFunc("/api/v2/files", ctrl.GetConfig()).Methods(http.MethodOptions)
	router.HandleFunc("/api/v2/files", ctrl.CreateUpload()).Methods(http.MethodPost)
	router.HandleFunc("/api/v2/files/{file_id}", ctrl.GetOffset()).Methods(http.MethodHead)
	router.HandleFunc("/api/v2/files/{file_id}", ctrl.ResumeUpload()).Methods(http.MethodPatch)
	return fixture{dir: dir, store: s, tracker: tracker, router: router}
}

func (f fixture) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Header.Get(TusResumableHeader) == "" {
		req.Header.Set(TusResumableHeader, TusVersion)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func patch(id string, offset string, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPatch, "/api/v2/files/"+id, strings.NewReader(body))
	req.Header.Set(ContentTypeHeader, OffsetContentType)
	req.Header.Set(UploadOffsetHeader, offset)
	return req
}

func TestGetOffset(t *testing.T) {
	t.Run("The Server MUST always include the Upload-Offset header in the response for a HEAD request", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", Offset: 19, TotalSize: 100}})

		w := f.do(httptest.NewRequest(http.MethodHead, "/api/v2/files/a", nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "19", w.Header().Get(UploadOffsetHeader))
		assert.Equal(t, "100", w.Header().Get(UploadLengthHeader))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	})

	t.Run("If the resource is not found, the Server returns 404 without the Upload-Offset header", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})

		w := f.do(httptest.NewRequest(http.MethodHead, "/api/v2/files/a", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, w.Header().Get(UploadOffsetHeader))
	})

	t.Run("Expired uploads are gone", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 100, ExpiresAt: time.Now().Add(-time.Minute)}})

		w := f.do(httptest.NewRequest(http.MethodHead, "/api/v2/files/a", nil))

		assert.Equal(t, http.StatusGone, w.Code)
	})
}

func TestTusResumableHeader(t *testing.T) {
	t.Run("Return 400 if the Tus-Resumable header is missing", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 100}})
		req := httptest.NewRequest(http.MethodHead, "/api/v2/files/a", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, w.Header().Get(UploadOffsetHeader))
	})

	t.Run("Return 412 if the Tus-Resumable version is not supported", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 100}})
		req := httptest.NewRequest(http.MethodHead, "/api/v2/files/a", nil)
		req.Header.Set(TusResumableHeader, "1.0.1")

		w := f.do(req)

		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
		assert.Empty(t, w.Header().Get(UploadOffsetHeader))
	})

	t.Run("The Tus-Resumable header is included in every non OPTIONS response", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 100}})

		w := f.do(httptest.NewRequest(http.MethodHead, "/api/v2/files/a", nil))
		assert.Equal(t, TusVersion, w.Header().Get(TusResumableHeader))

		w = f.do(httptest.NewRequest(http.MethodOptions, "/api/v2/files", nil))
		assert.Empty(t, w.Header().Get(TusResumableHeader))
	})
}

func TestGetConfig(t *testing.T) {
	t.Run("A successful response MUST contain the Tus-Version header", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})

		w := f.do(httptest.NewRequest(http.MethodOptions, "/api/v2/files", nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "0.2.0,1.0.0", w.Header().Get(TusVersionHeader))
		assert.Equal(t, "creation,expiration,checksum", w.Header().Get(TusExtensionHeader))
		assert.Equal(t, "sha1,md5", w.Header().Get(TusChecksumAlgorithmHeader))
	})

	t.Run("Extension and max size headers are omitted when not configured", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{}, WithExtensions(Extensions{}))

		w := f.do(httptest.NewRequest(http.MethodOptions, "/api/v2/files", nil))

		assert.Empty(t, w.Header().Get(TusExtensionHeader))
		assert.Empty(t, w.Header().Get(TusMaxSizeHeader))
		assert.Empty(t, w.Header().Get(TusChecksumAlgorithmHeader))
	})

	t.Run("Tus-Max-Size is announced when set", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{}, WithMaxSize(1073741824))

		w := f.do(httptest.NewRequest(http.MethodOptions, "/api/v2/files", nil))

		assert.Equal(t, "1073741824", w.Header().Get(TusMaxSizeHeader))
	})
}

func TestCreateUpload(t *testing.T) {
	t.Run("A created upload starts its progress record when a progress id is given", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})
		req := httptest.NewRequest(http.MethodPost, "/api/v2/files?X-Progress-ID=abc", nil)
		req.Header.Set(UploadLengthHeader, "11")

		w := f.do(req)

		require.Equal(t, http.StatusCreated, w.Code)
		location := w.Header().Get("Location")
		assert.True(t, strings.HasPrefix(location, "/api/v2/files/"))
		assert.NotEmpty(t, w.Header().Get(UploadExpiresHeader))

		id := location[strings.LastIndex(location, "/")+1:]
		u, ok := f.store.uploads[id]
		require.True(t, ok)
		assert.Equal(t, int64(11), u.TotalSize)
		assert.Equal(t, progress.NewKey("192.0.2.1", "abc"), u.ProgressKey)

		rec, found, err := f.tracker.Status(req.Context(), u.ProgressKey)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, progress.Record{State: progress.StateUploading, Size: 11}, rec)
	})

	t.Run("Uploads without a progress id are not tracked", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})
		req := httptest.NewRequest(http.MethodPost, "/api/v2/files", nil)
		req.Header.Set(UploadLengthHeader, "11")

		w := f.do(req)

		require.Equal(t, http.StatusCreated, w.Code)
		for _, u := range f.store.uploads {
			assert.Empty(t, u.ProgressKey)
		}
	})

	t.Run("Invalid or oversized Upload-Length is rejected", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{}, WithMaxSize(10))

		req := httptest.NewRequest(http.MethodPost, "/api/v2/files", nil)
		req.Header.Set(UploadLengthHeader, "abc")
		assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

		req = httptest.NewRequest(http.MethodPost, "/api/v2/files", nil)
		req.Header.Set(UploadLengthHeader, "11")
		assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(req).Code)
		assert.Empty(t, f.store.uploads)
	})

	t.Run("Deferred length is not implemented", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})
		req := httptest.NewRequest(http.MethodPost, "/api/v2/files", nil)
		req.Header.Set(UploadDeferLengthHeader, "1")
		assert.Equal(t, http.StatusNotImplemented, f.do(req).Code)
	})

	t.Run("An empty upload is complete on creation", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})
		req := httptest.NewRequest(http.MethodPost, "/api/v2/files?X-Progress-ID=empty", nil)
		req.Header.Set(UploadLengthHeader, "0")

		require.Equal(t, http.StatusCreated, f.do(req).Code)

		rec, _, _ := f.tracker.Status(req.Context(), progress.NewKey("192.0.2.1", "empty"))
		assert.Equal(t, progress.StateDone, rec.State)
	})
}

func TestResumeUpload(t *testing.T) {
	t.Run("Chunks are appended and the upload completes when every byte arrived", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})
		req := httptest.NewRequest(http.MethodPost, "/api/v2/files?X-Progress-ID=abc", nil)
		req.Header.Set(UploadLengthHeader, "11")
		w := f.do(req)
		require.Equal(t, http.StatusCreated, w.Code)
		location := w.Header().Get("Location")
		id := location[strings.LastIndex(location, "/")+1:]
		key := progress.NewKey("192.0.2.1", "abc")

		w = f.do(patch(id, "0", "hello "))
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "6", w.Header().Get(UploadOffsetHeader))

		rec, _, _ := f.tracker.Status(req.Context(), key)
		assert.Equal(t, progress.Record{State: progress.StateUploading, Size: 11, Received: 6}, rec)

		w = f.do(patch(id, "6", "world"))
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "11", w.Header().Get(UploadOffsetHeader))

		rec, _, _ = f.tracker.Status(req.Context(), key)
		assert.Equal(t, progress.Record{State: progress.StateDone, Size: 11, Received: 11}, rec)

		b, err := os.ReadFile(filepath.Join(f.dir, id))
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(b))
		assert.True(t, f.store.uploads[id].Completed)
		assert.Equal(t, []int64{0, 6}, f.store.uploads[id].Parts)
	})

	t.Run("A mismatching offset is a conflict", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", Offset: 5, TotalSize: 100}})

		w := f.do(patch("a", "0", "abc"))

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Invalid offsets and content types are rejected", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 100}})

		assert.Equal(t, http.StatusBadRequest, f.do(patch("a", "x", "abc")).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(patch("a", "-1", "abc")).Code)

		req := patch("a", "0", "abc")
		req.Header.Set(ContentTypeHeader, "application/octet-stream")
		assert.Equal(t, http.StatusUnsupportedMediaType, f.do(req).Code)
	})

	t.Run("Unknown uploads are not found", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{})
		assert.Equal(t, http.StatusNotFound, f.do(patch("nope", "0", "abc")).Code)
	})

	t.Run("A body longer than the remaining length is rejected", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 2}})
		assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(patch("a", "0", "abc")).Code)
	})

	t.Run("A matching checksum is accepted", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 3}})
		sum := md5.Sum([]byte("abc"))
		req := patch("a", "0", "abc")
		req.Header.Set(UploadChecksumHeader, "md5 "+base64.StdEncoding.EncodeToString(sum[:]))

		w := f.do(req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "3", w.Header().Get(UploadOffsetHeader))
	})

	t.Run("A mismatching checksum is rejected and the offset does not move", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 3}})
		sum := md5.Sum([]byte("xyz"))
		req := patch("a", "0", "abc")
		req.Header.Set(UploadChecksumHeader, "md5 "+base64.StdEncoding.EncodeToString(sum[:]))

		w := f.do(req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, int64(0), f.store.uploads["a"].Offset)
	})

	t.Run("Unsupported checksum algorithms are rejected", func(t *testing.T) {
		f := newFixture(t, map[string]Upload{"a": {ID: "a", TotalSize: 3}})
		req := patch("a", "0", "abc")
		req.Header.Set(UploadChecksumHeader, "crc32 AAAA")

		assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
	})
}

func TestResumeUploadPartialWrite(t *testing.T) {
	dir := t.TempDir()
	local, err := blob.NewLocalStore(dir)
	require.NoError(t, err)
	f := newFixtureWithBlobs(t, dir, &flakyBlobs{Store: local, limit: 4}, map[string]Upload{})

	req := httptest.NewRequest(http.MethodPost, "/api/v2/files?X-Progress-ID=abc", nil)
	req.Header.Set(UploadLengthHeader, "11")
	w := f.do(req)
	require.Equal(t, http.StatusCreated, w.Code)
	location := w.Header().Get("Location")
	id := location[strings.LastIndex(location, "/")+1:]
	key := progress.NewKey("192.0.2.1", "abc")

	w = f.do(patch(id, "0", "hello world"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, int64(4), f.store.uploads[id].Offset)

	rec, _, _ := f.tracker.Status(req.Context(), key)
	assert.Equal(t, progress.Record{State: progress.StateUploading, Size: 11, Received: 4}, rec)

	w = f.do(patch(id, "4", "o world"))
	require.Equal(t, http.StatusNoContent, w.Code)

	rec, _, _ = f.tracker.Status(req.Context(), key)
	assert.Equal(t, progress.Record{State: progress.StateDone, Size: 11, Received: 11}, rec)

	b, err := os.ReadFile(filepath.Join(dir, id))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))
}
