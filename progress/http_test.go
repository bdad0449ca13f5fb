package progress_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	. "github.com/imrenagi/go-upload-progress/progress"
	"github.com/imrenagi/go-upload-progress/progress/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("A tracked upload ends done with every byte received", func(t *testing.T) {
		s := store.NewMemoryStore()
		tr := NewTracker(s)
		var seen Key
		h := Middleware(tr, MiddlewareOptions{ChunkSize: 2})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = KeyFromContext(r.Context())
			_, _ = io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodPost, "/upload?X-Progress-ID=abc", strings.NewReader("hello world"))
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, Key("10.0.0.1_abc"), seen)
		rec, ok, err := tr.Status(req.Context(), "10.0.0.1_abc")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Record{State: StateDone, Size: 11, Received: 11}, rec)
	})

	t.Run("The progress id header is used when the query parameter is absent", func(t *testing.T) {
		s := store.NewMemoryStore()
		h := Middleware(NewTracker(s), MiddlewareOptions{})(readAllHandler(http.StatusOK))

		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abc"))
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set(IDParam, "xyz")
		h.ServeHTTP(httptest.NewRecorder(), req)

		rec, ok, _ := s.Get(req.Context(), "10.0.0.1_xyz")
		require.True(t, ok)
		assert.Equal(t, StateDone, rec.State)
	})

	t.Run("Without a progress id no record is created and the request still succeeds", func(t *testing.T) {
		s := store.NewMemoryStore()
		h := Middleware(NewTracker(s), MiddlewareOptions{})(readAllHandler(http.StatusOK))

		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abc"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 0, s.Len())
	})

	t.Run("A body read error marks the upload as errored", func(t *testing.T) {
		s := store.NewMemoryStore()
		h := Middleware(NewTracker(s), MiddlewareOptions{})(readAllHandler(http.StatusOK))

		body := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(errors.New("connection reset")))
		req := httptest.NewRequest(http.MethodPost, "/upload?X-Progress-ID=abc", body)
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(httptest.NewRecorder(), req)

		rec, ok, _ := s.Get(req.Context(), "10.0.0.1_abc")
		require.True(t, ok)
		assert.Equal(t, StateError, rec.State)
		assert.Equal(t, int64(3), rec.Received)
	})

	t.Run("A rejection after the whole body arrived still ends done", func(t *testing.T) {
		s := store.NewMemoryStore()
		h := Middleware(NewTracker(s), MiddlewareOptions{})(readAllHandler(http.StatusBadRequest))

		req := httptest.NewRequest(http.MethodPost, "/upload?X-Progress-ID=abc", strings.NewReader("abc"))
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		rec, _, _ := s.Get(req.Context(), "10.0.0.1_abc")
		assert.Equal(t, Record{State: StateDone, Size: 3, Received: 3}, rec)
	})

	t.Run("A body over the limit is marked as errored", func(t *testing.T) {
		s := store.NewMemoryStore()
		h := Middleware(NewTracker(s), MiddlewareOptions{})(readAllHandler(http.StatusRequestEntityTooLarge))

		req := httptest.NewRequest(http.MethodPost, "/upload?X-Progress-ID=abc", strings.NewReader("abc"))
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(httptest.NewRecorder(), req)

		rec, _, _ := s.Get(req.Context(), "10.0.0.1_abc")
		assert.Equal(t, StateError, rec.State)
	})

	t.Run("A body left unread by the handler is marked as errored", func(t *testing.T) {
		s := store.NewMemoryStore()
		h := Middleware(NewTracker(s), MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))

		req := httptest.NewRequest(http.MethodPost, "/upload?X-Progress-ID=abc", strings.NewReader("abc"))
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(httptest.NewRecorder(), req)

		rec, _, _ := s.Get(req.Context(), "10.0.0.1_abc")
		assert.Equal(t, Record{State: StateError, Size: 3, Received: 0}, rec)
	})
}

func TestRemoteAddr(t *testing.T) {
	t.Run("The host part of RemoteAddr is used", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.RemoteAddr = "10.0.0.9:5555"
		assert.Equal(t, "10.0.0.9", RemoteAddr(false)(r))
	})

	t.Run("X-Forwarded-For is ignored unless trusted", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.RemoteAddr = "10.0.0.9:5555"
		r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
		assert.Equal(t, "10.0.0.9", RemoteAddr(false)(r))
		assert.Equal(t, "1.2.3.4", RemoteAddr(true)(r))
	})
}

func TestKeyForRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/progress?X-Progress-ID=abc", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	key, ok := KeyForRequest(r, RemoteAddr(false))
	assert.True(t, ok)
	assert.Equal(t, Key("10.0.0.9_abc"), key)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil)
	_, ok = KeyForRequest(r, RemoteAddr(false))
	assert.False(t, ok)
}
