package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/imrenagi/go-upload-progress/blob"
	"github.com/imrenagi/go-upload-progress/hub"
	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/rs/zerolog/log"
)

const (
	FileNameHeader = "X-Api-File-Name"

	defaultMaxBytes  = 10 << 20
	defaultMaxMemory = 5 << 20
)

type Options struct {
	MaxBytes   int64
	ClientAddr progress.ClientAddrFunc
}

type Option func(*Options)

// WithMaxBytes caps the request body of upload endpoints.
func WithMaxBytes(n int64) Option {
	return func(o *Options) {
		o.MaxBytes = n
	}
}

func WithClientAddr(fn progress.ClientAddrFunc) Option {
	return func(o *Options) {
		o.ClientAddr = fn
	}
}

func NewController(blobs blob.Store, tracker *progress.Tracker, h *hub.Hub, opts ...Option) Controller {
	o := Options{
		MaxBytes:   defaultMaxBytes,
		ClientAddr: progress.RemoteAddr(false),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return Controller{
		blobs:      blobs,
		tracker:    tracker,
		hub:        h,
		maxBytes:   o.MaxBytes,
		clientAddr: o.ClientAddr,
	}
}

type Controller struct {
	blobs      blob.Store
	tracker    *progress.Tracker
	hub        *hub.Hub
	maxBytes   int64
	clientAddr progress.ClientAddrFunc
}

type uploadResponse struct {
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size"`
	StoredAs string `json:"stored_as"`
}

func (c *Controller) FormUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := log.Ctx(ctx)
		logger.Debug().Str("content_type", r.Header.Get("Content-Type")).Msg("Request Content Type")

		r.Body = http.MaxBytesReader(w, r.Body, c.maxBytes)
		if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
			logger.Error().Err(err).Msg("Error Parsing the Form")
			writeBodyError(w, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			logger.Error().Err(err).Msg("Error Retrieving the File")
			writeError(w, http.StatusBadRequest, errors.New("error retrieving the file"))
			return
		}
		defer file.Close()

		name := uuid.New().String() + filepath.Ext(header.Filename)
		n, err := c.blobs.WriteChunk(ctx, name, 0, file)
		if err != nil {
			logger.Error().Err(err).Msg("Error Copying the File")
			writeError(w, http.StatusInternalServerError, errors.New("error storing the file"))
			return
		}
		if err := c.blobs.Finalize(ctx, name, []int64{0}); err != nil {
			logger.Error().Err(err).Msg("Error Finalizing the File")
			writeError(w, http.StatusInternalServerError, errors.New("error storing the file"))
			return
		}

		logger.Info().Str("file_name", header.Filename).
			Int64("file_size", header.Size).
			Int64("written_size", n).
			Str("stored_file", name).
			Msg("File Uploaded")

		writeJSON(w, http.StatusOK, uploadResponse{FileName: header.Filename, FileSize: n, StoredAs: name})
	}
}

func (c *Controller) BinaryUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := log.Ctx(ctx)

		r.Body = http.MaxBytesReader(w, r.Body, c.maxBytes)
		defer r.Body.Close()

		fileName := r.Header.Get(FileNameHeader)
		logger.Debug().
			Str("content_type", r.Header.Get("Content-Type")).
			Int64("content_length", r.ContentLength).
			Str("file_name", fileName).
			Msg("received binary data")

		name := uuid.New().String() + filepath.Ext(fileName)
		n, err := c.blobs.WriteChunk(ctx, name, 0, r.Body)
		if err != nil {
			logger.Error().Err(err).Int64("written_size", n).Msg("Error Copying the File")
			writeBodyError(w, err)
			return
		}
		if err := c.blobs.Finalize(ctx, name, []int64{0}); err != nil {
			logger.Error().Err(err).Msg("Error Finalizing the File")
			writeError(w, http.StatusInternalServerError, errors.New("error storing the file"))
			return
		}

		logger.Info().
			Int64("written_size", n).
			Str("stored_file", name).
			Msg("File Uploaded")

		writeJSON(w, http.StatusOK, uploadResponse{FileName: fileName, FileSize: n, StoredAs: name})
	}
}

type cError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, cError{Message: err.Error()})
}

// writeBodyError answers 413 when the body went over the limit, 400 otherwise.
func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	writeError(w, http.StatusBadRequest, errors.New("error reading the request body"))
}
