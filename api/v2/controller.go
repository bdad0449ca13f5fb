package v2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/imrenagi/go-upload-progress/blob"
	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/rs/zerolog/log"
)

var (
	defaultMaxSize             = int64(0)
	defaultMaxChunkSize        = int64(64 << 20)
	defaultBasePath            = "/api/v2/files"
	defaultSupportedExtensions = Extensions{
		CreationExtension,
		ExpirationExtension,
		ChecksumExtension,
	}
)

type Storage interface {
	Find(id string) (Upload, bool, error)
	Save(u Upload) error
}

type Options struct {
	Extensions   Extensions
	MaxSize      int64
	MaxChunkSize int64
	BasePath     string
	ClientAddr   progress.ClientAddrFunc
}

type Option func(*Options)

func WithExtensions(extensions Extensions) Option {
	return func(o *Options) {
		o.Extensions = extensions
	}
}

// WithMaxSize limits Upload-Length. Zero means unlimited.
func WithMaxSize(size int64) Option {
	return func(o *Options) {
		o.MaxSize = size
	}
}

// WithMaxChunkSize limits the body of a single PATCH request.
func WithMaxChunkSize(size int64) Option {
	return func(o *Options) {
		o.MaxChunkSize = size
	}
}

// WithBasePath sets the path Location headers are built from.
func WithBasePath(p string) Option {
	return func(o *Options) {
		o.BasePath = strings.TrimSuffix(p, "/")
	}
}

func WithClientAddr(fn progress.ClientAddrFunc) Option {
	return func(o *Options) {
		o.ClientAddr = fn
	}
}

func NewController(s Storage, blobs blob.Store, tracker *progress.Tracker, opts ...Option) Controller {
	o := Options{
		Extensions:   defaultSupportedExtensions,
		MaxSize:      defaultMaxSize,
		MaxChunkSize: defaultMaxChunkSize,
		BasePath:     defaultBasePath,
		ClientAddr:   progress.RemoteAddr(false),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return Controller{
		store:        s,
		blobs:        blobs,
		tracker:      tracker,
		extensions:   o.Extensions,
		maxSize:      o.MaxSize,
		maxChunkSize: o.MaxChunkSize,
		basePath:     o.BasePath,
		clientAddr:   o.ClientAddr,
		now:          time.Now,
	}
}

type Controller struct {
	store        Storage
	blobs        blob.Store
	tracker      *progress.Tracker
	extensions   Extensions
	maxSize      int64
	maxChunkSize int64
	basePath     string
	clientAddr   progress.ClientAddrFunc
	now          func() time.Time
}

func (c *Controller) GetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add(TusVersionHeader, strings.Join(SupportedTusVersion, ","))
		if len(c.extensions) > 0 {
			w.Header().Add(TusExtensionHeader, c.extensions.String())
		}
		if c.maxSize != 0 {
			w.Header().Add(TusMaxSizeHeader, fmt.Sprint(c.maxSize))
		}
		if c.extensions.Enabled(ChecksumExtension) {
			w.Header().Add(TusChecksumAlgorithmHeader, strings.Join(SupportedChecksumAlgorithms, ","))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Controller) CreateUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := log.Ctx(ctx)

		uploadDeferLength := r.Header.Get(UploadDeferLengthHeader)
		if uploadDeferLength != "" && uploadDeferLength != "1" {
			writeError(w, http.StatusBadRequest, errors.New("invalid Upload-Defer-Length header"))
			return
		}
		if uploadDeferLength == "1" {
			writeError(w, http.StatusNotImplemented, errors.New("Upload-Defer-Length is not implemented"))
			return
		}

		totalSize, err := strconv.ParseInt(r.Header.Get(UploadLengthHeader), 10, 64)
		if err != nil || totalSize < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid Upload-Length header"))
			return
		}
		if c.maxSize > 0 && totalSize > c.maxSize {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("Upload-Length exceeds the maximum size"))
			return
		}

		uploadMetadata := r.Header.Get(UploadMetadataHeader)
		logger.Debug().Str("upload_metadata", uploadMetadata).Msg("Check request header")

		u := Upload{
			ID:        uuid.New().String(),
			TotalSize: totalSize,
			Metadata:  uploadMetadata,
		}
		if c.extensions.Enabled(ExpirationExtension) {
			u.ExpiresAt = c.now().Add(UploadMaxDuration)
		}

		key, err := c.tracker.Start(ctx, c.clientAddr(r), progress.IDFromRequest(r), totalSize)
		switch {
		case errors.Is(err, progress.ErrNoProgressID):
			logger.Warn().Str("file_id", u.ID).Msg("no progress id, upload is not tracked")
		case err != nil:
			logger.Warn().Err(err).Str("file_id", u.ID).Msg("unable to start upload progress")
		default:
			u.ProgressKey = key
		}

		if err := c.store.Save(u); err != nil {
			logger.Error().Err(err).Msg("unable to save upload")
			writeError(w, http.StatusInternalServerError, errors.New("unable to save upload"))
			return
		}

		// An empty upload is complete as soon as it exists.
		if totalSize == 0 {
			if _, err := c.blobs.WriteChunk(ctx, u.ID, 0, http.NoBody); err != nil {
				logger.Error().Err(err).Msg("error writing the file")
				writeError(w, http.StatusInternalServerError, errors.New("error writing the file"))
				return
			}
			u.Parts = []int64{0}
			if err := c.complete(ctx, &u); err != nil {
				logger.Error().Err(err).Msg("error finalizing the file")
				writeError(w, http.StatusInternalServerError, errors.New("error finalizing the file"))
				return
			}
		}

		w.Header().Add("Location", fmt.Sprintf("%s/%s", c.basePath, u.ID))
		if !u.ExpiresAt.IsZero() {
			w.Header().Add(UploadExpiresHeader, uploadExpiresAt(u.ExpiresAt))
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func (c *Controller) GetOffset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := mux.Vars(r)["file_id"]
		log.Ctx(r.Context()).Debug().Str("file_id", fileID).Msg("Check request path and query")

		u, ok := c.find(w, r, fileID)
		if !ok {
			return
		}

		w.Header().Add(UploadOffsetHeader, fmt.Sprint(u.Offset))
		w.Header().Add(UploadLengthHeader, fmt.Sprint(u.TotalSize))
		w.Header().Add("Cache-Control", "no-store")
		if u.Metadata != "" {
			w.Header().Add(UploadMetadataHeader, u.Metadata)
		}
		if !u.ExpiresAt.IsZero() {
			w.Header().Add(UploadExpiresHeader, uploadExpiresAt(u.ExpiresAt))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Controller) ResumeUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := log.Ctx(ctx)
		fileID := mux.Vars(r)["file_id"]

		var sum checksum
		if c.extensions.Enabled(ChecksumExtension) {
			var err error
			sum, err = newChecksum(r.Header.Get(UploadChecksumHeader))
			if err != nil {
				logger.Debug().Err(err).Msg("Invalid checksum header")
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		uploadOffset := r.Header.Get(UploadOffsetHeader)
		offset, err := strconv.ParseInt(uploadOffset, 10, 64)
		if err != nil {
			logger.Debug().Err(err).
				Str("upload_offset", uploadOffset).
				Msg("Invalid Upload-Offset header: not a number")
			writeError(w, http.StatusBadRequest, errors.New("invalid Upload-Offset header: not a number"))
			return
		}
		if offset < 0 {
			logger.Debug().Str("upload_offset", uploadOffset).Msg("Invalid Upload-Offset header: negative value")
			writeError(w, http.StatusBadRequest, errors.New("invalid Upload-Offset header: negative value"))
			return
		}

		contentType := r.Header.Get(ContentTypeHeader)
		if contentType != OffsetContentType {
			logger.Debug().Str("content_type", contentType).Msg("Invalid Content-Type")
			writeError(w, http.StatusUnsupportedMediaType, errors.New("invalid Content-Type header: expected "+OffsetContentType))
			return
		}

		u, ok := c.find(w, r, fileID)
		if !ok {
			return
		}

		logger.Debug().Int64("offset_request", offset).
			Int64("uploaded_size", u.Offset).
			Msg("Check size")

		if offset != u.Offset {
			logger.Warn().Msg("upload-Offset header does not match the current offset")
			writeError(w, http.StatusConflict, errors.New("upload-Offset header does not match the current offset"))
			return
		}
		remaining := u.TotalSize - u.Offset
		if r.ContentLength > remaining {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body exceeds the remaining upload length"))
			return
		}

		var src io.Reader = io.LimitReader(http.MaxBytesReader(w, r.Body, c.maxChunkSize), remaining)
		h := sum.hash()
		if sum.enabled() {
			src = io.TeeReader(src, h)
		}

		n, err := c.blobs.WriteChunk(ctx, u.ID, offset, src)
		if err != nil {
			// Bytes that made it to the blob count unless they must be verified first.
			if n > 0 && !sum.enabled() {
				c.receive(ctx, u.ProgressKey, n)
				c.advance(ctx, &u, offset, n)
				logger.Info().Int64("written_size", n).Msg("partial message is written")
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn().Err(err).Msg("network timeout while writing file")
				writeError(w, http.StatusRequestTimeout, fmt.Errorf("network timeout: %w", err))
				return
			}
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, errors.New("chunk exceeds the maximum size"))
				return
			}
			logger.Error().Err(err).Msg("error writing the file")
			writeError(w, http.StatusInternalServerError, errors.New("error writing the file"))
			return
		}

		if sum.enabled() && !sum.matches(h) {
			logger.Debug().Str("algorithm", sum.Algorithm).Msg("checksum mismatch")
			writeError(w, http.StatusBadRequest, errors.New("checksum mismatch"))
			return
		}

		c.receive(ctx, u.ProgressKey, n)
		c.advance(ctx, &u, offset, n)
		logger.Debug().
			Int64("written_size", n).
			Int64("offset", u.Offset).
			Msg("File Uploaded")

		if u.Offset == u.TotalSize && !u.Completed {
			if err := c.complete(ctx, &u); err != nil {
				logger.Error().Err(err).Msg("error finalizing the file")
				writeError(w, http.StatusInternalServerError, errors.New("error finalizing the file"))
				return
			}
		}

		w.Header().Add(UploadOffsetHeader, fmt.Sprint(u.Offset))
		if !u.ExpiresAt.IsZero() {
			w.Header().Add(UploadExpiresHeader, uploadExpiresAt(u.ExpiresAt))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Controller) find(w http.ResponseWriter, r *http.Request, fileID string) (Upload, bool) {
	logger := log.Ctx(r.Context())
	u, ok, err := c.store.Find(fileID)
	if err != nil {
		logger.Error().Err(err).Str("file_id", fileID).Msg("unable to find upload")
		writeError(w, http.StatusInternalServerError, errors.New("unable to find upload"))
		return Upload{}, false
	}
	if !ok {
		logger.Debug().Str("file_id", fileID).Msg("file not found")
		writeError(w, http.StatusNotFound, errors.New("file not found"))
		return Upload{}, false
	}
	if c.extensions.Enabled(ExpirationExtension) && u.Expired(c.now()) {
		logger.Debug().Str("file_id", fileID).Msg("file expired")
		writeError(w, http.StatusGone, errors.New("file expired"))
		return Upload{}, false
	}
	return u, true
}

// receive reports n bytes stored for the upload's progress record.
func (c *Controller) receive(ctx context.Context, key progress.Key, n int64) {
	if err := c.tracker.Receive(ctx, key, n); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("progress_key", string(key)).Msg("unable to record received bytes")
	}
}

func (c *Controller) advance(ctx context.Context, u *Upload, offset, n int64) {
	if n <= 0 {
		return
	}
	u.Offset = offset + n
	u.Parts = append(u.Parts, offset)
	if err := c.store.Save(*u); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("file_id", u.ID).Msg("unable to save upload offset")
	}
}

func (c *Controller) complete(ctx context.Context, u *Upload) error {
	if err := c.blobs.Finalize(ctx, u.ID, u.Parts); err != nil {
		return err
	}
	u.Completed = true
	if err := c.store.Save(*u); err != nil {
		return err
	}
	if err := c.tracker.Complete(ctx, u.ProgressKey); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("file_id", u.ID).Msg("unable to mark upload done")
	}
	log.Ctx(ctx).Info().
		Str("file_id", u.ID).
		Int64("file_size", u.TotalSize).
		Msg("upload complete")
	return nil
}

type cError struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	b, _ := json.Marshal(cError{Message: err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
