package progress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog/log"
)

// IDParam is the query parameter, and fallback header, carrying the progress id.
const IDParam = "X-Progress-ID"

type ctxKey struct{}

func ContextWithKey(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

// KeyFromContext returns the key of the upload tracked for the request.
func KeyFromContext(ctx context.Context) (Key, bool) {
	key, ok := ctx.Value(ctxKey{}).(Key)
	return key, ok && key != ""
}

// IDFromRequest reads the progress id from the query string, then headers.
func IDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get(IDParam)); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(IDParam))
}

type ClientAddrFunc func(r *http.Request) string

// RemoteAddr returns the client host of the request. With trustXFF the first
// X-Forwarded-For entry wins.
func RemoteAddr(trustXFF bool) ClientAddrFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// KeyForRequest builds the key the request's upload is, or would be, tracked under.
func KeyForRequest(r *http.Request, clientAddr ClientAddrFunc) (Key, bool) {
	id := IDFromRequest(r)
	if id == "" {
		return "", false
	}
	return NewKey(clientAddr(r), id), true
}

type MiddlewareOptions struct {
	ClientAddr ClientAddrFunc
	ChunkSize  int64
}

// Middleware tracks the request body of every request carrying a progress id.
// The record is completed once the wrapped handler returns, or failed when the
// body was not received in full.
func Middleware(t *Tracker, opts MiddlewareOptions) func(next http.Handler) http.Handler {
	if opts.ClientAddr == nil {
		opts.ClientAddr = RemoteAddr(false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := log.Ctx(ctx)

			key, err := t.Start(ctx, opts.ClientAddr(r), IDFromRequest(r), r.ContentLength)
			if errors.Is(err, ErrNoProgressID) {
				logger.Warn().Str("path", r.URL.Path).Msg("no progress id, upload is not tracked")
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				logger.Warn().Err(err).Msg("unable to start upload progress")
				next.ServeHTTP(w, r)
				return
			}

			body := NewReader(ctx, t, key, r.Body, opts.ChunkSize)
			r = r.WithContext(ContextWithKey(ctx, key))
			r.Body = body

			m := httpsnoop.CaptureMetrics(next, w, r)
			body.Flush()

			if cutShort(body, r.ContentLength, m.Code) {
				logger.Warn().Err(body.Err()).
					Int64("received", body.BytesRead()).
					Int("status", m.Code).
					Str("progress_key", string(key)).
					Msg("upload failed")
				if err := t.Fail(ctx, key); err != nil {
					logger.Warn().Err(err).Msg("unable to mark upload failed")
				}
				return
			}
			logger.Debug().Str("progress_key", string(key)).Msg("upload complete")
			if err := t.Complete(ctx, key); err != nil {
				logger.Warn().Err(err).Msg("unable to mark upload done")
			}
		})
	}
}

// cutShort reports whether the body stopped before all of it arrived: a read
// error, a body over the handler's limit, or fewer bytes than announced.
func cutShort(body *Reader, contentLength int64, code int) bool {
	if body.Err() != nil || code == http.StatusRequestEntityTooLarge {
		return true
	}
	return contentLength > 0 && body.BytesRead() < contentLength
}
