package progress

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
)

const DefaultChunkSize = 64 << 10

// Reader reports the bytes read from an underlying reader to a Tracker. Bytes
// are batched and reported once at least chunkSize of them are pending, and
// whatever remains is reported on EOF, Flush or Close.
type Reader struct {
	ctx       context.Context
	src       io.Reader
	tracker   *Tracker
	key       Key
	chunkSize int64

	pending int64
	total   int64
	err     error
}

func NewReader(ctx context.Context, t *Tracker, key Key, src io.Reader, chunkSize int64) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{
		ctx:       ctx,
		src:       src,
		tracker:   t,
		key:       key,
		chunkSize: chunkSize,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.total += int64(n)
		r.pending += int64(n)
		if r.pending >= r.chunkSize {
			r.Flush()
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.Flush()
		} else if r.err == nil {
			r.err = err
		}
	}
	return n, err
}

// Flush reports the pending byte count.
func (r *Reader) Flush() {
	if r.pending == 0 {
		return
	}
	n := r.pending
	r.pending = 0
	if r.tracker == nil || r.key == "" {
		return
	}
	if err := r.tracker.Receive(r.ctx, r.key, n); err != nil {
		log.Ctx(r.ctx).Warn().Err(err).
			Str("progress_key", string(r.key)).
			Msg("unable to record received bytes")
	}
}

func (r *Reader) Close() error {
	r.Flush()
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the first read error other than io.EOF.
func (r *Reader) Err() error { return r.err }

// BytesRead returns the number of bytes read so far.
func (r *Reader) BytesRead() int64 { return r.total }
