// Package blob holds the sinks uploaded bytes are written to.
package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
)

var ErrInvalidName = errors.New("invalid blob name")

// Store persists uploads. A blob is written as one or more chunks, each at the
// offset the previous chunks ended at, and is finalized once every chunk is in.
type Store interface {
	WriteChunk(ctx context.Context, name string, offset int64, r io.Reader) (int64, error)
	Finalize(ctx context.Context, name string, offsets []int64) error
}

func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return "", ErrInvalidName
	}
	return base, nil
}
