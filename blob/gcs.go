package blob

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
)

// maxComposeSources is the GCS limit on source objects per compose request.
const maxComposeSources = 32

// GCSStore writes every chunk as its own object named "<name>-<offset>" and
// composes them into "<name>" on Finalize.
type GCSStore struct {
	bucket *storage.BucketHandle
}

func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket)}
}

func (s *GCSStore) WriteChunk(ctx context.Context, name string, offset int64, r io.Reader) (int64, error) {
	n, err := cleanName(name)
	if err != nil {
		return 0, err
	}
	objName := partName(n, offset)
	w := s.bucket.Object(objName).NewWriter(ctx)
	written, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return written, fmt.Errorf("write gs://%s/%s: %w", s.bucket.BucketName(), objName, err)
	}
	if err := w.Close(); err != nil {
		// Nothing is stored when the object could not be finalized.
		return 0, fmt.Errorf("close gs://%s/%s: %w", s.bucket.BucketName(), objName, err)
	}
	log.Ctx(ctx).Debug().
		Int64("written_size", written).
		Str("stored_file", fmt.Sprintf("gs://%s/%s", s.bucket.BucketName(), objName)).
		Msg("chunk stored")
	return written, nil
}

func (s *GCSStore) Finalize(ctx context.Context, name string, offsets []int64) error {
	n, err := cleanName(name)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(offsets))
	for _, off := range offsets {
		parts = append(parts, partName(n, off))
	}
	if len(parts) == 0 {
		return nil
	}

	dst := s.bucket.Object(n)
	for _, batch := range composePlan(n, parts) {
		srcs := make([]*storage.ObjectHandle, 0, len(batch))
		for _, p := range batch {
			srcs = append(srcs, s.bucket.Object(p))
		}
		if _, err := dst.ComposerFrom(srcs...).Run(ctx); err != nil {
			return fmt.Errorf("compose gs://%s/%s: %w", s.bucket.BucketName(), n, err)
		}
	}

	for _, p := range parts {
		if err := s.bucket.Object(p).Delete(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("object", p).Msg("unable to delete composed part")
		}
	}
	return nil
}

func partName(name string, offset int64) string {
	return fmt.Sprintf("%s-%d", name, offset)
}

// composePlan splits parts into compose requests. Every request after the
// first starts with dst so the object grows by appending.
func composePlan(dst string, parts []string) [][]string {
	var plan [][]string
	for i := 0; i < len(parts); {
		var batch []string
		limit := maxComposeSources
		if i > 0 {
			batch = append(batch, dst)
			limit--
		}
		end := i + limit
		if end > len(parts) {
			end = len(parts)
		}
		batch = append(batch, parts[i:end]...)
		plan = append(plan, batch)
		i = end
	}
	return plan
}
