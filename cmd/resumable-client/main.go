package main

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const tusVersion = "1.0.0"

var (
	serverURL  string
	chunkSize  int64
	progressID string
	retries    int
)

var rootCmd = &cobra.Command{
	Use:   "resumable-client <file>",
	Short: "Upload a file in checksummed chunks through the resumable upload api",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if progressID == "" {
			progressID = uuid.New().String()
		}
		return upload(cmd.Context(), args[0])
	},
}

func main() {
	stdOut := zerolog.ConsoleWriter{Out: os.Stdout}
	writers := []io.Writer{stdOut}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()

	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "upload server base url")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", 32<<20, "bytes sent per PATCH request")
	rootCmd.Flags().StringVar(&progressID, "progress-id", "", "progress id; a random one is used when empty")
	rootCmd.Flags().IntVar(&retries, "retries", 5, "failed chunks retried before giving up")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	fileSize := fi.Size()
	log.Debug().Int64("size", fileSize).Str("progress_id", progressID).Msg("File size in bytes")

	httpClient := &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}

	q := url.Values{"X-Progress-ID": {progressID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/v2/files?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Upload-Length", fmt.Sprint(fileSize))
	req.Header.Set("Tus-Resumable", tusVersion)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create upload: status %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	id := location[strings.LastIndex(location, "/")+1:]
	log.Debug().Str("id", id).Str("expires", resp.Header.Get("Upload-Expires")).Msg("Extracted file ID")

	failures := 0
	for {
		offset, err := currentOffset(ctx, httpClient, id)
		if err != nil {
			return err
		}
		if offset >= fileSize {
			log.Info().
				Int64("offset", offset).
				Int64("file_size", fileSize).
				Msg("File upload complete")
			return nil
		}

		if err := sendChunk(ctx, httpClient, f, id, offset, min(chunkSize, fileSize-offset)); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("Error sending chunk")
			if failures > retries {
				return err
			}
			continue
		}
		failures = 0
	}
}

func currentOffset(ctx context.Context, c *http.Client, id string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, serverURL+"/api/v2/files/"+id, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Tus-Resumable", tusVersion)

	resp, err := c.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head upload: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return 0, fmt.Errorf("head upload: status %d", resp.StatusCode)
	}

	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse upload offset: %w", err)
	}
	return offset, nil
}

func sendChunk(ctx context.Context, c *http.Client, f *os.File, id string, offset, size int64) error {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, offset, size)); err != nil {
		return fmt.Errorf("checksum chunk: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, serverURL+"/api/v2/files/"+id, io.NewSectionReader(f, offset, size))
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", fmt.Sprint(offset))
	req.Header.Set("Upload-Checksum", "md5 "+base64.StdEncoding.EncodeToString(h.Sum(nil)))

	log.Debug().
		Int64("chunk_size", size).
		Int64("offset", offset).
		Msg("Sending file chunk")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("patch upload: status %d", resp.StatusCode)
	}
	log.Debug().
		Str("Upload-Offset", resp.Header.Get("Upload-Offset")).
		Msg("Check file upload response")
	return nil
}
