package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type status struct {
	State    string `json:"state"`
	Size     int64  `json:"size"`
	Received int64  `json:"received"`
}

var (
	serverURL string
	interval  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "progress-client <file>",
	Short: "Upload a file and report its progress as seen by the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
	rootCmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "progress poll interval")
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

	progressID := uuid.New().String()
	log.Info().
		Str("progress_id", progressID).
		Int64("size", fi.Size()).
		Msg("uploading file")

	q := url.Values{"X-Progress-ID": {progressID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/v1/binary?"+q.Encode(), f)
	if err != nil {
		return err
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Api-File-Name", filepath.Base(path))

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		poll(pollCtx, progressID)
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	cancel()
	<-done

	if s, err := fetchStatus(ctx, progressID); err == nil {
		logStatus(s)
	}
	log.Info().Int("status", resp.StatusCode).Msg(string(body))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return nil
}

func poll(ctx context.Context, progressID string) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s, err := fetchStatus(ctx, progressID)
			if err != nil {
				log.Debug().Err(err).Msg("unable to fetch progress")
				continue
			}
			logStatus(s)
		}
	}
}

func fetchStatus(ctx context.Context, progressID string) (status, error) {
	q := url.Values{"X-Progress-ID": {progressID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/v1/progress?"+q.Encode(), nil)
	if err != nil {
		return status{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status{}, fmt.Errorf("progress status %d", resp.StatusCode)
	}
	var s status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return status{}, err
	}
	return s, nil
}

func logStatus(s status) {
	ev := log.Info().
		Str("state", s.State).
		Int64("received", s.Received).
		Int64("size", s.Size)
	if s.Size > 0 {
		ev = ev.Float64("percent", float64(s.Received)*100/float64(s.Size))
	}
	ev.Msg("progress")
}
