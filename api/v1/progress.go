package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/rs/zerolog/log"
)

// statusStarting is answered for ids the store knows nothing about yet, so
// clients polling before their upload reached the server keep polling.
const statusStarting = "starting"

type statusResponse struct {
	State    string `json:"state"`
	Size     int64  `json:"size"`
	Received int64  `json:"received"`
}

// Progress answers the record tracked for the caller and its X-Progress-ID.
func (c *Controller) Progress() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")

		key, ok := progress.KeyForRequest(r, c.clientAddr)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("missing "+progress.IDParam))
			return
		}

		rec, found, err := c.tracker.Status(r.Context(), key)
		if err != nil {
			log.Ctx(r.Context()).Error().Err(err).Str("progress_key", string(key)).Msg("unable to read progress")
			writeError(w, http.StatusInternalServerError, errors.New("unable to read progress"))
			return
		}
		if !found {
			writeJSON(w, http.StatusOK, statusResponse{State: statusStarting})
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			State:    string(rec.State),
			Size:     rec.Size,
			Received: rec.Received,
		})
	}
}

// ProgressSocket streams the caller's record over a websocket.
func (c *Controller) ProgressSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := progress.KeyForRequest(r, c.clientAddr)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("missing "+progress.IDParam))
			return
		}

		c.hub.Serve(w, r, key, func(ctx context.Context) (progress.Record, bool, error) {
			return c.tracker.Status(ctx, key)
		})
	}
}
