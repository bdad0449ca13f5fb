package progress

import "errors"

type State string

const (
	StateUploading State = "uploading"
	StateDone      State = "done"
	StateError     State = "error"
)

// ErrNoProgressID is returned by Tracker.Start when the request carries no
// progress id. Tracking is disabled for such requests.
var ErrNoProgressID = errors.New("no progress id")

// Record is the progress of a single upload as kept in the store.
type Record struct {
	State    State `json:"state"`
	Size     int64 `json:"size"`
	Received int64 `json:"received"`
}

// Key identifies a Record: the client address and the client supplied
// progress id.
type Key string

func NewKey(clientAddr, progressID string) Key {
	return Key(clientAddr + "_" + progressID)
}
