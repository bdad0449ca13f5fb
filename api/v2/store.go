package v2

import (
	"slices"
	"sync"
	"time"

	"github.com/imrenagi/go-upload-progress/progress"
)

// Upload is the server side state of a resumable upload.
type Upload struct {
	ID        string
	TotalSize int64
	Offset    int64
	Metadata  string
	ExpiresAt time.Time
	// Parts holds the offset of every chunk written so far.
	Parts       []int64
	ProgressKey progress.Key
	Completed   bool
}

func (u Upload) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && u.ExpiresAt.Before(now)
}

type Store struct {
	sync.RWMutex
	uploads map[string]Upload
}

func NewStore() *Store {
	return &Store{
		uploads: make(map[string]Upload),
	}
}

func (s *Store) Find(id string) (Upload, bool, error) {
	s.RLock()
	defer s.RUnlock()
	u, exists := s.uploads[id]
	return u, exists, nil
}

func (s *Store) Save(u Upload) error {
	s.Lock()
	defer s.Unlock()
	u.Parts = slices.Clone(u.Parts)
	s.uploads[u.ID] = u
	return nil
}
