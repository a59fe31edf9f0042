// Package artifact keeps the in-memory registry of files that can be served
// by id: single tagged tracks and zipped collections.
package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes a single audio file from a packaged collection.
type Kind string

const (
	KindSingleFile Kind = "single"
	KindArchive    Kind = "archive"
)

// ErrNotFound is returned for unknown ids and for records whose file is gone.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a servable file on local disk.
type Artifact struct {
	ID        string
	Path      string
	Name      string
	Kind      Kind
	CreatedAt time.Time
	// RemoteKey is the object key in the mirror bucket, empty if not mirrored.
	RemoteKey string
}

// Store is a concurrency-safe id -> artifact registry. It is not durable.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		artifacts: make(map[string]Artifact),
		now:       time.Now,
	}
}

// Register records path under a fresh id. The path must exist.
func (s *Store) Register(path string, kind Kind) (Artifact, error) {
	if _, err := os.Stat(path); err != nil {
		return Artifact{}, err
	}

	a := Artifact{
		ID:        uuid.New().String(),
		Path:      path,
		Name:      filepath.Base(path),
		Kind:      kind,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.artifacts[a.ID] = a
	s.mu.Unlock()
	return a, nil
}

// Resolve returns the artifact for id. A record whose file has disappeared
// is dropped and reported as ErrNotFound.
func (s *Store) Resolve(id string) (Artifact, error) {
	s.mu.RLock()
	a, ok := s.artifacts[id]
	s.mu.RUnlock()
	if !ok {
		return Artifact{}, ErrNotFound
	}

	if _, err := os.Stat(a.Path); err != nil {
		s.Remove(id)
		return Artifact{}, ErrNotFound
	}
	return a, nil
}

// Remove deletes the record. The file is left alone.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.artifacts, id)
	s.mu.Unlock()
}

// SetRemoteKey attaches a mirror object key to an existing record.
func (s *Store) SetRemoteKey(id, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return false
	}
	a.RemoteKey = key
	s.artifacts[id] = a
	return true
}

// Expired returns the artifacts created before cutoff, oldest first.
func (s *Store) Expired(cutoff time.Time) []Artifact {
	s.mu.RLock()
	var out []Artifact
	for _, a := range s.artifacts {
		if a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// References reports whether any live record points at path.
func (s *Store) References(path string) bool {
	clean := filepath.Clean(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts {
		if filepath.Clean(a.Path) == clean {
			return true
		}
	}
	return false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}
