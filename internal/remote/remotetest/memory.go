// Package remotetest provides an in-memory object store for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/chmdznr/journal-sync/internal/syncerr"
	"github.com/chmdznr/journal-sync/pkg/models"
)

type object struct {
	name     string
	data     []byte
	modified time.Time
}

// Store keeps artifacts in memory. The *Func hooks, when set, run before
// the call and can fail it.
type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	nextID  int
	now     func() time.Time

	ListFunc   func(ctx context.Context, name string) error
	CreateFunc func(ctx context.Context, meta models.ArtifactMeta) error
	UpdateFunc func(ctx context.Context, id string) error
	GetFunc    func(ctx context.Context, id string) error

	Calls struct {
		List, Create, Update, Get int
	}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		objects: make(map[string]*object),
		now:     time.Now,
	}
}

// SetClock fixes the modification time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put adds an artifact directly, bypassing the hooks and call counters.
func (s *Store) Put(name string, data []byte) models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(name, data)
}

// Data returns a copy of the bytes stored for id.
func (s *Store) Data(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Len is the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *Store) createLocked(name string, data []byte) models.Artifact {
	s.nextID++
	id := fmt.Sprintf("%s/%04d", name, s.nextID)
	obj := &object{name: name, data: data, modified: s.now()}
	s.objects[id] = obj
	return artifact(id, obj)
}

func artifact(id string, obj *object) models.Artifact {
	return models.Artifact{ID: id, Name: obj.name, ModifiedTime: obj.modified, Size: int64(len(obj.data))}
}

// List returns the artifacts named name, ordered by id.
func (s *Store) List(ctx context.Context, name string) ([]models.Artifact, error) {
	s.mu.Lock()
	s.Calls.List++
	hook := s.ListFunc
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, syncerr.New("remote.list", syncerr.KindIOFailure, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Artifact
	for id, obj := range s.objects {
		if obj.name == name {
			out = append(out, artifact(id, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create stores a new artifact.
func (s *Store) Create(ctx context.Context, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error) {
	s.mu.Lock()
	s.Calls.Create++
	hook := s.CreateFunc
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, meta); err != nil {
			return models.Artifact{}, err
		}
	}
	data, err := readAll(r, size)
	if err != nil {
		return models.Artifact{}, syncerr.New("remote.create", syncerr.KindIOFailure, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(meta.Name, data), nil
}

// Update replaces the bytes of an existing artifact.
func (s *Store) Update(ctx context.Context, id string, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error) {
	s.mu.Lock()
	s.Calls.Update++
	hook := s.UpdateFunc
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return models.Artifact{}, err
		}
	}
	data, err := readAll(r, size)
	if err != nil {
		return models.Artifact{}, syncerr.New("remote.update", syncerr.KindIOFailure, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return models.Artifact{}, syncerr.Errorf("remote.update", syncerr.KindNotFound, "no object %s", id)
	}
	obj.data = data
	obj.modified = s.now()
	if meta.Name != "" {
		obj.name = meta.Name
	}
	return artifact(id, obj), nil
}

// Get returns a reader over a copy of the artifact bytes.
func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.Calls.Get++
	hook := s.GetFunc
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, syncerr.Errorf("remote.get", syncerr.KindNotFound, "no object %s", id)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

func readAll(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("short body: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}
