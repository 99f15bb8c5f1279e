package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Persister saves the session across process restarts.
type Persister interface {
	// Load returns the persisted state, or nil when nothing is stored.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state State) error
	Delete(ctx context.Context) error
}

// persistedSession is the on-disk envelope.
type persistedSession struct {
	Version int   `json:"version"`
	State   State `json:"state"`
}

const persistedVersion = 1

// FilePersister stores the session as a JSON file.
//
// SECURITY: the file holds bearer and refresh tokens. It is written with 0600
// permissions inside a 0700 directory, and replaced via rename so readers
// never see a partial write.
type FilePersister struct {
	fs   afero.Fs
	path string
}

// NewFilePersister returns a persister writing to path on fs.
// A nil fs uses the OS filesystem.
func NewFilePersister(fs afero.Fs, path string) *FilePersister {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FilePersister{fs: fs, path: path}
}

// Path returns the session file location.
func (p *FilePersister) Path() string {
	return p.path
}

func (p *FilePersister) Load(_ context.Context) (*State, error) {
	data, err := afero.ReadFile(p.fs, p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var envelope persistedSession
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", p.path, err)
	}
	if envelope.Version != persistedVersion {
		return nil, fmt.Errorf("unsupported session file version %d", envelope.Version)
	}
	return &envelope.State, nil
}

func (p *FilePersister) Save(_ context.Context, state State) error {
	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(persistedSession{Version: persistedVersion, State: state}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := afero.WriteFile(p.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := p.fs.Rename(tmp, p.path); err != nil {
		_ = p.fs.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (p *FilePersister) Delete(_ context.Context) error {
	err := p.fs.Remove(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// MemoryPersister keeps the session in memory only. It is used when no
// session file is configured and in tests.
type MemoryPersister struct {
	mu    sync.Mutex
	state *State
	saves int
}

func (m *MemoryPersister) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	st := m.state.Clone()
	return &st, nil
}

func (m *MemoryPersister) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := state.Clone()
	m.state = &st
	m.saves++
	return nil
}

func (m *MemoryPersister) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
