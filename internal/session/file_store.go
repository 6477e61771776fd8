package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileDateLayout = "2006-01-02"

// FileStore keeps one JSON document per session under dir, named after the
// session start date. Writes go to a temp file first and are renamed over
// the target.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file a session started at t is written to.
func (f *FileStore) Path(t time.Time) string {
	return filepath.Join(f.dir, t.UTC().Format(fileDateLayout)+".json")
}

// Save writes the state atomically.
func (f *FileStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("cannot save nil session state")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	started := state.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	data, err := Marshal(state)
	if err != nil {
		return err
	}

	target := f.Path(started)
	tmp, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// Load reads the newest session file in the directory.
func (f *FileStore) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	files, err := f.sessionFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoState
	}
	return readState(files[len(files)-1])
}

// LoadFile reads one session file.
func LoadFile(path string) (*State, error) {
	return readState(path)
}

// Files lists session files oldest first.
func (f *FileStore) Files() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionFiles()
}

func (f *FileStore) sessionFiles() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if _, err := time.Parse(fileDateLayout, strings.TrimSuffix(name, ".json")); err != nil {
			continue
		}
		files = append(files, filepath.Join(f.dir, name))
	}
	// YYYY-MM-DD sorts chronologically
	sort.Strings(files)
	return files, nil
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return Unmarshal(data)
}

// Marshal encodes state as indented JSON. Decimals encode as strings so a
// reload reproduces the same bytes.
func Marshal(state *State) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a document written by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &state, nil
}
