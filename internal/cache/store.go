package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	artifactExt = ".jpg"
	tempPrefix  = ".tmp-"

	// staleTempAge is how old a temp file must be before an opener treats it
	// as abandoned. Another process sharing the root may be about to rename a
	// younger one; a write never stays open for longer than this.
	staleTempAge = 15 * time.Minute
)

// Artifact is a finished, immutable blob.
type Artifact struct {
	Key       Key
	Bytes     []byte
	CreatedAt time.Time
}

// Entry describes a stored artifact without its bytes.
type Entry struct {
	Key       Key
	Size      int64
	CreatedAt time.Time
}

// FileStore persists artifacts as one file per key under a root directory.
// The path of a key is a pure function of the key, so a restart finds
// existing artifacts without an index.
type FileStore struct {
	root string
}

// NewFileStore initializes a FileStore rooted at root and removes stale temp
// files left behind by interrupted writes.
func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("cache: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: ensure root: %w", err)
	}
	s := &FileStore{root: root}
	if err := s.removeTemps(time.Now().Add(-staleTempAge)); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the configured root directory.
func (s *FileStore) Root() string { return s.root }

// Path returns the file path holding key.
func (s *FileStore) Path(key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(string(key))+artifactExt), nil
}

// Load returns the artifact for key. ok is false when it does not exist.
func (s *FileStore) Load(key Key) (*Artifact, bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %s: %w", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("cache: stat %s: %w", key, err)
	}
	return &Artifact{Key: key, Bytes: data, CreatedAt: info.ModTime()}, true, nil
}

// Exists reports whether key is present.
func (s *FileStore) Exists(key Key) (bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Save writes data for key atomically: the bytes land in a temp file in the
// destination directory, are synced, then renamed into place. A reader never
// observes a partial artifact.
func (s *FileStore) Save(ctx context.Context, key Key, data []byte) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("cache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("cache: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("cache: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return nil, fmt.Errorf("cache: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("cache: rename: %w", err)
	}
	committed = true
	syncDir(dir)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cache: stat %s: %w", key, err)
	}
	return &Artifact{Key: key, Bytes: data, CreatedAt: info.ModTime()}, nil
}

// Remove deletes the artifact for key. Missing keys are not an error.
func (s *FileStore) Remove(key Key) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: remove %s: %w", key, err)
	}
	return nil
}

// List returns every stored artifact.
func (s *FileStore) List() ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) || filepath.Ext(path) != artifactExt {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := Key(strings.TrimSuffix(filepath.ToSlash(rel), artifactExt))
		if key.Validate() != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Entry{Key: key, Size: info.Size(), CreatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: list: %w", err)
	}
	return out, nil
}

// removeTemps deletes temp files last modified before cutoff.
func (s *FileStore) removeTemps(cutoff time.Time) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: remove temp files: %w", err)
	}
	return nil
}

// syncDir makes a rename durable. Errors are ignored; some filesystems do not
// support syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
