package cassette

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultDir is where cassettes live when no directory is configured.
const DefaultDir = "testdata/cassettes"

// FileStorage keeps one file per cassette under Dir. Names may contain
// slashes to group cassettes into subdirectories.
type FileStorage struct {
	Dir   string
	Codec Codec
}

func NewFileStorage(dir string) *FileStorage {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileStorage{Dir: dir, Codec: YAML}
}

func (s *FileStorage) codec() Codec {
	if s.Codec == nil {
		return YAML
	}
	return s.Codec
}

// Path returns the file a cassette is stored in.
func (s *FileStorage) Path(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty cassette name")
	}
	rel := filepath.FromSlash(name) + s.codec().Extension()
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("cassette name %q escapes %s", name, s.Dir)
	}
	return filepath.Join(s.Dir, rel), nil
}

func (s *FileStorage) Load(ctx context.Context, name string) ([]Interaction, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, NewStorageError("load", name, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load", name, err)
	}
	interactions, err := Decode(s.codec(), data)
	if err != nil {
		return nil, NewStorageError("load", name, fmt.Errorf("%s: %w", path, err))
	}
	return interactions, nil
}

// Save writes the cassette to a temp file next to its final path and renames
// it into place.
func (s *FileStorage) Save(ctx context.Context, name string, interactions []Interaction) error {
	path, err := s.Path(name)
	if err != nil {
		return NewStorageError("save", name, err)
	}
	data, err := Encode(s.codec(), name, interactions)
	if err != nil {
		return NewStorageError("save", name, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return NewStorageError("save", name, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
