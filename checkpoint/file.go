package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	LatestFile = "checkpoint.json"
	BestFile   = "model_best.json"
)

// FileStore writes records as JSON files into Dir.
type FileStore struct {
	Dir    string
	Logger *slog.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{Dir: dir, Logger: logger}, nil
}

// Save replaces checkpoint.json, and model_best.json when isBest.
func (s *FileStore) Save(ctx context.Context, rec *Record, isBest bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := Marshal(rec)
	if err != nil {
		return err
	}

	latest := filepath.Join(s.Dir, LatestFile)
	if err := writeFileAtomic(latest, b); err != nil {
		return err
	}
	if isBest {
		if err := writeFileAtomic(filepath.Join(s.Dir, BestFile), b); err != nil {
			return err
		}
	}

	if s.Logger != nil {
		s.Logger.Debug("checkpoint saved",
			slog.String("path", latest),
			slog.Int("epoch", rec.Epoch),
			slog.Bool("is_best", isBest),
		)
	}
	return nil
}

// Load reads a record from disk. A directory resolves to its model_best.json.
func (s *FileStore) Load(ctx context.Context, which Which) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := LatestFile
	if which == Best {
		name = BestFile
	}
	return Load(filepath.Join(s.Dir, name))
}

// Load reads a record from path. If path is a directory the best record in
// it is loaded. A missing file returns an error matching ErrNotFound.
func Load(path string) (*Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat checkpoint %s: %w", path, err)
	}
	if info.IsDir() {
		return Load(filepath.Join(path, BestFile))
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	rec, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// writeFileAtomic writes b to a temporary file next to path and renames it.
func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint into %s: %w", path, err)
	}
	return nil
}
