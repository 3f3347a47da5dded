package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"
)

// LocalStore keeps artifacts below a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local storage directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put moves localPath into the store, copying when a rename is not possible
// (for example across filesystems).
func (s *LocalStore) Put(ctx context.Context, localPath, key string) (*Stored, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst, err := s.path(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.Rename(localPath, dst); err != nil {
		if err := copyFile(localPath, dst); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", key, err)
		}
	}

	stored := &Stored{
		Key:         key,
		Location:    dst,
		Size:        info.Size(),
		ContentType: contentType(key),
		Duration:    time.Since(start),
	}
	log.Debugf("[Storage] Stored %s (%s) in %v", key, humanize.IBytes(uint64(stored.Size)), stored.Duration)
	return stored, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// copyFile writes to a sibling temp name and renames so readers never see
// a partial artifact.
func copyFile(source, destination string) error {
	sourceFile, err := os.Open(source)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tmp := destination + ".part"
	destFile, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := destFile.Sync(); err != nil {
		destFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := destFile.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destination)
}
