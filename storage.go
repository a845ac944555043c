package assetcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// tempFilePrefix is used for temporary files during atomic writes
	tempFilePrefix = ".tmp-"

	dirPerm  = 0o755
	filePerm = 0o644
)

// DiskStorage implements Storage on the local filesystem.
type DiskStorage struct{}

// NewDiskStorage creates a filesystem-backed Storage.
func NewDiskStorage() *DiskStorage {
	return &DiskStorage{}
}

func (s *DiskStorage) Exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (s *DiskStorage) Stat(p string) (fs.FileInfo, error) {
	return os.Stat(p)
}

func (s *DiskStorage) ReadAll(p string) ([]byte, error) {
	return os.ReadFile(p)
}

func (s *DiskStorage) ListDir(p string) ([]fs.DirEntry, error) {
	return os.ReadDir(p)
}

func (s *DiskStorage) MkdirAll(p string) error {
	return os.MkdirAll(p, dirPerm)
}

// Delete removes a file or an empty directory. Missing paths are not an error.
func (s *DiskStorage) Delete(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DiskStorage) Touch(p string, modTime time.Time) error {
	return os.Chtimes(p, modTime, modTime)
}

// WriteAtomic writes data to a temp file in the target directory, stamps
// modTime on it and renames it over p. Readers never observe a partial file.
func (s *DiskStorage) WriteAtomic(p string, data []byte, modTime time.Time) error {
	dir := filepath.Dir(p)

	tempFile, err := s.createTemp(dir)
	if errors.Is(err, fs.ErrNotExist) {
		// the directory may have been pruned between MkdirAll and here
		if mkErr := s.MkdirAll(dir); mkErr != nil {
			return fmt.Errorf("failed to create directory: %w", mkErr)
		}
		tempFile, err = s.createTemp(dir)
	}
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tempPath := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write data: %w", err)
	}

	// Sync to disk
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if !modTime.IsZero() {
		if err := os.Chtimes(tempPath, modTime, modTime); err != nil {
			_ = os.Remove(tempPath)
			return fmt.Errorf("failed to set modification time: %w", err)
		}
	}

	// Atomic rename
	if err := os.Rename(tempPath, p); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *DiskStorage) createTemp(dir string) (*os.File, error) {
	tempPath := filepath.Join(dir, tempFilePrefix+uuid.New().String())
	return os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, filePerm)
}

// isTempFile reports whether name belongs to an in-flight atomic write.
func isTempFile(name string) bool {
	return strings.HasPrefix(name, tempFilePrefix)
}
