// ABOUTME: Filesystem-backed object store for task media blobs
// ABOUTME: Keys are media/<uid>/<filename>; writes go through a temp file, fsync and rename

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrBlobNotFound is returned when a key has no stored object.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidKey is returned for keys or filenames that could escape the root.
	ErrInvalidKey = errors.New("invalid blob key")
)

// maxFilenameLen bounds a single path segment.
const maxFilenameLen = 200

// Blobs stores media objects under a root directory.
type Blobs struct {
	root string
}

// NewBlobs creates the root directory if needed.
func NewBlobs(root string) (*Blobs, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating media directory %s: %w", root, err)
	}
	return &Blobs{root: root}, nil
}

// ValidateFilename rejects names that are not a single safe path segment.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, name)
	case len(name) > maxFilenameLen:
		return fmt.Errorf("%w: filename too long", ErrInvalidKey)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	return nil
}

// Key returns the storage key for a task's media file.
func Key(uid, filename string) (string, error) {
	if err := ValidateFilename(uid); err != nil {
		return "", err
	}
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	return path.Join("media", uid, filename), nil
}

// resolve maps a key to a path under root.
func (b *Blobs) resolve(key string) (string, error) {
	if key == "" || path.IsAbs(key) || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// Put writes r to key, replacing any existing object. It returns the
// number of bytes written.
func (b *Blobs) Put(key string, r io.Reader) (int64, error) {
	full, err := b.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return 0, fmt.Errorf("creating blob directory: %w", err)
	}

	tmp := full + "." + uuid.NewString()[:8] + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("writing blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("syncing blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("renaming blob: %w", err)
	}
	return size, nil
}

// Open returns a reader for key. The caller must close it.
func (b *Blobs) Open(key string) (*os.File, error) {
	full, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// Delete removes key. Deleting a missing object succeeds. When ctx ends
// first, Delete returns its error while the removal finishes in the
// background; callers treat that as a failed attempt.
func (b *Blobs) Delete(ctx context.Context, key string) error {
	full, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- removeBlob(full) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("deleting blob: %w", ctx.Err())
	}
}

func removeBlob(full string) error {
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	// Drop the per-task directory once it is empty; failure just leaves it.
	_ = os.Remove(filepath.Dir(full))
	return nil
}

// Exists reports whether key has a stored object.
func (b *Blobs) Exists(key string) (bool, error) {
	full, err := b.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blob: %w", err)
	}
	return true, nil
}
