// Package storage keeps uploaded import files between submission and the
// worker run. A handle is "<job id>/<file name>" for every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("stored file not found")
	ErrInvalidHandle = errors.New("invalid file handle")
)

type Storage interface {
	Store(ctx context.Context, jobID uuid.UUID, filename string, r io.Reader) (string, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
	Exists(ctx context.Context, handle string) (bool, error)
	Delete(ctx context.Context, handle string) error
}

func handleFor(jobID uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "upload"
	}
	return jobID.String() + "/" + name
}

type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Store writes to a temp file first so a reader never sees a partial upload.
func (l *Local) Store(ctx context.Context, jobID uuid.UUID, filename string, r io.Reader) (string, error) {
	handle := handleFor(jobID, filename)
	dst, err := l.path(handle)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return handle, nil
}

func (l *Local) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	p, err := l.path(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return f, err
}

func (l *Local) Exists(ctx context.Context, handle string) (bool, error) {
	p, err := l.path(handle)
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

// Delete removes the file and its job directory once empty. Deleting a
// missing file is not an error.
func (l *Local) Delete(ctx context.Context, handle string) error {
	p, err := l.path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	_ = os.Remove(filepath.Dir(p)) // fails while not empty
	return nil
}

func (l *Local) path(handle string) (string, error) {
	rel := filepath.FromSlash(handle)
	if handle == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return filepath.Join(l.root, rel), nil
}
