// Package artifact fetches component and provider binaries by reference.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedRef = errors.New("artifact: unsupported reference")
	ErrNotFound       = errors.New("artifact: not found")
	ErrTooLarge       = errors.New("artifact: too large")
)

// DefaultMaxSize bounds a single fetched artifact.
const DefaultMaxSize = 64 << 20

type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileSource reads file:// references and bare paths. Relative paths resolve
// against Root when it is set.
type FileSource struct {
	Root    string
	MaxSize int64
}

func (s FileSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()

	limit := s.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	b, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", path, err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, path, limit)
	}
	return b, nil
}

// Resolve maps ref to a local path without reading it.
func (s FileSource) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsupportedRef)
	}
	path := ref
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedRef, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedRef, u.Scheme)
		}
		path = u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = filepath.Join(u.Host, u.Path)
		}
	}
	if !filepath.IsAbs(path) && s.Root != "" {
		path = filepath.Join(s.Root, path)
	}
	return filepath.Clean(path), nil
}
