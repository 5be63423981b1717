package store

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"visualgrid/internal/rgrid"
)

// FileStore writes resource content to the local filesystem, sharded by the
// first two characters of the hash.
type FileStore struct {
	baseDir string
}

// NewFileStore constructs a filesystem-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Has reports whether content with hash was stored before.
func (s *FileStore) Has(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(hash) < 3 {
		return false, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.baseDir, hash[:2], hash[2:]+"*"))
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", hash, err)
	}
	return len(matches) > 0, nil
}

// Put persists res under its hash. Existing files are left untouched.
func (s *FileStore) Put(ctx context.Context, res *rgrid.Resource) error {
	if res.Failed() {
		return ErrNoContent
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	relative := s.relativePath(res)
	fullPath := filepath.Join(s.baseDir, relative)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create store subdir: %w", err)
	}
	_, err := os.Stat(fullPath)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(res.Content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename store file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) relativePath(res *rgrid.Resource) string {
	hash := res.Hash()
	ext := pickExtension(res.ContentType, res.URL)
	if ext != "" {
		ext = "." + ext
	}
	return filepath.Join(hash[:2], hash[2:]+ext)
}

func pickExtension(contentType, sourceURL string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == rgrid.CDTContentType {
		return "cdt.json"
	}
	if ct != "" {
		if exts, err := mime.ExtensionsByType(ct); err == nil {
			for _, ext := range exts {
				if ext != "" {
					return strings.TrimPrefix(ext, ".")
				}
			}
		}
	}
	if idx := strings.IndexAny(sourceURL, "?#"); idx >= 0 {
		sourceURL = sourceURL[:idx]
	}
	if slash := strings.LastIndex(sourceURL, "/"); slash >= 0 {
		sourceURL = sourceURL[slash+1:]
	}
	if dot := strings.LastIndex(sourceURL, "."); dot >= 0 && dot < len(sourceURL)-1 {
		ext := strings.ToLower(sourceURL[dot+1:])
		if len(ext) <= 5 {
			return ext
		}
	}
	return ""
}
