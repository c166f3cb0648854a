// Package workspace manages each project's sandboxed directory tree on
// disk. The message router's file-access handlers read through this package
// so path traversal outside a project's own root is rejected in one place.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// subdirs are created under a project's root by Ensure.
var subdirs = []string{"src", "tests", "docs", "config", "output"}

// ErrOutsideWorkspace is returned when a requested path resolves outside
// the project's sandboxed root.
var ErrOutsideWorkspace = errors.New("workspace: path escapes project root")

// Workspace resolves and guards paths beneath a single project's root.
type Workspace struct {
	root string
}

// New returns a Workspace rooted at root. It does not touch the filesystem —
// call Ensure before any read/write to create the directory tree lazily.
func New(root string) *Workspace {
	return &Workspace{root: filepath.Clean(root)}
}

// Ensure creates the project's root and its standard subdirectories if they
// do not already exist.
func (w *Workspace) Ensure() error {
	for _, dir := range append([]string{""}, subdirs...) {
		if err := os.MkdirAll(filepath.Join(w.root, dir), 0o755); err != nil {
			return fmt.Errorf("workspace: creating %s: %w", dir, err)
		}
	}
	return nil
}

// Resolve validates that the requested relative path stays within the
// workspace root and returns its absolute filesystem path. Callers must use
// the returned path for every read or write — never the caller-supplied
// path directly.
func (w *Workspace) Resolve(relPath string) (string, error) {
	joined := filepath.Join(w.root, relPath)
	cleaned := filepath.Clean(joined)

	rel, err := filepath.Rel(w.root, cleaned)
	if err != nil {
		return "", fmt.Errorf("workspace: resolving path: %w", err)
	}
	for _, p := range splitPath(rel) {
		if p == ".." {
			return "", ErrOutsideWorkspace
		}
	}

	return cleaned, nil
}

func splitPath(p string) []string {
	var parts []string
	for {
		dir, file := filepath.Split(p)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		dir = filepath.Clean(dir)
		if dir == "." || dir == p {
			break
		}
		p = dir
	}
	return parts
}

// ReadFile validates relPath and returns its contents.
func (w *Workspace) ReadFile(relPath string) ([]byte, error) {
	abs, err := w.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: reading %s: %w", relPath, err)
	}
	return data, nil
}

// WriteFile validates relPath and writes data, creating parent directories
// as needed.
func (w *Workspace) WriteFile(relPath string, data []byte) error {
	abs, err := w.Resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("workspace: creating parent directory for %s: %w", relPath, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("workspace: writing %s: %w", relPath, err)
	}
	return nil
}

// FileInfo is a listing entry returned by ListFiles.
type FileInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListFiles validates relPath and lists its immediate contents.
func (w *Workspace) ListFiles(relPath string) ([]FileInfo, error) {
	abs, err := w.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: listing %s: %w", relPath, err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:  e.Name(),
			Path:  filepath.Join(relPath, e.Name()),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	return out, nil
}
