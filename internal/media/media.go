// Package media validates outbound media paths before a channel adapter is
// allowed to read them. Local paths must resolve inside a configured
// allow-root, survive a symlink-swap check, and fit the channel's size cap.
package media

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrNotLocal marks inputs that are remote URLs; the caller streams those
// instead of opening a file.
var ErrNotLocal = fmt.Errorf("not a local path")

// Normalize turns file:// URLs and ~-prefixed paths into absolute local
// paths. http(s) URLs return ErrNotLocal.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty media path")
	}
	switch {
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		return "", ErrNotLocal
	case strings.HasPrefix(trimmed, "file://"):
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("parse file url: %w", err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("file url with remote host %q", u.Host)
		}
		trimmed = u.Path
	case strings.HasPrefix(trimmed, "~/"), trimmed == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	if !filepath.IsAbs(trimmed) {
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return "", err
		}
		trimmed = abs
	}
	return filepath.Clean(trimmed), nil
}

// containedRoot returns the first allow-root that contains candidate, or ""
// when none does. Empty roots are rejected rather than silently matching
// everything.
func containedRoot(candidate string, roots []string) string {
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, candidate)
		if err != nil {
			continue
		}
		if rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
			continue
		}
		return root
	}
	return ""
}

// Open validates raw against the allow-roots and size cap, returning an open
// read-only handle. The handle is what the caller must read from; re-opening
// by path would reintroduce the race this function exists to close.
func Open(raw string, allowRoots []string, maxBytes int64) (*os.File, error) {
	candidate, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	root := containedRoot(candidate, allowRoots)
	if root == "" {
		return nil, fmt.Errorf("media path %s is outside the allowed directories", candidate)
	}

	// O_NOFOLLOW rejects a symlink at the final component outright.
	f, err := os.OpenFile(candidate, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}

	ok, err := handleStillContained(f, candidate, root)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("media path %s escaped the allowed directory", candidate)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("media path %s is not a regular file", candidate)
	}
	if maxBytes > 0 && fi.Size() > maxBytes {
		f.Close()
		return nil, fmt.Errorf("media file is %d bytes, cap is %d", fi.Size(), maxBytes)
	}
	return f, nil
}

// handleStillContained verifies the opened handle is the same inode as the
// fully-resolved path and that the resolution stays under the resolved root.
// Directory components may be symlinks; the (dev, ino) equality check defeats
// a swap between validation and open.
func handleStillContained(f *os.File, candidate, root string) (bool, error) {
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return false, fmt.Errorf("resolve media path: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, fmt.Errorf("resolve allow root: %w", err)
	}
	rel, err := filepath.Rel(rootReal, real)
	if err != nil {
		return false, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
		return false, nil
	}

	opened, err := f.Stat()
	if err != nil {
		return false, err
	}
	resolved, err := os.Stat(real)
	if err != nil {
		return false, fmt.Errorf("stat resolved path: %w", err)
	}
	return os.SameFile(opened, resolved), nil
}
