// Package archive extracts zip and tar skill bundles with traversal guards.
// Every entry path is validated before any bytes reach disk.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Options tune an extraction. Zero values get defaults.
type Options struct {
	// StripComponents drops the leading N path segments from every entry,
	// the way tar --strip-components does. Entries with fewer segments are
	// skipped.
	StripComponents int

	// MaxFileBytes caps a single decompressed file. Defaults to 1 GiB.
	MaxFileBytes int64

	// MaxEntries caps the number of extracted entries. Defaults to 10000.
	MaxEntries int
}

func (o Options) withDefaults() Options {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = 1 << 30
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	return o
}

// errSkip marks an entry dropped by StripComponents.
var errSkip = fmt.Errorf("entry skipped")

// entryPath validates and normalizes one archive entry name. Absolute paths,
// parent escapes, and Windows device/UNC forms are rejected outright.
func entryPath(name string, strip int) (string, error) {
	if strings.ContainsRune(name, '\x00') {
		return "", fmt.Errorf("entry %q: NUL in path", name)
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(slashed, "//") || strings.Contains(slashed, ":") {
		return "", fmt.Errorf("entry %q: device or UNC path", name)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == "" {
		return "", errSkip
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry %q escapes extraction root", name)
	}

	segments := strings.Split(clean, "/")
	if strip >= len(segments) {
		return "", errSkip
	}
	stripped := path.Join(segments[strip:]...)
	if stripped == "" || stripped == "." {
		return "", errSkip
	}
	return filepath.FromSlash(stripped), nil
}

// destFor joins the validated relative path under root and re-checks
// containment as a belt against Clean edge cases.
func destFor(root, rel string) (string, error) {
	target := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes extraction root", rel)
	}
	return target, nil
}

// ExtractZip extracts a zip file into dest.
func ExtractZip(src, dest string, opts Options) error {
	opts = opts.withDefaults()
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}
	defer r.Close()

	if len(r.File) > opts.MaxEntries {
		return fmt.Errorf("zip has %d entries, cap is %d", len(r.File), opts.MaxEntries)
	}

	// Validate every entry before writing anything.
	for _, f := range r.File {
		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("entry %q: symlinks are not allowed", f.Name)
		}
		if _, err := entryPath(f.Name, opts.StripComponents); err != nil && err != errSkip {
			return err
		}
	}

	for _, f := range r.File {
		rel, err := entryPath(f.Name, opts.StripComponents)
		if err == errSkip {
			continue
		}
		if err != nil {
			return err
		}
		target, err := destFor(dest, rel)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry %q: %w", f.Name, err)
		}
		err = writeEntry(rc, target, f.Mode().Perm(), opts.MaxFileBytes)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract %q: %w", f.Name, err)
		}
	}
	return nil
}

// ExtractTar extracts a tar file into dest, transparently decompressing
// .tar.gz/.tgz and .tar.bz2/.tbz2 by extension. Symlink and hardlink entries
// are always rejected. Bzip2 streams get a full preflight pass first since
// their entry list cannot be trusted incrementally.
func ExtractTar(src, dest string, opts Options) error {
	opts = opts.withDefaults()

	if isBzip2(src) {
		if err := preflightTar(src, opts); err != nil {
			return err
		}
	}

	f, decoder, err := openTar(src)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(decoder)
	entries := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar %s: %w", src, err)
		}
		entries++
		if entries > opts.MaxEntries {
			return fmt.Errorf("tar exceeds %d entries", opts.MaxEntries)
		}
		if err := checkTarHeader(hdr); err != nil {
			return err
		}

		rel, err := entryPath(hdr.Name, opts.StripComponents)
		if err == errSkip {
			continue
		}
		if err != nil {
			return err
		}
		target, err := destFor(dest, rel)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, os.FileMode(hdr.Mode).Perm(), opts.MaxFileBytes); err != nil {
				return fmt.Errorf("extract %q: %w", hdr.Name, err)
			}
		default:
			// Char/block devices, fifos. Links were rejected above.
		}
	}
}

func checkTarHeader(hdr *tar.Header) error {
	switch hdr.Typeflag {
	case tar.TypeSymlink:
		return fmt.Errorf("entry %q: symlinks are not allowed", hdr.Name)
	case tar.TypeLink:
		return fmt.Errorf("entry %q: hardlinks are not allowed", hdr.Name)
	}
	return nil
}

// preflightTar walks every header of a bzip2 tar without writing, so a bad
// entry late in the stream aborts before any earlier bytes hit disk.
func preflightTar(src string, opts Options) error {
	f, decoder, err := openTar(src)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(decoder)
	entries := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("preflight %s: %w", src, err)
		}
		entries++
		if entries > opts.MaxEntries {
			return fmt.Errorf("tar exceeds %d entries", opts.MaxEntries)
		}
		if err := checkTarHeader(hdr); err != nil {
			return err
		}
		if _, err := entryPath(hdr.Name, opts.StripComponents); err != nil && err != errSkip {
			return err
		}
	}
}

func isBzip2(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasSuffix(lower, ".tar.bz2") || strings.HasSuffix(lower, ".tbz2")
}

func openTar(src string) (*os.File, io.Reader, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, nil, fmt.Errorf("open tar %s: %w", src, err)
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("gzip %s: %w", src, err)
		}
		return f, gz, nil
	case isBzip2(src):
		return f, bzip2.NewReader(f), nil
	default:
		return f, f, nil
	}
}

func writeEntry(r io.Reader, target string, mode os.FileMode, maxBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return err
	}
	if n > maxBytes {
		os.Remove(target)
		return fmt.Errorf("decompressed size exceeds %d bytes", maxBytes)
	}
	return nil
}
