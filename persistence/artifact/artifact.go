// Package artifact stores one value per file, gob encoded and zstd
// compressed, replacing the file atomically on every write.
package artifact

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/flarexio/docrag/backend"
)

var ErrCorrupt = errors.New("corrupt artifact")

// FileName maps a collection name to a file name that is safe on disk.
func FileName(name, ext string) string {
	return url.PathEscape(name) + ext
}

// NameFromFile reverses FileName.
func NameFromFile(file, ext string) (string, bool) {
	escaped, ok := strings.CutSuffix(file, ext)
	if !ok || escaped == "" {
		return "", false
	}

	name, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}

	return name, true
}

// Write replaces path with the encoding of v. The value goes to a pending
// file next to path which is synced and renamed over it.
func Write(path string, v any) error {
	dir := filepath.Dir(path)

	f, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(dir),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return backend.Persistence(err)
	}
	defer f.Cleanup()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return backend.Persistence(err)
	}

	if err := gob.NewEncoder(enc).Encode(v); err != nil {
		enc.Close()
		return backend.Persistence(err)
	}

	if err := enc.Close(); err != nil {
		return backend.Persistence(err)
	}

	if err := f.CloseAtomicallyReplace(); err != nil {
		return backend.Persistence(err)
	}

	return syncDir(dir)
}

// Read decodes the artifact at path into v.
func Read(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer dec.Close()

	if err := gob.NewDecoder(dec).Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, filepath.Base(path), err)
	}

	return nil
}

// Remove deletes the artifact at path. It reports false when there was none.
func Remove(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, backend.Persistence(err)
	}

	return true, syncDir(filepath.Dir(path))
}

// Scan creates dir if needed, removes pending files left by interrupted
// writes and returns the collection names of the artifacts with extension ext.
func Scan(dir, ext string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		file := entry.Name()
		if pending(file, ext) {
			if err := os.Remove(filepath.Join(dir, file)); err != nil {
				return nil, err
			}

			continue
		}

		name, ok := NameFromFile(file, ext)
		if !ok {
			continue
		}

		names = append(names, name)
	}

	return names, nil
}

// pending matches the temporary names renameio gives an artifact while it is
// written: a dot, the file name and a random number.
func pending(file, ext string) bool {
	rest, ok := strings.CutPrefix(file, ".")
	if !ok {
		return false
	}

	i := strings.LastIndex(rest, ext)
	if i <= 0 {
		return false
	}

	digits := rest[i+len(ext):]
	if digits == "" {
		return false
	}

	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return backend.Persistence(err)
	}
	defer d.Close()

	// Some platforms cannot fsync a directory.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return backend.Persistence(err)
	}

	return nil
}
