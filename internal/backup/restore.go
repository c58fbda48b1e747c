package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidArchive is returned for archives Backup did not write.
var ErrInvalidArchive = errors.New("invalid backup")

// maxEntrySize bounds each extracted file.
const maxEntrySize = 10 << 30

// Restore extracts the archive at archivePath into targetDir and returns its
// manifest. Existing files are only overwritten when force is set. The
// restored database is version-checked when the store next opens it.
func Restore(ctx context.Context, archivePath, targetDir string, force bool) (Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	m, err := readManifest(tr)
	if err != nil {
		return Manifest{}, err
	}
	expected := make(map[string]bool, len(m.Files))
	for _, name := range m.Files {
		if err := validateEntry(name, targetDir); err != nil {
			return Manifest{}, err
		}
		expected[name] = true
	}
	if !expected[databaseName] {
		return Manifest{}, fmt.Errorf("%w: manifest does not list %s", ErrInvalidArchive, databaseName)
	}
	if !force {
		for name := range expected {
			if _, err := os.Stat(filepath.Join(targetDir, name)); err == nil {
				return Manifest{}, fmt.Errorf("file already exists (use -force to overwrite): %s", name)
			}
		}
	}

	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		return Manifest{}, fmt.Errorf("creating target directory: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("reading archive entry: %w", err)
		}
		if !expected[hdr.Name] || hdr.Typeflag != tar.TypeReg {
			return Manifest{}, fmt.Errorf("%w: unexpected entry %q", ErrInvalidArchive, hdr.Name)
		}
		if err := extract(tr, filepath.Join(targetDir, hdr.Name)); err != nil {
			return Manifest{}, fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		delete(expected, hdr.Name)
	}
	if len(expected) > 0 {
		return Manifest{}, fmt.Errorf("%w: archive is missing %d listed file(s)", ErrInvalidArchive, len(expected))
	}
	return m, nil
}

func readManifest(tr *tar.Reader) (Manifest, error) {
	hdr, err := tr.Next()
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if hdr.Name != manifestName {
		return Manifest{}, fmt.Errorf("%w: first entry is %q, want %s", ErrInvalidArchive, hdr.Name, manifestName)
	}
	var m Manifest
	if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: decoding manifest: %v", ErrInvalidArchive, err)
	}
	return m, nil
}

// validateEntry rejects names that would land outside targetDir.
func validateEntry(name, targetDir string) error {
	if name == "" || filepath.IsAbs(name) {
		return fmt.Errorf("%w: path traversal detected: %q", ErrInvalidArchive, name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || strings.ContainsRune(cleaned, filepath.Separator) {
		return fmt.Errorf("%w: path traversal detected: %q", ErrInvalidArchive, name)
	}

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving target directory: %w", err)
	}
	absDest, err := filepath.Abs(filepath.Join(targetDir, cleaned))
	if err != nil {
		return fmt.Errorf("resolving destination path: %w", err)
	}
	if filepath.Dir(absDest) != absTarget {
		return fmt.Errorf("%w: path traversal detected: %q resolves outside target", ErrInvalidArchive, name)
	}
	return nil
}

func extract(r io.Reader, dest string) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, maxEntrySize)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
