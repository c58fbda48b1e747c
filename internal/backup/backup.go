// Package backup archives and restores a Flynn installation: a consistent
// copy of the SQLite database, the optional config file, and a manifest
// naming the binary version that wrote them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/seancwalsh/flynn/internal/version"
)

const (
	manifestName = "manifest.json"
	databaseName = "flynn.db"
)

// Manifest describes the contents of a backup archive. It is always the
// first entry.
type Manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Files     []string  `json:"files"`
}

// Backup writes a gzip-compressed tar archive to archivePath. The database
// copy is taken with VACUUM INTO, so it is consistent even while the server
// is writing. configPath is optional.
func Backup(ctx context.Context, db *sql.DB, configPath, archivePath string) (Manifest, error) {
	tmpDir, err := os.MkdirTemp("", "flynn-backup-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, databaseName)
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return Manifest{}, fmt.Errorf("snapshotting database: %w", err)
	}

	files := map[string]string{databaseName: snapshot}
	m := Manifest{
		Version:   version.Short(),
		CreatedAt: time.Now().UTC(),
		Files:     []string{databaseName},
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return Manifest{}, fmt.Errorf("config file: %w", err)
		}
		name := filepath.Base(configPath)
		files[name] = configPath
		m.Files = append(m.Files, name)
	}

	// Write beside the destination and rename so a failed run never leaves
	// a truncated archive behind.
	partial := archivePath + ".partial"
	if err := writeArchive(partial, m, files); err != nil {
		os.Remove(partial)
		return Manifest{}, err
	}
	if err := os.Rename(partial, archivePath); err != nil {
		os.Remove(partial)
		return Manifest{}, fmt.Errorf("finalizing archive: %w", err)
	}
	return m, nil
}

func writeArchive(path string, m Manifest, files map[string]string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestName,
		Mode:     0o600,
		Size:     int64(len(manifest)),
		ModTime:  m.CreatedAt,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("writing manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	for _, name := range m.Files {
		if err := addFile(tw, name, files[name]); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	return f.Sync()
}

func addFile(tw *tar.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, in)
	return err
}
