// Package archive packs a session directory into a single ZIP file whose
// top-level folder is the session identifier.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Ext is appended to the session directory path to name its archive.
const Ext = ".zip"

// PathFor returns the archive path for a session directory.
func PathFor(dir string) string {
	return filepath.Clean(dir) + Ext
}

// Compress writes dir into PathFor(dir). The archive is built under a
// temporary name and renamed when complete, so a crash never leaves a
// truncated archive under the final name. dir is left untouched.
func Compress(ctx context.Context, dir string) (string, error) {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to stat session directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", dir)
	}

	final := PathFor(dir)
	tmp := final + ".tmp"

	if err := write(ctx, dir, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	return final, nil
}

func write(ctx context.Context, dir, dst string) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	base := filepath.Base(dir)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = base + "/" + filepath.ToSlash(rel)
		}

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return addFile(zw, path, name, d)
	})

	closeErr := zw.Close()
	fileErr := f.Close()

	switch {
	case walkErr != nil:
		return fmt.Errorf("failed to compress %s: %w", dir, walkErr)
	case closeErr != nil:
		return fmt.Errorf("failed to finish archive: %w", closeErr)
	case fileErr != nil:
		return fmt.Errorf("failed to close archive: %w", fileErr)
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = method(name)

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(w, src)
	return err
}

// method stores already-compressed images and deflates everything else.
func method(name string) uint16 {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return zip.Store
	default:
		return zip.Deflate
	}
}
