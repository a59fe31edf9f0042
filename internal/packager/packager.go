// Package packager bundles a batch's audio files into one zip archive.
package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/openmusicplayer/spotidown/internal/acquire"
)

const maxNameAttempts = 1000

// ErrNoFiles is returned when there is nothing to pack.
var ErrNoFiles = errors.New("no files to pack")

// Pack writes files into "<destDir>/<sanitized collectionName>.zip" and, on
// success, removes the directory that held them. If that name is already
// taken a numbered variant is used, so concurrent batches with the same
// collection name never share an archive. A partial archive is removed on
// failure.
func Pack(ctx context.Context, files []string, collectionName, destDir string) (string, error) {
	if len(files) == 0 {
		return "", ErrNoFiles
	}

	out, path, err := createArchive(destDir, collectionName)
	if err != nil {
		return "", err
	}

	if err := writeArchive(ctx, out, files); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing archive: %w", err)
	}

	// Every file of a batch lives in the same directory.
	srcDir := filepath.Dir(files[0])
	if filepath.Clean(srcDir) != filepath.Clean(destDir) {
		if err := os.RemoveAll(srcDir); err != nil {
			return path, fmt.Errorf("removing %s: %w", srcDir, err)
		}
	}
	return path, nil
}

// createArchive reserves a unique archive path with O_EXCL.
func createArchive(destDir, collectionName string) (*os.File, string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating %s: %w", destDir, err)
	}

	base := acquire.SanitizeName(collectionName)
	if base == "" {
		base = "collection"
	}

	for i := 1; i <= maxNameAttempts; i++ {
		name := base + ".zip"
		if i > 1 {
			name = fmt.Sprintf("%s (%d).zip", base, i)
		}
		path := filepath.Join(destDir, name)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("creating archive: %w", err)
		}
	}
	return nil, "", fmt.Errorf("no free archive name for %q", base)
}

func writeArchive(ctx context.Context, w io.Writer, files []string) error {
	zw := zip.NewWriter(w)

	seen := make(map[string]int, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}
		if err := addFile(zw, file, entryName(file, seen)); err != nil {
			zw.Close()
			return fmt.Errorf("adding %s: %w", filepath.Base(file), err)
		}
	}
	return zw.Close()
}

// entryName is the file's base name, suffixed if an earlier entry already
// used it.
func entryName(path string, seen map[string]int) string {
	name := filepath.Base(path)
	seen[name]++
	if n := seen[name]; n > 1 {
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s (%d)%s", name[:len(name)-len(ext)], n, ext)
	}
	return name
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
