package imager

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/chromadesk/chromadesk-build/internal/logger"
)

// Tarball writes the staging directory as a zstd-compressed tar archive and returns its path.
// Entries are stored in lexical order with zero timestamps and no owner names,
// so identical trees give identical archives.
func (i *Imager) Tarball(ctx context.Context, version string) (string, error) {
	ctx = logger.WithName(ctx, "imager")

	outputDir := i.cfg.Path(i.cfg.OutputDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	output := filepath.Join(outputDir, i.cfg.TarballName(version))

	file, err := os.Create(output)
	if err != nil {
		return "", fmt.Errorf("create tarball: %w", err)
	}

	if err = writeTarball(file, i.cfg.StagingPath()); err != nil {
		_ = file.Close()
		_ = os.Remove(output)

		return "", err
	}

	if err = file.Close(); err != nil {
		_ = os.Remove(output)

		return "", fmt.Errorf("close tarball: %w", err)
	}

	logger.InfoKV(ctx, "Tarball ready", "path", output)

	return output, nil
}

func writeTarball(w io.Writer, root string) (err error) {
	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	archive := tar.NewWriter(encoder)

	defer func() {
		err = errors.Join(err, archive.Close(), encoder.Close())
	}()

	// WalkDir visits entries in lexical order.
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		return addEntry(archive, path, filepath.ToSlash(rel), d)
	})
}

func addEntry(archive *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}

	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	header.ModTime = time.Unix(0, 0)
	header.AccessTime = time.Time{}
	header.ChangeTime = time.Time{}
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""
	header.Format = tar.FormatPAX

	if err = archive.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	if _, err = io.Copy(archive, file); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}
