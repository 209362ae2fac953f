package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
)

// Extractor copies the full content tree of a disk image into a local
// directory.
type Extractor interface {
	Extract(ctx context.Context, imagePath, destDir string) error
}

// DiskfsExtractor reads the image in-process with go-diskfs. Unlike an OS
// mount it holds no system-wide resource, so there is no unmount to pair on
// failure paths.
type DiskfsExtractor struct {
	logger *slog.Logger
}

func NewDiskfsExtractor(logger *slog.Logger) *DiskfsExtractor {
	return &DiskfsExtractor{
		logger: logger.With(slog.String("component", "extractor")),
	}
}

func (e *DiskfsExtractor) Extract(ctx context.Context, imagePath, destDir string) error {
	e.logger.Info("extracting image",
		slog.String("image", imagePath),
		slog.String("dest", destDir),
	)

	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("opening image %s: %w", imagePath, err)
	}

	fsys, err := d.GetFilesystem(0)
	if err != nil {
		return fmt.Errorf("reading filesystem of %s: %w", imagePath, err)
	}

	return e.extractDir(ctx, fsys, "/", destDir)
}

func (e *DiskfsExtractor) extractDir(ctx context.Context, fsys filesystem.FileSystem, dir, destDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading image directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		srcPath := path.Join(dir, entry.Name())
		dstPath := filepath.Join(destDir, entry.Name())

		if entry.IsDir() {
			if err := os.Mkdir(dstPath, 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", dstPath, err)
			}
			if err := e.extractDir(ctx, fsys, srcPath, dstPath); err != nil {
				return err
			}
			continue
		}

		if err := e.extractFile(fsys, srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

func (e *DiskfsExtractor) extractFile(fsys filesystem.FileSystem, srcPath, dstPath string) error {
	src, err := fsys.OpenFile(srcPath, os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("opening image file %s: %w", srcPath, err)
	}
	defer src.Close()

	// 0o644 rather than the image's read-only bits: the staged copy must
	// stay writable for WIM servicing to modify it.
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dstPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copying %s: %w", srcPath, err)
	}

	return dst.Close()
}
