// Package slipstream orchestrates the media rebuild: validate inputs,
// extract the source ISO into a scratch tree, inject drivers into the boot
// and installation WIMs with DISM, and author the output image with oscdimg.
package slipstream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ironbelly/slipstream/internal/config"
	"github.com/ironbelly/slipstream/internal/staging"
	"github.com/ironbelly/slipstream/pkg/executor"
	"github.com/ironbelly/slipstream/pkg/executor/dism"
	"github.com/ironbelly/slipstream/pkg/executor/oscdimg"
)

// Wrapped sentinel errors for the preflight checks, so callers and tests can
// distinguish violations with errors.Is.
var (
	ErrInputImageMissing = errors.New("input image not found")
	ErrOutputIsDirectory = errors.New("output path is a directory")
	ErrDriverDirMissing  = errors.New("driver directory not found")
	ErrScratchExists     = errors.New("scratch directory already exists")
	ErrWinPEImage        = errors.New("boot image must contain exactly one WinPE image")
)

// Request names the inputs of one build.
type Request struct {
	ISOPath     string
	DriverDir   string
	OutputPath  string
	ScratchDir  string // optional; defaults to a fresh directory under the configured scratch root
	VolumeLabel string // optional
}

type Builder struct {
	cfg       *config.Config
	exec      executor.Executor
	dism      *dism.Client
	extractor staging.Extractor
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewBuilder(cfg *config.Config, exec executor.Executor, extractor staging.Extractor, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:       cfg,
		exec:      exec,
		dism:      dism.NewClient(exec, cfg.DismPath),
		extractor: extractor,
		logger:    logger.With(slog.String("component", "builder")),
		tracer:    otel.Tracer("slipstream"),
	}
}

// Build runs the whole workflow. The scratch tree is removed on every exit
// path once it has been created; the returned error reflects the build
// outcome independently of cleanup.
func (b *Builder) Build(ctx context.Context, req Request) error {
	ctx, span := b.tracer.Start(ctx, "build")
	defer span.End()

	if req.ScratchDir == "" {
		req.ScratchDir = filepath.Join(b.cfg.ScratchRoot, "slipstream-"+uuid.NewString())
	}

	if err := b.preflight(req); err != nil {
		return err
	}

	tree, err := staging.Create(req.ScratchDir)
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := tree.Remove(); rmErr != nil {
			b.logger.Warn("failed to remove scratch directory",
				slog.String("path", tree.Root()),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := b.extractor.Extract(ctx, req.ISOPath, tree.MediaDir()); err != nil {
		return fmt.Errorf("extracting %s: %w", req.ISOPath, err)
	}

	if err := b.injectBootImage(ctx, tree, req.DriverDir); err != nil {
		return err
	}

	if err := b.injectInstallImages(ctx, tree, req.DriverDir); err != nil {
		return err
	}

	count, err := staging.WriteBootOrder(tree.MediaDir(), tree.BootOrderPath())
	if err != nil {
		return err
	}
	b.logger.Info("boot-order manifest written",
		slog.String("path", tree.BootOrderPath()),
		slog.Int("files", count),
	)

	return b.author(ctx, tree, req)
}

// preflight validates the request, in order: input image, output path,
// driver directory, scratch directory. An output path that is a plain file
// is deleted to allow overwrite; a directory is refused.
func (b *Builder) preflight(req Request) error {
	info, err := os.Stat(req.ISOPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrInputImageMissing, req.ISOPath)
	} else if err != nil {
		return fmt.Errorf("cannot access input image %s: %w", req.ISOPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInputImageMissing, req.ISOPath)
	}

	if info, err := os.Stat(req.OutputPath); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%w: %s", ErrOutputIsDirectory, req.OutputPath)
		}
		b.logger.Info("removing existing output image", slog.String("path", req.OutputPath))
		if err := os.Remove(req.OutputPath); err != nil {
			return fmt.Errorf("removing existing output %s: %w", req.OutputPath, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot access output path %s: %w", req.OutputPath, err)
	}

	if info, err := os.Stat(req.DriverDir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrDriverDirMissing, req.DriverDir)
	} else if err != nil {
		return fmt.Errorf("cannot access driver directory %s: %w", req.DriverDir, err)
	} else if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDriverDirMissing, req.DriverDir)
	}

	packages, err := countDriverPackages(req.DriverDir)
	if err != nil {
		return fmt.Errorf("scanning driver directory %s: %w", req.DriverDir, err)
	}
	if packages == 0 {
		b.logger.Warn("no .inf driver packages found", slog.String("path", req.DriverDir))
	} else {
		b.logger.Info("driver packages found",
			slog.String("path", req.DriverDir),
			slog.Int("count", packages),
		)
	}

	if _, err := os.Stat(req.ScratchDir); err == nil {
		return fmt.Errorf("%w: %s", ErrScratchExists, req.ScratchDir)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot access scratch directory %s: %w", req.ScratchDir, err)
	}

	return nil
}

// injectBootImage services the single WinPE image inside the boot WIM. Zero
// or multiple matches for the configured signature fail the build before
// anything is mounted.
func (b *Builder) injectBootImage(ctx context.Context, tree *staging.Tree, driverDir string) error {
	ctx, span := b.tracer.Start(ctx, "inject-boot-image")
	defer span.End()

	wimPath := filepath.Join(tree.MediaDir(), filepath.FromSlash(b.cfg.BootImage))

	images, err := b.dism.ImageInfo(ctx, wimPath)
	if err != nil {
		return err
	}

	var matches []dism.ImageInfo
	for _, img := range images {
		if strings.Contains(strings.ToLower(img.Name), strings.ToLower(b.cfg.WinPESignature)) {
			matches = append(matches, img)
		}
	}
	if len(matches) != 1 {
		return fmt.Errorf("%w: signature %q matched %d of %d images in %s",
			ErrWinPEImage, b.cfg.WinPESignature, len(matches), len(images), wimPath)
	}

	return b.injectImage(ctx, wimPath, matches[0], tree.WimMountDir(), driverDir)
}

// injectInstallImages services every edition of the installation WIM, in the
// order DISM reports them. A failed edition is recorded and the remaining
// editions are still attempted; the joined error fails the build afterwards.
func (b *Builder) injectInstallImages(ctx context.Context, tree *staging.Tree, driverDir string) error {
	ctx, span := b.tracer.Start(ctx, "inject-install-images")
	defer span.End()

	wimPath := filepath.Join(tree.MediaDir(), filepath.FromSlash(b.cfg.InstallImage))

	images, err := b.dism.ImageInfo(ctx, wimPath)
	if err != nil {
		return err
	}
	b.logger.Info("injecting drivers into installation editions",
		slog.String("wim", wimPath),
		slog.Int("editions", len(images)),
	)

	var errs []error
	for _, img := range images {
		if err := b.injectImage(ctx, wimPath, img, tree.WimMountDir(), driverDir); err != nil {
			b.logger.Error("driver injection failed for edition",
				slog.Int("index", img.Index),
				slog.String("name", img.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("edition %d (%s): %w", img.Index, img.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}

	return errors.Join(errs...)
}

// injectImage mounts one WIM image, injects the full driver set and unmounts
// with commit. The mount is always paired with an unmount: on injection
// failure the image is unmounted with discard before the error returns.
func (b *Builder) injectImage(ctx context.Context, wimPath string, img dism.ImageInfo, mountDir, driverDir string) error {
	log := b.logger.With(
		slog.String("wim", wimPath),
		slog.Int("index", img.Index),
		slog.String("name", img.Name),
	)

	log.Info("mounting image")
	if err := b.dism.Mount(ctx, wimPath, img.Index, mountDir); err != nil {
		return err
	}

	count, injectErr := b.dism.AddDrivers(ctx, mountDir, driverDir)
	if injectErr != nil {
		// The discard must run even when ctx is already canceled, or the
		// mount would leak.
		if unmountErr := b.dism.Unmount(context.WithoutCancel(ctx), mountDir, false); unmountErr != nil {
			log.Error("failed to discard image mount", slog.String("error", unmountErr.Error()))
			return errors.Join(injectErr, unmountErr)
		}
		return injectErr
	}

	log.Info("drivers injected", slog.Int("count", count))
	return b.dism.Unmount(ctx, mountDir, true)
}

func (b *Builder) author(ctx context.Context, tree *staging.Tree, req Request) error {
	ctx, span := b.tracer.Start(ctx, "author-image")
	defer span.End()

	opts := oscdimg.Options{
		SourceDir:     tree.MediaDir(),
		OutputPath:    req.OutputPath,
		BootOrderFile: tree.BootOrderPath(),
		BiosBootImage: filepath.Join(tree.MediaDir(), filepath.FromSlash(b.cfg.BiosBootFile)),
		EfiBootImage:  filepath.Join(tree.MediaDir(), filepath.FromSlash(b.cfg.EfiBootFile)),
		VolumeLabel:   req.VolumeLabel,
		UDFVersion:    b.cfg.UDFVersion,
	}

	b.logger.Info("authoring output image", slog.String("output", req.OutputPath))
	if err := oscdimg.Author(ctx, b.exec, b.cfg.OscdimgPath, opts); err != nil {
		return err
	}
	b.logger.Info("output image written", slog.String("output", req.OutputPath))

	return nil
}

// countDriverPackages counts the .inf files under dir recursively. The count
// is informational; the full directory is handed to DISM either way.
func countDriverPackages(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".inf") {
			count++
		}
		return nil
	})
	return count, err
}
