// Package oscdimg wraps the oscdimg ISO mastering tool.
package oscdimg

import (
	"context"
	"fmt"

	"github.com/ironbelly/slipstream/pkg/executor"
)

type Options struct {
	// SourceDir is the directory tree to author into the image.
	SourceDir string
	// OutputPath is the destination image file.
	OutputPath string
	// BootOrderFile lists, one per line, the files to place at the start of
	// the medium. Required above oscdimg's size threshold so boot-critical
	// sectors stay within medium addressing limits.
	BootOrderFile string
	// BiosBootImage is the El Torito boot sector for legacy BIOS firmware
	// (etfsboot.com), placed at catalog slot 0.
	BiosBootImage string
	// EfiBootImage is the UEFI boot sector (efisys.bin), placed at catalog
	// slot EF.
	EfiBootImage string
	// VolumeLabel is optional; oscdimg derives one when empty.
	VolumeLabel string
	// UDFVersion selects the -udfver flag, e.g. "102" for UDF 1.02.
	UDFVersion string
}

// Args builds the oscdimg argument list for opts:
// -m lifts the default maximum image size, -o enables MD5-based duplicate
// file optimization, -u2 selects a single UDF filesystem instead of the
// hybrid ISO9660+Joliet+UDF default, and -bootdata:2 embeds the dual
// BIOS/UEFI boot catalog.
func Args(opts Options) []string {
	udfver := opts.UDFVersion
	if udfver == "" {
		udfver = "102"
	}

	args := []string{
		"-m",
		"-o",
		"-u2",
		"-udfver" + udfver,
		"-yo" + opts.BootOrderFile,
	}
	if opts.VolumeLabel != "" {
		args = append(args, "-l"+opts.VolumeLabel)
	}
	args = append(args,
		fmt.Sprintf("-bootdata:2#p0,e,b%s#pEF,e,b%s", opts.BiosBootImage, opts.EfiBootImage),
		opts.SourceDir,
		opts.OutputPath,
	)
	return args
}

// Author writes the image described by opts. A non-zero exit from oscdimg is
// returned as an error; the caller decides the run's exit status from it.
func Author(ctx context.Context, exec executor.Executor, path string, opts Options) error {
	if path == "" {
		path = "oscdimg"
	}

	result, err := executor.RunAndCapture(ctx, exec, path, Args(opts)...)
	if err != nil {
		return fmt.Errorf("oscdimg failed: %w\nstdout: %s\nstderr: %s",
			err, result.Stdout, result.Stderr)
	}

	return nil
}
