package slipstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironbelly/slipstream/internal/config"
)

const bootWimInfo = `Deployment Image Servicing and Management tool
Version: 10.0.22621.1

Details for image : boot.wim

Index : 1
Name : Microsoft Windows PE (x64)
Description : Microsoft Windows PE (x64)

Index : 2
Name : Microsoft Windows Setup (x64)
Description : Microsoft Windows Setup (x64)

The operation completed successfully.
`

const installWimInfo = `Deployment Image Servicing and Management tool
Version: 10.0.22621.1

Details for image : install.wim

Index : 1
Name : Windows 11 Home
Description : Windows 11 Home

Index : 2
Name : Windows 11 Pro
Description : Windows 11 Pro

The operation completed successfully.
`

// fakeTools scripts the dism and oscdimg invocations of a build and records
// every call.
type fakeTools struct {
	calls [][]string

	bootInfo    string
	installInfo string

	// failAddDriver holds 1-based /Add-Driver invocation ordinals to fail.
	failAddDriver  map[int]bool
	failOscdimg    bool
	addDriverCalls int
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		bootInfo:      bootWimInfo,
		installInfo:   installWimInfo,
		failAddDriver: map[int]bool{},
	}
}

func (f *fakeTools) Name() string { return "fake" }

func (f *fakeTools) Execute(_ context.Context, stdout, stderr io.Writer, command string, args ...string) (int, error) {
	f.calls = append(f.calls, append([]string{command}, args...))

	if command == "oscdimg" {
		if f.failOscdimg {
			io.WriteString(stderr, "ERROR: boot image could not be opened\n")
			return 1, fmt.Errorf("command exited with code 1")
		}
		return 0, nil
	}

	switch f.verb(args) {
	case "/Get-WimInfo":
		if strings.HasSuffix(f.argValue(args, "/WimFile:"), "boot.wim") {
			io.WriteString(stdout, f.bootInfo)
		} else {
			io.WriteString(stdout, f.installInfo)
		}
	case "/Add-Driver":
		f.addDriverCalls++
		if f.failAddDriver[f.addDriverCalls] {
			io.WriteString(stderr, "Error: 0x80070002\n")
			return 2, fmt.Errorf("command exited with code 2")
		}
		io.WriteString(stdout, "Found 3 driver package(s) to install.\n")
	}
	return 0, nil
}

func (f *fakeTools) verb(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "/Get-") || strings.HasPrefix(a, "/Mount-") ||
			strings.HasPrefix(a, "/Unmount-") || a == "/Add-Driver" {
			return a
		}
	}
	return ""
}

func (f *fakeTools) argValue(args []string, prefix string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

// verbs flattens the recorded calls to dism verbs and the oscdimg command
// name, in invocation order.
func (f *fakeTools) verbs() []string {
	var out []string
	for _, call := range f.calls {
		if call[0] == "oscdimg" {
			out = append(out, "oscdimg")
			continue
		}
		out = append(out, f.verb(call[1:]))
	}
	return out
}

// fakeExtractor stands in for ISO extraction by writing a fixed media tree.
type fakeExtractor struct {
	files map[string]string
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, _, destDir string) error {
	if f.err != nil {
		return f.err
	}
	for name, content := range f.files {
		p := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func mediaFiles() map[string]string {
	return map[string]string{
		"setup.exe":                     "setup",
		"boot/etfsboot.com":             "bios boot sector",
		"efi/microsoft/boot/efisys.bin": "uefi boot sector",
		"sources/boot.wim":              "bootwim",
		"sources/install.wim":           "installwim",
	}
}

func testConfig(scratchRoot string) *config.Config {
	return &config.Config{
		DismPath:       "dism",
		OscdimgPath:    "oscdimg",
		BootImage:      "sources/boot.wim",
		InstallImage:   "sources/install.wim",
		WinPESignature: "Microsoft Windows PE",
		BiosBootFile:   "boot/etfsboot.com",
		EfiBootFile:    "efi/microsoft/boot/efisys.bin",
		ScratchRoot:    scratchRoot,
		UDFVersion:     "102",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

type buildFixture struct {
	builder *Builder
	tools   *fakeTools
	req     Request
}

func newBuildFixture(t *testing.T) *buildFixture {
	t.Helper()

	dir := t.TempDir()

	isoPath := filepath.Join(dir, "source.iso")
	require.NoError(t, os.WriteFile(isoPath, []byte("iso"), 0o644))

	driverDir := filepath.Join(dir, "drivers", "storage")
	require.NoError(t, os.MkdirAll(driverDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(driverDir, "vioscsi.inf"), []byte("[Version]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(driverDir, "vioscsi.sys"), []byte("bin"), 0o644))

	tools := newFakeTools()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder := NewBuilder(
		testConfig(filepath.Join(dir, "scratch-root")),
		tools,
		&fakeExtractor{files: mediaFiles()},
		log,
	)

	return &buildFixture{
		builder: builder,
		tools:   tools,
		req: Request{
			ISOPath:    isoPath,
			DriverDir:  filepath.Join(dir, "drivers"),
			OutputPath: filepath.Join(dir, "out.iso"),
			ScratchDir: filepath.Join(dir, "scratch"),
		},
	}
}

func TestBuildHappyPath(t *testing.T) {
	fx := newBuildFixture(t)

	require.NoError(t, fx.builder.Build(context.Background(), fx.req))

	assert.Equal(t, []string{
		"/Get-WimInfo",
		"/Mount-Wim", "/Add-Driver", "/Unmount-Wim",
		"/Get-WimInfo",
		"/Mount-Wim", "/Add-Driver", "/Unmount-Wim",
		"/Mount-Wim", "/Add-Driver", "/Unmount-Wim",
		"oscdimg",
	}, fx.tools.verbs())

	// The WinPE image (index 1), not the Setup image, is serviced in the
	// boot WIM.
	firstMount := fx.tools.calls[1]
	assert.Contains(t, firstMount, "/Index:1")
	assert.True(t, strings.HasSuffix(fx.tools.argValue(firstMount[1:], "/WimFile:"), filepath.FromSlash("sources/boot.wim")))

	// Every unmount on the happy path commits.
	for _, call := range fx.tools.calls {
		if fx.tools.verb(call[1:]) == "/Unmount-Wim" {
			assert.Equal(t, "/Commit", call[len(call)-1])
		}
	}

	// Scratch tree is gone after the run.
	assert.NoDirExists(t, fx.req.ScratchDir)
}

func TestBuildOscdimgArguments(t *testing.T) {
	fx := newBuildFixture(t)

	require.NoError(t, fx.builder.Build(context.Background(), fx.req))

	last := fx.tools.calls[len(fx.tools.calls)-1]
	require.Equal(t, "oscdimg", last[0])

	args := last[1:]
	assert.Contains(t, args, "-m")
	assert.Contains(t, args, "-o")
	assert.Contains(t, args, "-u2")
	assert.Contains(t, args, "-udfver102")

	mediaDir := filepath.Join(fx.req.ScratchDir, "media")
	assert.Contains(t, args, "-yo"+filepath.Join(fx.req.ScratchDir, "bootorder.txt"))
	assert.Contains(t, args, fmt.Sprintf("-bootdata:2#p0,e,b%s#pEF,e,b%s",
		filepath.Join(mediaDir, filepath.FromSlash("boot/etfsboot.com")),
		filepath.Join(mediaDir, filepath.FromSlash("efi/microsoft/boot/efisys.bin")),
	))
	assert.Equal(t, mediaDir, args[len(args)-2])
	assert.Equal(t, fx.req.OutputPath, args[len(args)-1])
}

func TestBuildMissingInputImage(t *testing.T) {
	fx := newBuildFixture(t)
	fx.req.ISOPath = filepath.Join(t.TempDir(), "missing.iso")

	err := fx.builder.Build(context.Background(), fx.req)
	require.ErrorIs(t, err, ErrInputImageMissing)

	assert.Empty(t, fx.tools.calls, "no external tool runs before preflight passes")
	assert.NoDirExists(t, fx.req.ScratchDir)
}

func TestBuildOutputPathIsDirectory(t *testing.T) {
	fx := newBuildFixture(t)
	fx.req.OutputPath = t.TempDir()

	err := fx.builder.Build(context.Background(), fx.req)
	require.ErrorIs(t, err, ErrOutputIsDirectory)

	assert.DirExists(t, fx.req.OutputPath, "existing directory must not be deleted")
	assert.Empty(t, fx.tools.calls)
}

func TestBuildOverwritesExistingOutputFile(t *testing.T) {
	fx := newBuildFixture(t)
	require.NoError(t, os.WriteFile(fx.req.OutputPath, []byte("stale image"), 0o644))

	require.NoError(t, fx.builder.Build(context.Background(), fx.req))

	// The stale file was removed; the fake authoring tool writes nothing.
	assert.NoFileExists(t, fx.req.OutputPath)
}

func TestBuildMissingDriverDirectory(t *testing.T) {
	fx := newBuildFixture(t)
	fx.req.DriverDir = filepath.Join(t.TempDir(), "missing-drivers")

	err := fx.builder.Build(context.Background(), fx.req)
	require.ErrorIs(t, err, ErrDriverDirMissing)
	assert.Empty(t, fx.tools.calls)
}

func TestBuildScratchDirectoryExists(t *testing.T) {
	fx := newBuildFixture(t)
	require.NoError(t, os.MkdirAll(fx.req.ScratchDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.req.ScratchDir, "unrelated.txt"), []byte("keep"), 0o644))

	err := fx.builder.Build(context.Background(), fx.req)
	require.ErrorIs(t, err, ErrScratchExists)

	assert.Empty(t, fx.tools.calls, "nothing is mounted when the scratch check fails")
	assert.FileExists(t, filepath.Join(fx.req.ScratchDir, "unrelated.txt"))
}

func TestBuildScratchRemovedOnAuthoringFailure(t *testing.T) {
	fx := newBuildFixture(t)
	fx.tools.failOscdimg = true

	err := fx.builder.Build(context.Background(), fx.req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oscdimg failed")

	assert.NoDirExists(t, fx.req.ScratchDir, "cleanup runs even when authoring fails")
}

func TestBuildWinPESignatureNotMatched(t *testing.T) {
	fx := newBuildFixture(t)
	fx.tools.bootInfo = strings.ReplaceAll(bootWimInfo, "Microsoft Windows PE (x64)", "Microsoft Windows Recovery (x64)")

	err := fx.builder.Build(context.Background(), fx.req)
	require.ErrorIs(t, err, ErrWinPEImage)

	assert.NotContains(t, fx.tools.verbs(), "/Mount-Wim", "no mount before the signature check passes")
	assert.NoDirExists(t, fx.req.ScratchDir)
}

func TestBuildWinPESignatureAmbiguous(t *testing.T) {
	fx := newBuildFixture(t)
	fx.tools.bootInfo = strings.ReplaceAll(bootWimInfo, "Microsoft Windows Setup (x64)", "Microsoft Windows PE (arm64)")

	err := fx.builder.Build(context.Background(), fx.req)
	require.ErrorIs(t, err, ErrWinPEImage)
	assert.NotContains(t, fx.tools.verbs(), "/Mount-Wim")
}

func TestBuildBootInjectionFailureDiscardsMount(t *testing.T) {
	fx := newBuildFixture(t)
	fx.tools.failAddDriver[1] = true

	err := fx.builder.Build(context.Background(), fx.req)
	require.Error(t, err)

	assert.Equal(t, []string{
		"/Get-WimInfo", "/Mount-Wim", "/Add-Driver", "/Unmount-Wim",
	}, fx.tools.verbs())

	last := fx.tools.calls[len(fx.tools.calls)-1]
	assert.Equal(t, "/Discard", last[len(last)-1], "failed injection discards the mount")
	assert.NoDirExists(t, fx.req.ScratchDir)
}

func TestBuildEditionFailureDoesNotSkipRemaining(t *testing.T) {
	fx := newBuildFixture(t)
	// Call 1 services the boot WIM; calls 2 and 3 are the two editions.
	fx.tools.failAddDriver[2] = true

	err := fx.builder.Build(context.Background(), fx.req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edition 1 (Windows 11 Home)")

	assert.Equal(t, 3, fx.tools.addDriverCalls, "remaining editions are still attempted")
	assert.NotContains(t, fx.tools.verbs(), "oscdimg", "a failed injection fails the build before authoring")

	// The failed edition's mount is discarded, the others commit.
	var dispositions []string
	for _, call := range fx.tools.calls {
		if fx.tools.verb(call[1:]) == "/Unmount-Wim" {
			dispositions = append(dispositions, call[len(call)-1])
		}
	}
	assert.Equal(t, []string{"/Commit", "/Discard", "/Commit"}, dispositions)

	assert.NoDirExists(t, fx.req.ScratchDir)
}

func TestBuildDefaultScratchUnderScratchRoot(t *testing.T) {
	fx := newBuildFixture(t)
	scratchRoot := fx.builder.cfg.ScratchRoot
	require.NoError(t, os.MkdirAll(scratchRoot, 0o755))
	fx.req.ScratchDir = ""

	require.NoError(t, fx.builder.Build(context.Background(), fx.req))

	entries, err := os.ReadDir(scratchRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-run scratch directory is removed")
}

func TestCountDriverPackages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net", "e1000.INF"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net", "e1000.sys"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vioscsi.inf"), []byte("x"), 0o644))

	count, err := countDriverPackages(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
