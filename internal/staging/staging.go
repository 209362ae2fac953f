// Package staging manages the scratch tree a build works in: the extracted
// copy of the source image, the WIM mount point and the boot-order manifest.
// The whole tree is created at build start and removed unconditionally at
// build end.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	mediaSubdir    = "media"
	wimMountSubdir = "wim-mount"
	bootOrderName  = "bootorder.txt"
)

type Tree struct {
	root string
}

// Create makes the scratch tree at root. The path must not already exist;
// refusing a pre-existing directory avoids clobbering unrelated data or a
// stale tree left by a prior failed run.
func Create(root string) (*Tree, error) {
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("scratch directory already exists: %s", root)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot access scratch directory %s: %w", root, err)
	}

	for _, dir := range []string{
		root,
		filepath.Join(root, mediaSubdir),
		filepath.Join(root, wimMountSubdir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("creating scratch directory %s: %w", dir, err)
		}
	}

	return &Tree{root: root}, nil
}

func (t *Tree) Root() string {
	return t.root
}

// MediaDir holds the extracted, writable copy of the source image's tree and
// is the source directory for authoring the output image.
func (t *Tree) MediaDir() string {
	return filepath.Join(t.root, mediaSubdir)
}

// WimMountDir is the mount point used for WIM servicing. One image is
// mounted at a time.
func (t *Tree) WimMountDir() string {
	return filepath.Join(t.root, wimMountSubdir)
}

// BootOrderPath is where the boot-order manifest is written. It lives next
// to the media tree, not inside it, so it is not authored into the image.
func (t *Tree) BootOrderPath() string {
	return filepath.Join(t.root, bootOrderName)
}

// Remove deletes the whole scratch tree, manifest included.
func (t *Tree) Remove() error {
	return os.RemoveAll(t.root)
}
