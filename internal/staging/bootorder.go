package staging

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Oscdimg reads -yo entries as Windows-style relative paths with CRLF line
// endings regardless of where the manifest was produced.
const bootOrderLineEnding = "\r\n"

// WriteBootOrder writes the boot-order manifest for the tree rooted at
// treeRoot to manifestPath: one line per regular file, path relative to
// treeRoot with no leading separator, directories excluded. It returns the
// number of entries written. Paths are computed with filepath.Rel against
// the explicit root; the process working directory is never touched.
func WriteBootOrder(treeRoot, manifestPath string) (int, error) {
	f, err := os.Create(manifestPath)
	if err != nil {
		return 0, fmt.Errorf("creating boot-order manifest %s: %w", manifestPath, err)
	}

	w := bufio.NewWriter(f)
	count := 0

	walkErr := filepath.WalkDir(treeRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(treeRoot, p)
		if err != nil {
			return err
		}
		if _, err := w.WriteString(toMediumPath(rel) + bootOrderLineEnding); err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		f.Close()
		return 0, fmt.Errorf("enumerating %s: %w", treeRoot, walkErr)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("writing boot-order manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("writing boot-order manifest: %w", err)
	}

	return count, nil
}

// toMediumPath rewrites a host-relative path with the backslash separators
// oscdimg expects.
func toMediumPath(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`)
}
