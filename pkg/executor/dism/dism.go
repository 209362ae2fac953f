// Package dism wraps the DISM command-line tool for WIM image servicing:
// listing the images contained in a WIM file, mounting one of them, injecting
// driver packages and unmounting with commit or discard.
package dism

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ironbelly/slipstream/pkg/executor"
)

// ImageInfo describes one image contained in a WIM file, as reported by
// dism /Get-WimInfo.
type ImageInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Client struct {
	exec executor.Executor
	path string
}

// NewClient returns a Client that invokes the DISM binary at path through
// exec. An empty path falls back to "dism" on the invocation PATH.
func NewClient(exec executor.Executor, path string) *Client {
	if path == "" {
		path = "dism"
	}
	return &Client{exec: exec, path: path}
}

// ImageInfo lists every image contained in wimFile, in the order DISM
// reports them.
func (c *Client) ImageInfo(ctx context.Context, wimFile string) ([]ImageInfo, error) {
	result, err := executor.RunAndCapture(ctx, c.exec, c.path,
		"/English",
		"/Get-WimInfo",
		"/WimFile:"+wimFile,
	)
	if err != nil {
		return nil, fmt.Errorf("dism /Get-WimInfo failed for %s: %w\nstderr: %s",
			wimFile, err, result.Stderr)
	}

	images, err := parseImageInfo(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("parsing /Get-WimInfo output for %s: %w", wimFile, err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images reported in %s", wimFile)
	}

	return images, nil
}

// Mount mounts the image at index inside wimFile read-write at mountDir.
func (c *Client) Mount(ctx context.Context, wimFile string, index int, mountDir string) error {
	result, err := executor.RunAndCapture(ctx, c.exec, c.path,
		"/English",
		"/Mount-Wim",
		"/WimFile:"+wimFile,
		fmt.Sprintf("/Index:%d", index),
		"/MountDir:"+mountDir,
	)
	if err != nil {
		return fmt.Errorf("dism /Mount-Wim failed for %s index %d: %w\nstderr: %s",
			wimFile, index, err, result.Stderr)
	}
	return nil
}

var foundDriversRe = regexp.MustCompile(`Found (\d+) driver package`)

// AddDrivers injects every driver package found recursively under driverDir
// into the image mounted at mountDir. It returns the package count DISM
// reported, or 0 when the count could not be recovered from the tool output.
func (c *Client) AddDrivers(ctx context.Context, mountDir, driverDir string) (int, error) {
	result, err := executor.RunAndCapture(ctx, c.exec, c.path,
		"/English",
		"/Image:"+mountDir,
		"/Add-Driver",
		"/Driver:"+driverDir,
		"/Recurse",
	)
	if err != nil {
		return 0, fmt.Errorf("dism /Add-Driver failed for image %s: %w\nstderr: %s",
			mountDir, err, result.Stderr)
	}

	if m := foundDriversRe.FindStringSubmatch(result.Stdout); m != nil {
		count, err := strconv.Atoi(m[1])
		if err == nil {
			return count, nil
		}
	}
	return 0, nil
}

// Unmount unmounts the image mounted at mountDir, committing changes when
// commit is true and discarding them otherwise.
func (c *Client) Unmount(ctx context.Context, mountDir string, commit bool) error {
	disposition := "/Discard"
	if commit {
		disposition = "/Commit"
	}

	result, err := executor.RunAndCapture(ctx, c.exec, c.path,
		"/English",
		"/Unmount-Wim",
		"/MountDir:"+mountDir,
		disposition,
	)
	if err != nil {
		return fmt.Errorf("dism /Unmount-Wim %s failed for %s: %w\nstderr: %s",
			disposition, mountDir, err, result.Stderr)
	}
	return nil
}

// parseImageInfo extracts the image stanzas from /Get-WimInfo output. Each
// stanza starts with an "Index : N" line followed by Name and Description.
func parseImageInfo(out string) ([]ImageInfo, error) {
	var images []ImageInfo

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Index":
			index, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("malformed index line %q: %w", strings.TrimSpace(sc.Text()), err)
			}
			images = append(images, ImageInfo{Index: index})
		case "Name":
			if len(images) > 0 && images[len(images)-1].Name == "" {
				images[len(images)-1].Name = value
			}
		case "Description":
			if len(images) > 0 && images[len(images)-1].Description == "" {
				images[len(images)-1].Description = value
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return images, nil
}
