// Package compression packs directories into a single zstd compressed tar archive so they can be
// uploaded as one file.
package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to the directory name to form the archive name.
const Extension = ".tar.zst"

// DependencyChecker reports whether the tar and zstd binaries can be used.
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks up tar and zstd on the PATH.
type BinaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	return c.lookup("tar") && c.lookup("zstd")
}

func (c *BinaryChecker) lookup(binaryName string) bool {
	cmd := command.NewFactory(c.envRepo).Create("which", []string{binaryName}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver ...
type Archiver struct {
	logger  log.Logger
	envRepo env.Repository
	checker DependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, checker DependencyChecker) *Archiver {
	return &Archiver{
		logger:  logger,
		envRepo: envRepo,
		checker: checker,
	}
}

// Compress writes the contents of dir to archivePath. Entry names are relative to dir.
func (a *Archiver) Compress(archivePath, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("compress %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("compress %s: not a directory", dir)
	}

	if !a.checker.CheckDependencies() {
		a.logger.Debugf("tar or zstd is missing, using the native zstd implementation")
		if err := a.compressWithGoLib(archivePath, dir); err != nil {
			return fmt.Errorf("compress %s: %w", dir, err)
		}
		return nil
	}

	if err := a.compressWithBinary(archivePath, dir); err != nil {
		return fmt.Errorf("compress %s: %w", dir, err)
	}
	return nil
}

func (a *Archiver) compressWithGoLib(archivePath, dir string) (err error) {
	archive, err := os.OpenFile(archivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := archive.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	zw, err := zstd.NewWriter(archive)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	root := filepath.Clean(dir)
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		return addEntry(tw, root, path, d)
	}); err != nil {
		return fmt.Errorf("iterate on files: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func addEntry(tw *tar.Writer, root, path string, d fs.DirEntry) error {
	fi, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	if fi.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return nil
}

func (a *Archiver) compressWithBinary(archivePath, dir string) error {
	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-c: Create archive
		-f: Output file
		-C: Archive the directory contents with relative names
	*/
	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0",
		"-c",
		"-f", archivePath,
		"-C", dir,
		".",
	}

	cmd := command.NewFactory(a.envRepo).Create("tar", tarArgs, nil)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

// IsEmptyDir reports whether path is a directory without any children.
func IsEmptyDir(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close() //nolint:errcheck

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
