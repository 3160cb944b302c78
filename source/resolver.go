// Package source turns command line arguments into local files ready to be queued for upload.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/copperc/uploader/compression"
	"github.com/melbahja/got"
	"github.com/samber/lo"
)

// Compressor packs a directory into a single archive file.
type Compressor interface {
	Compress(archivePath, dir string) error
}

// Resolver expands paths, globs, directories and URLs to local file paths.
// Directories and URLs produce temporary files that are removed by Cleanup.
type Resolver struct {
	logger       log.Logger
	compressor   Compressor
	client       *http.Client
	pathChecker  pathutil.PathChecker
	pathModifier pathutil.PathModifier
	pathProvider pathutil.PathProvider

	tempDirs []string
}

// NewResolver creates a Resolver. URLs are downloaded with client.
func NewResolver(logger log.Logger, compressor Compressor, client *http.Client) *Resolver {
	return &Resolver{
		logger:       logger,
		compressor:   compressor,
		client:       client,
		pathChecker:  pathutil.NewPathChecker(),
		pathModifier: pathutil.NewPathModifier(),
		pathProvider: pathutil.NewPathProvider(),
	}
}

// Resolve returns the absolute paths of the files to upload, in input order, without duplicates.
// A glob without matches is skipped with a warning, a missing plain path is an error.
func (r *Resolver) Resolve(ctx context.Context, inputs []string) ([]string, error) {
	var paths []string
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if isURL(input) {
			path, err := r.download(ctx, input)
			if err != nil {
				return nil, err
			}
			paths = append(paths, path)
			continue
		}

		candidates, err := r.expand(input)
		if err != nil {
			return nil, err
		}
		for _, candidate := range candidates {
			path, ok, err := r.local(candidate)
			if err != nil {
				return nil, err
			}
			if ok {
				paths = append(paths, path)
			}
		}
	}

	return lo.Uniq(paths), nil
}

// Cleanup removes the archives and downloads created by Resolve.
func (r *Resolver) Cleanup() {
	for _, dir := range r.tempDirs {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warnf("Failed to remove temporary directory %s: %s", dir, err)
		}
	}
	r.tempDirs = nil
}

func (r *Resolver) expand(input string) ([]string, error) {
	if !strings.ContainsAny(input, "*?[{") {
		return []string{input}, nil
	}

	base, pattern := doublestar.SplitPattern(input)
	absBase, err := r.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %s: %w", input, err)
	}
	if len(matches) == 0 {
		r.logger.Warnf("No match for path pattern: %s", input)
		return nil, nil
	}

	return lo.Map(matches, func(match string, _ int) string {
		return filepath.Join(absBase, match)
	}), nil
}

func (r *Resolver) local(path string) (string, bool, error) {
	absPath, err := r.pathModifier.AbsPath(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", path, err)
	}

	exists, err := r.pathChecker.IsPathExists(absPath)
	if err != nil {
		return "", false, fmt.Errorf("check %s: %w", absPath, err)
	}
	if !exists {
		return "", false, fmt.Errorf("%s doesn't exist", path)
	}

	isDir, err := r.pathChecker.IsDirExists(absPath)
	if err != nil {
		return "", false, fmt.Errorf("check %s: %w", absPath, err)
	}
	if !isDir {
		return absPath, true, nil
	}

	empty, err := compression.IsEmptyDir(absPath)
	if err != nil {
		return "", false, fmt.Errorf("read directory %s: %w", absPath, err)
	}
	if empty {
		r.logger.Warnf("Skipping empty directory: %s", path)
		return "", false, nil
	}

	archivePath, err := r.archive(absPath)
	if err != nil {
		return "", false, err
	}
	return archivePath, true, nil
}

func (r *Resolver) archive(dir string) (string, error) {
	tmpDir, err := r.tempDir("archive")
	if err != nil {
		return "", err
	}

	archivePath := filepath.Join(tmpDir, filepath.Base(dir)+compression.Extension)
	r.logger.Infof("Compressing %s", dir)
	if err := r.compressor.Compress(archivePath, dir); err != nil {
		return "", err
	}
	return archivePath, nil
}

func (r *Resolver) download(ctx context.Context, rawURL string) (string, error) {
	fileName, err := fileNameFromURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %s: %w", rawURL, err)
	}

	tmpDir, err := r.tempDir("download")
	if err != nil {
		return "", err
	}
	dest := filepath.Join(tmpDir, fileName)

	r.logger.Infof("Downloading %s", rawURL)
	downloader := got.New()
	downloader.Client = r.client
	if err := downloader.Do(got.NewDownload(ctx, rawURL, dest)); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	return dest, nil
}

func (r *Resolver) tempDir(purpose string) (string, error) {
	dir, err := r.pathProvider.CreateTempDir("uploader-" + purpose)
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	r.tempDirs = append(r.tempDirs, dir)
	return dir, nil
}

func isURL(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

func fileNameFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" {
		name = parsed.Hostname()
	}
	return name, nil
}
