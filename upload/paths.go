package upload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// FileCollector expands path patterns into the list of files to upload,
// one independent session per file.
type FileCollector struct {
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewFileCollector ...
func NewFileCollector(pathModifier pathutil.PathModifier, logger log.Logger) *FileCollector {
	return &FileCollector{
		pathModifier: pathModifier,
		logger:       logger,
	}
}

// Collect expands wildcard patterns (including doublestar patterns such as
// `**/*.ipa`) and returns the sorted list of matching regular files.
// Patterns that match nothing are logged as warnings and skipped.
func (c *FileCollector) Collect(patterns []string) ([]string, error) {
	var expandedPaths []string
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			expandedPaths = append(expandedPaths, pattern)
			continue
		}

		base, glob := doublestar.SplitPattern(pattern)
		absBase, err := c.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow())
		if matches == nil {
			c.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}
		if err != nil {
			c.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	var files []string
	for _, path := range expandedPaths {
		absPath, err := c.pathModifier.AbsPath(path)
		if err != nil {
			c.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil {
			c.logger.Warnf("Upload path doesn't exist: %s", path)
			continue
		}
		if info.IsDir() {
			continue
		}
		files = append(files, absPath)
	}

	sort.Strings(files)
	return files, nil
}
