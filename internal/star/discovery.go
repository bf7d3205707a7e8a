// Package star implements the Starlark test-declaration surface: file
// discovery, the describe-pass loader that turns a test file into a
// model.FileSuite, and the built-in assert/fixture conveniences tests
// can rely on. None of this is the scheduling core; it is the
// "test-file language transform" spec.md §1 names as an external
// collaborator, implemented with go.starlark.net the way the rest of
// this repository's tooling (skyfmt, skylint, skyls) already consumes
// Starlark source.
package star

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultTestPatterns are the default file patterns for test discovery.
var DefaultTestPatterns = []string{
	"*_test.star",
	"test_*.star",
}

// DiscoverFiles finds test files matching patterns under dir.
func DiscoverFiles(dir string, patterns []string, recursive bool) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}

	var files []string
	seen := make(map[string]bool)

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		base := filepath.Base(path)
		for _, pattern := range patterns {
			matched, err := filepath.Match(pattern, base)
			if err != nil {
				return err
			}
			if matched && !seen[path] {
				files = append(files, path)
				seen[path] = true
				break
			}
		}
		return nil
	}

	if err := filepath.Walk(dir, walkFn); err != nil {
		return nil, err
	}
	return files, nil
}

// ClassifyPath determines how to process a path argument: "file",
// "dir", or "glob".
func ClassifyPath(path string) string {
	if strings.ContainsAny(path, "*?[") {
		return "glob"
	}
	info, err := os.Stat(path)
	if err != nil {
		return "file"
	}
	if info.IsDir() {
		return "dir"
	}
	return "file"
}

// ExpandPaths expands paths (files, directories, globs) into a
// deduplicated, order-preserving list of test file paths. This is the
// path-resolution half of discovery the planner's caller runs once
// before the dispatcher starts.
func ExpandPaths(paths []string, patterns []string, recursive bool) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}

	var result []string
	seen := make(map[string]bool)

	for _, path := range paths {
		switch ClassifyPath(path) {
		case "glob":
			matches, err := filepath.Glob(path)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				if !seen[m] {
					result = append(result, m)
					seen[m] = true
				}
			}
		case "dir":
			files, err := DiscoverFiles(path, patterns, recursive)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !seen[f] {
					result = append(result, f)
					seen[f] = true
				}
			}
		default:
			if !seen[path] {
				result = append(result, path)
				seen[path] = true
			}
		}
	}

	return result, nil
}
