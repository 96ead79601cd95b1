package utils

import (
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultCaseInsensitive reports whether the host filesystem is usually case-insensitive
func DefaultCaseInsensitive() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// NormalizePath returns a clean absolute form of path suitable for use as a map key.
// When foldCase is set each rune is upper-cased on its own, the way NTFS and APFS
// compare names, so "ß" and "ss" stay distinct.
func NormalizePath(path string, foldCase bool) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	path = filepath.Clean(path)
	if foldCase {
		path = strings.ToUpper(path)
	}

	return path
}

// SplitPathList splits an INCLUDE-style list, dropping empty elements
func SplitPathList(list string, sep rune) []string {
	var out []string

	for _, p := range strings.Split(list, string(sep)) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}
