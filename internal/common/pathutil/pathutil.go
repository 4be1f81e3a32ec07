// Package pathutil provides working-directory normalization and comparison.
//
// Canonical form is "absolute, no trailing separator". Comparison is
// case-insensitive on Windows-style hosts and byte-exact elsewhere.
package pathutil

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Normalize resolves cwd to its canonical form: absolute, cleaned, no
// trailing separator.
func Normalize(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return "", fmt.Errorf("cwd is empty")
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve cwd: %w", err)
	}
	abs = filepath.Clean(abs)
	// Clean never leaves a trailing separator except for the root itself.
	return abs, nil
}

// Equal reports whether two canonical paths refer to the same directory.
func Equal(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
