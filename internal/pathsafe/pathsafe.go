// Package pathsafe canonicalizes filesystem paths and verifies containment
// under allowed roots. It is the single place path-traversal checks live.
package pathsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonical returns the absolute, cleaned form of path with symlinks
// resolved where possible. If the path does not exist yet, symlink
// resolution is applied to the deepest existing ancestor.
func Canonical(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Resolve the longest existing prefix and re-join the remainder.
	dir, rest := abs, ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
	}
	return abs, nil
}

// Contained reports whether path is root or lies underneath root. Both are
// canonicalized before comparison.
func Contained(root, path string) (bool, error) {
	canonRoot, err := Canonical(root)
	if err != nil {
		return false, fmt.Errorf("canonicalize root: %w", err)
	}
	canonPath, err := Canonical(path)
	if err != nil {
		return false, fmt.Errorf("canonicalize path: %w", err)
	}
	rel, err := filepath.Rel(canonRoot, canonPath)
	if err != nil {
		return false, nil
	}
	if rel == "." {
		return true, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// ContainedAny reports whether path is contained under at least one of roots.
func ContainedAny(roots []string, path string) (bool, error) {
	for _, root := range roots {
		ok, err := Contained(root, path)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ValidateCommand rejects command paths with traversal segments after
// cleaning. Bare command names (resolved via PATH) are allowed.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("command is empty")
	}
	cleaned := filepath.Clean(command)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("command contains path traversal: %q", command)
	}
	return nil
}
