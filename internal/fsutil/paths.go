package fsutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a path resolves outside its directory.
var ErrPathEscapes = errors.New("path escapes directory")

// WithinDir checks that name, after cleaning, stays inside dir. The check
// is lexical so it applies to every FileSystem, including in-memory ones.
func WithinDir(name, dir string) error {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(name))
	if err != nil {
		return fmt.Errorf("%w: %s is not below %s", ErrPathEscapes, name, dir)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s leaves %s", ErrPathEscapes, name, dir)
	}
	return nil
}
