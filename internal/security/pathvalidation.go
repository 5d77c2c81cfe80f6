// Package security guards artifact paths built from tile ids and year labels
// that arrive from the ledger or a directory scan.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateName rejects a file stem that is empty, contains a path separator
// or is a relative path element.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("file name %q contains a path separator", name)
	}
	return nil
}

// ValidatePathWithinDirectory reports an error when filePath, after
// cleaning, is not inside dir. The check is lexical so it applies to
// in-memory filesystems as well as the OS one.
func ValidatePathWithinDirectory(filePath, dir string) error {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("path %s is outside %s: %w", filePath, dir, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", filePath, dir)
	}
	return nil
}

// SanitizeFilename maps an area name to a safe file stem: anything outside
// ASCII letters, digits, dot, underscore and dash becomes an underscore,
// runs of underscores collapse, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	last := byte(0)
	for i := 0; i < len(s) && b.Len() < maxLen; i++ {
		c := s[i]
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-' || c == '_'
		if !ok {
			c = '_'
		}
		if c == '_' && last == '_' {
			continue
		}
		b.WriteByte(c)
		last = c
	}
	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return "unknown"
	}
	return out
}
