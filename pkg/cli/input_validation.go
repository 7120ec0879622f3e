package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrSuspiciousInput = errors.New("potentially malicious input detected")

// ValidateInput rejects shell metacharacters and path traversal in a flag value
func ValidateInput(input string) error {
	if strings.ContainsAny(input, ";|&`$\n") {
		return ErrSuspiciousInput
	}
	if strings.Contains(input, "../") || strings.Contains(input, "..\\") {
		return ErrSuspiciousInput
	}
	return nil
}

// ValidateOutputPath checks a file path a subcommand is about to write.
// ext, when non-empty, is the required extension including the dot.
func ValidateOutputPath(path, ext string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("output path is required")
	}
	if err := ValidateInput(path); err != nil {
		return err
	}
	if strings.HasSuffix(path, "/") || filepath.Base(path) == "." {
		return fmt.Errorf("output path %q names a directory", path)
	}
	if ext != "" && !strings.EqualFold(filepath.Ext(path), ext) {
		return fmt.Errorf("output path %q must end in %s", path, ext)
	}
	return nil
}
