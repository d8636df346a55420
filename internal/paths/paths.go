// Package paths confines all download writes to the configured data
// directory. Every file path is built through SafeJoin so a hostile
// output_dir or product name cannot escape the sandbox.
package paths

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafe rejects a path that would resolve outside the sandbox root.
var ErrUnsafe = errors.New("path escapes data directory")

// SafeJoin joins rel segments onto base and guarantees the cleaned result
// stays inside base. base is made absolute first so prefix checks are not
// fooled by relative walks.
func SafeJoin(base string, rel ...string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base %s: %w", base, err)
	}
	absBase = filepath.Clean(absBase)

	target := filepath.Join(append([]string{absBase}, rel...)...)
	if target != absBase && !strings.HasPrefix(target, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafe, strings.Join(rel, "/"))
	}
	return target, nil
}

// SanitizeJobDir turns a requested output_dir into a safe relative
// directory. Absolute paths, drive letters, and parent traversal all fall
// back to the job id, so a job always has somewhere legal to write.
func SanitizeJobDir(outputDir, jobID string) string {
	if strings.TrimSpace(outputDir) == "" {
		return jobID
	}

	clean := strings.ReplaceAll(outputDir, `\`, "/")
	if strings.HasPrefix(clean, "/") || hasDriveLetter(clean) {
		return jobID
	}

	var kept []string
	for _, part := range strings.Split(clean, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return jobID
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return jobID
	}
	return filepath.Join(kept...)
}

// SafeName reduces a product or file name to a single safe path component,
// or fallback when nothing usable remains.
func SafeName(name, fallback string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimSpace(path.Base(name))
	switch name {
	case "", ".", "..", "/":
		return fallback
	}
	return name
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
