package progress

import (
	"os"
	"path/filepath"
	"strings"
)

// truncatePath truncates a file path to show only the last N components.
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return path
	}
	return "…/" + strings.Join(parts[len(parts)-maxComponents:], "/")
}

// enableANSIOnWindows enables Virtual Terminal processing on Windows for ANSI
// escape sequences; a no-op on platforms where terminals already support
// ANSI natively (see enableWindowsANSI in the platform-specific files).
func enableANSIOnWindows(f *os.File) {
	enableWindowsANSI(f)
}
