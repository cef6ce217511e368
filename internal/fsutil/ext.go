// SPDX-License-Identifier: MIT

package fsutil

import (
	"path/filepath"
	"strings"
)

// SanitizeExt extracts a safe lowercase extension (without dot) from a
// client-supplied filename. Anything but short alphanumeric extensions
// collapses to "bin"; inputs are untrusted.
func SanitizeExt(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filepath.Base(filename)), ".")
	ext = strings.ToLower(ext)
	if ext == "" || len(ext) > 8 {
		return "bin"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return ext
}
