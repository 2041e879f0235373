// Package utils provides path and chunk helpers shared by the client and
// server sides of the upload subsystem.
package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// NormalizeRelativePath canonicalizes a share or destination path:
// backslashes become forward slashes, a leading "./" is stripped, and the
// bare root ("." or "./") becomes the empty string. The function is
// idempotent.
func NormalizeRelativePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	if p == "." {
		return ""
	}
	return p
}

// ValidateRelativePath rejects paths that escape the media root: absolute
// paths, traversal segments, and empty segments are not allowed. The path
// must already be normalized.
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("relative path cannot be empty")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("relative path cannot be absolute")
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return fmt.Errorf("relative path contains an empty segment")
		case ".", "..":
			return fmt.Errorf("relative path contains a traversal segment")
		}
	}
	return nil
}

// SanitizeFilename removes characters that could break headers, logs or the
// filesystem. Path components are stripped; disallowed runes become
// underscores.
func SanitizeFilename(filename string) string {
	if filename == "" {
		return "upload"
	}

	filename = filepath.Base(filename)

	var sanitized strings.Builder
	sanitized.Grow(len(filename))

	for _, r := range filename {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' || r == '.' {
			sanitized.WriteRune(r)
		} else {
			sanitized.WriteRune('_')
		}
	}

	result := strings.Trim(sanitized.String(), " .")
	if result == "" || strings.Trim(result, ".") == "" {
		return "upload"
	}

	// 255 bytes is the common filesystem limit; keep the extension if possible.
	if len(result) > 255 {
		ext := filepath.Ext(result)
		if len(ext) > 0 && len(ext) < 20 {
			base := result[:len(result)-len(ext)]
			if len(base) > 255-len(ext) {
				base = base[:255-len(ext)]
			}
			result = base + ext
		} else {
			result = result[:255]
		}
	}

	return result
}

// CountChunks returns the number of chunks needed to carry size bytes in
// chunkSize pieces. Zero-byte files still occupy one chunk.
func CountChunks(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}

// LastChunkSize returns the byte length of the final chunk.
func LastChunkSize(size, chunkSize int64, totalChunks int) int64 {
	if totalChunks <= 0 {
		return 0
	}
	last := size - int64(totalChunks-1)*chunkSize
	if last < 0 {
		last = 0
	}
	return last
}
