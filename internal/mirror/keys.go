// Package mirror keeps off-site copies of local backup sets in a br.Mirror
// backend: memory, a filesystem directory, or an S3 bucket.
package mirror

import (
	"fmt"
	"path"
	"strings"
)

// validateKey rejects keys that would escape a filesystem root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("invalid mirror key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("invalid mirror key %q", key)
		}
	}
	return nil
}
