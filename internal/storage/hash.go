package storage

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// DefaultHashAlgorithm matches what md5sum prints on the remote side, so local
// and remote checksums can be compared directly.
const DefaultHashAlgorithm = "md5"

var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
}

// ValidHashAlgorithm reports whether ContentHash supports algo.
func ValidHashAlgorithm(algo string) bool {
	_, ok := hashers[strings.ToLower(algo)]
	return ok
}

// ContentHash returns the hex digest of the file at path. An empty algo means md5.
func ContentHash(path, algo string) (string, error) {
	if algo == "" {
		algo = DefaultHashAlgorithm
	}
	newHash, ok := hashers[strings.ToLower(algo)]
	if !ok {
		return "", fmt.Errorf("unsupported hash algorithm: %q", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
