package testutil

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// MD5Hex matches storage.ContentHash with the default algorithm.
func MD5Hex(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
