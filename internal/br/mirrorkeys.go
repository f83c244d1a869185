package br

import "strings"

// Mirror key layout.
const (
	MirrorSetPrefix = "sets/"
	MirrorHistory   = "meta/history.db"
	// EncryptedSuffix marks an age-encrypted object.
	EncryptedSuffix = ".age"
)

// MirrorSetKey is the object key of one artifact of a mirrored set.
func MirrorSetKey(timestamp, filename string, encrypted bool) string {
	key := MirrorSetPrefix + timestamp + "/" + filename
	if encrypted {
		key += EncryptedSuffix
	}
	return key
}

// ParseMirrorSetKey splits a key produced by MirrorSetKey.
func ParseMirrorSetKey(key string) (timestamp, filename string, encrypted, ok bool) {
	rest, found := strings.CutPrefix(key, MirrorSetPrefix)
	if !found {
		return "", "", false, false
	}
	timestamp, filename, found = strings.Cut(rest, "/")
	if !found || timestamp == "" || filename == "" || strings.Contains(filename, "/") {
		return "", "", false, false
	}
	filename, encrypted = strings.CutSuffix(filename, EncryptedSuffix)
	return timestamp, filename, encrypted, true
}
