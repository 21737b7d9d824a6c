// Package blobstore implements locker.BlobStore on a local directory, in
// memory and on S3-compatible object storage.
package blobstore

import (
	"fmt"
	"strings"
)

// validHash reports whether hash can be used as a storage key: lowercase
// hex and long enough to shard.
func validHash(hash string) bool {
	if len(hash) < 4 {
		return false
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func checkHash(hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("invalid content hash %q", hash)
	}
	return nil
}

// joinKey joins non-empty key parts with "/".
func joinKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.String()
}
