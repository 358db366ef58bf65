// Package fingerprint computes content addresses for uploaded images.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
)

// Size is the length of a digest returned by Sum.
const Size = md5.Size * 2

// Sum returns the lowercase hex MD5 digest of data.
// Two uploads with the same Sum are treated as the same image for a user.
func Sum(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// Valid reports whether s has the shape of a digest returned by Sum.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
