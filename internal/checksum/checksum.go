// Package checksum provides the content digests used for identity and change detection.
package checksum

import (
	"crypto/md5" //nolint:gosec // matches the reference hash used by export bundles
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumString is Sum over a string.
func SumString(s string) string {
	return Sum([]byte(s))
}

// MD5 returns the hex-encoded MD5 digest of data.
func MD5(data []byte) string {
	h := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(h[:])
}

// Short returns the first n characters of a hex digest.
func Short(sum string, n int) string {
	if len(sum) <= n {
		return sum
	}
	return sum[:n]
}
