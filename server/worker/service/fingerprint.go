package service

import (
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Fingerprint digests file metadata only: name|mtime|size with mtime in
// RFC3339 UTC. Content replaced in place with identical metadata is not
// detected.
func Fingerprint(name string, modTime time.Time, sizeBytes int64) string {
	canonical := name + "|" + modTime.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(sizeBytes, 10)
	sum := sha256.Sum256([]byte(canonical))
	return base64.StdEncoding.EncodeToString(sum[:])
}
