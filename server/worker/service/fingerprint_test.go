package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	mtime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	base := Fingerprint("a.txt", mtime, 10)

	assert.Equal(t, base, Fingerprint("a.txt", mtime, 10))
	assert.Equal(t, base, Fingerprint("a.txt", mtime.In(time.FixedZone("KST", 9*3600)), 10), "zone must not matter")

	assert.NotEqual(t, base, Fingerprint("b.txt", mtime, 10))
	assert.NotEqual(t, base, Fingerprint("a.txt", mtime.Add(time.Second), 10))
	assert.NotEqual(t, base, Fingerprint("a.txt", mtime, 11))
	assert.Len(t, base, 44)
}
