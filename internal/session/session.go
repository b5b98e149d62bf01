// Package session builds the per-player correlation id sent with every telemetry record.
package session

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	suffixLen      = 5
	suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	anonymous      = "anonymous"
)

// NewID returns "{filmID}_{username}_{epochMillis}_{suffix}". Uniqueness is best effort:
// the backend treats the id as a correlation hint, not a key.
func NewID(filmID int64, username string, now time.Time) string {
	if username == "" {
		username = anonymous
	}
	return fmt.Sprintf("%d_%s_%d_%s", filmID, username, now.UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	b := make([]byte, suffixLen)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}
