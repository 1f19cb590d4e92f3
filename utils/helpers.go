package utils

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"
)

// NewID returns a unique identifier built from a nanosecond timestamp and a
// short random suffix. IDs sort roughly by creation time.
func NewID() string {
	timestamp := time.Now().UnixNano()
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	return fmt.Sprintf("%d_%x", timestamp, randomBytes)
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s: %v", dir, err)
	}
	return nil
}
