package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go-model-fetch/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Returns false if creation fails.
func CheckAndMakeDir(path string) bool {
	if err := os.MkdirAll(path, 0750); err != nil {
		log.WithError(err).Errorf("Failed to create directory %s", path)
		return false
	}
	return true
}

// BytesToSize converts a byte count into a human readable string.
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// SanitizePath cleans a path string for safe file creation.
func SanitizePath(path string) string {
	return filepath.Clean(path)
}

// CheckHash verifies a file against the provided digests. SHA256 is checked
// first when present, then BLAKE3. Returns true when every provided digest
// matches. A file with no provided digests trivially passes.
func CheckHash(path string, hashes models.Hashes) bool {
	if !hashes.Provided() {
		return true
	}
	if hashes.SHA256 != "" {
		sum, err := hashFile(path, "sha256")
		if err != nil {
			log.WithError(err).Warnf("Failed to hash %s", path)
			return false
		}
		if !strings.EqualFold(sum, hashes.SHA256) {
			log.Debugf("SHA256 mismatch for %s: got %s want %s", path, sum, hashes.SHA256)
			return false
		}
	}
	if hashes.BLAKE3 != "" {
		sum, err := hashFile(path, "blake3")
		if err != nil {
			log.WithError(err).Warnf("Failed to hash %s", path)
			return false
		}
		if !strings.EqualFold(sum, hashes.BLAKE3) {
			log.Debugf("BLAKE3 mismatch for %s: got %s want %s", path, sum, hashes.BLAKE3)
			return false
		}
	}
	return true
}

func hashFile(path string, algo string) (string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	var h io.Writer
	var sum func() []byte
	switch algo {
	case "blake3":
		hasher := blake3.New()
		h = hasher
		sum = func() []byte { return hasher.Sum(nil) }
	default:
		hasher := sha256.New()
		h = hasher
		sum = func() []byte { return hasher.Sum(nil) }
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s for hashing: %w", path, err)
	}
	return hex.EncodeToString(sum()), nil
}

// CounterWriter wraps a writer and counts bytes, invoking OnWrite (if set)
// with the running total after each write.
type CounterWriter struct {
	Writer  io.Writer
	Total   int64
	OnWrite func(total int64)
}

func (c *CounterWriter) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	c.Total += int64(n)
	if c.OnWrite != nil {
		c.OnWrite(c.Total)
	}
	return n, err
}
