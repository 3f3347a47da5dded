package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// FingerprintMode selects how a source file is identified.
type FingerprintMode string

const (
	// FingerprintContent hashes the file bytes. Edits in place always change
	// the fingerprint.
	FingerprintContent FingerprintMode = "content"
	// FingerprintStat hashes path, size and modification time.
	FingerprintStat FingerprintMode = "stat"
)

// Fingerprint returns the key prefix identifying the file at path.
func Fingerprint(path string, mode FingerprintMode) (string, error) {
	if mode == FingerprintStat {
		return statFingerprint(path)
	}
	return contentFingerprint(path)
}

func contentFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

func statFingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return SourcePrefix(fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano())), nil
}
