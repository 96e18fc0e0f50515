package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const prefix = "sha256:"

// Lines fingerprints an ordered list of lines as "sha256:hexstring".
// Each line is hashed with a trailing newline, so the result is the same
// whether the list came from a plain or a compressed file.
func Lines(lines []string) string {
	hasher := sha256.New()
	for _, line := range lines {
		io.WriteString(hasher, line)
		io.WriteString(hasher, "\n")
	}
	return prefix + hex.EncodeToString(hasher.Sum(nil))
}

// VerifyLines checks that lines still match a fingerprint from Lines
func VerifyLines(lines []string, expected string) error {
	if !strings.HasPrefix(expected, prefix) {
		return fmt.Errorf("invalid checksum format: must start with %q", prefix)
	}
	if len(expected) != len(prefix)+64 {
		return fmt.Errorf("invalid checksum format: expected %d characters, got %d", len(prefix)+64, len(expected))
	}

	if actual := Lines(lines); actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
