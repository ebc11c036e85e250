package updater

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/hyperjump/shirabe/pkg/utils"
)

// NormalizeText trims text and collapses whitespace runs to one space.
func NormalizeText(text string) string {
	return utils.CollapseWhitespace(text)
}

// Fingerprint returns the hex SHA-1 of the normalized text. Chunks whose text differs only
// in whitespace share a fingerprint.
func Fingerprint(text string) string {
	sum := sha1.Sum([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}
