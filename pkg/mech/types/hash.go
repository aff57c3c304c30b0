package types

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashString maps a name into the 64-bit identifier space. The hash is
// part of the wire protocol: every peer must compute the same id for
// the same string, so the function must never change.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

const (
	proquintConsonants = "bdfghjklmnprstvz"
	proquintVowels     = "aiou"
)

// Humanize renders an id as a pronounceable proquint so diagnostics
// can name peers and tables without printing raw 64-bit values.
// Deterministic; not reversible through the dictionary.
func Humanize(id uint64) string {
	var words []string
	for shift := 48; shift >= 0; shift -= 16 {
		w := uint16(id >> uint(shift))
		var b strings.Builder
		b.WriteByte(proquintConsonants[(w>>12)&0xF])
		b.WriteByte(proquintVowels[(w>>10)&0x3])
		b.WriteByte(proquintConsonants[(w>>6)&0xF])
		b.WriteByte(proquintVowels[(w>>4)&0x3])
		b.WriteByte(proquintConsonants[w&0xF])
		words = append(words, b.String())
	}
	return strings.Join(words, "-")
}
