package types

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString_Deterministic(t *testing.T) {
	assert.Equal(t, HashString("mech/registry"), HashString("mech/registry"))
	assert.NotEqual(t, HashString("mech/registry"), HashString("mech/registr"))
	assert.NotEqual(t, HashString("out"), HashString("data"))
}

func TestHumanize_Shape(t *testing.T) {
	pattern := regexp.MustCompile(`^[bdfghjklmnprstvz][aiou][bdfghjklmnprstvz][aiou][bdfghjklmnprstvz](-[bdfghjklmnprstvz][aiou][bdfghjklmnprstvz][aiou][bdfghjklmnprstvz]){3}$`)
	for _, name := range []string{"out", "data", "mech/registry", "math/sin"} {
		word := Humanize(HashString(name))
		assert.Regexp(t, pattern, word)
		assert.Equal(t, word, Humanize(HashString(name)))
	}
}
