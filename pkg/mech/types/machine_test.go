package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolName_Mangling(t *testing.T) {
	assert.Equal(t, "a__b_c__d\x00", SymbolName("a-b/c-d"))
	assert.Equal(t, "math_sin\x00", SymbolName("math/sin"))
	assert.Equal(t, "time_timer\x00", SymbolName("time/timer"))
	assert.Equal(t, "plain\x00", SymbolName("plain"))
}

func TestLookupName_StripsTerminator(t *testing.T) {
	assert.Equal(t, "a__b_c__d", LookupName("a-b/c-d"))
	assert.Equal(t, "math_sin", LookupName("math/sin"))
}
