package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBinUint16(t *testing.T) {
	tokens := Tokens{1, 256, 65535}
	bin, err := tokens.ToBin(false)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 1, 255, 255}, bin)
	assert.Equal(t, tokens, TokensFromBin(bin))
}

func TestToBinUint16Overflow(t *testing.T) {
	_, err := Tokens{65536}.ToBinUint16()
	assert.Error(t, err)
}

func TestToBinUint32(t *testing.T) {
	tokens := Tokens{0, 100257, 1 << 24}
	bin, err := tokens.ToBin(true)
	require.NoError(t, err)
	assert.Len(t, bin, 12)
	assert.Equal(t, tokens, TokensFromBin32(bin))
}

func TestTokensFromBinIgnoresTrailingByte(t *testing.T) {
	assert.Equal(t, Tokens{2}, TokensFromBin([]byte{2, 0, 9}))
}

func TestClone(t *testing.T) {
	source := Tokens{1, 2, 3}
	cloned := source.Clone()
	cloned[0] = 42
	assert.Equal(t, Token(1), source[0])
	assert.Nil(t, Tokens(nil).Clone())
}

func TestRepeat(t *testing.T) {
	assert.Equal(t, Tokens{7, 7, 7}, Repeat(7, 3))
	assert.Empty(t, Repeat(7, 0))
}
