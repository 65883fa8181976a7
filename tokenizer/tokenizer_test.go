package tokenizer

import (
	"testing"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/lm_chunker"
	"github.com/wbrown/lm_chunker/types"
)

const eot = "<|endoftext|>"

// tinyEncoding has every single byte as a token, two merges, and an
// end-of-text special token.
func tinyEncoding(eotRank int) *tiktoken.Encoding {
	ranks := make(map[string]int, 258)
	for b := 0; b < 256; b++ {
		ranks[string([]byte{byte(b)})] = b
	}
	ranks["ab"] = 256
	ranks["abc"] = 257
	return &tiktoken.Encoding{
		Name:           "tiny",
		PatStr:         `\S+|\s+`,
		MergeableRanks: ranks,
		SpecialTokens:  map[string]int{eot: eotRank},
	}
}

func tinyEncoder(t *testing.T, config Config) *Encoder {
	encoder, err := NewFromRanks(tinyEncoding(300), eot, config)
	require.NoError(t, err)
	return encoder
}

func TestEncodingName(t *testing.T) {
	assert.Equal(t, "cl100k_base", EncodingName("gpt-4"))
	assert.Equal(t, "cl100k_base", EncodingName("gpt-3.5-turbo-0301"))
	assert.Equal(t, "o200k_base", EncodingName("gpt-4o-mini"))
	assert.Equal(t, "r50k_base", EncodingName("r50k_base"))
	assert.Equal(t, "unknown", EncodingName("unknown"))
}

func TestNewFromRanks(t *testing.T) {
	encoder := tinyEncoder(t, DefaultConfig())
	assert.Equal(t, "tiny", encoder.Name)
	assert.Equal(t, types.Token(300), encoder.EosID())
	assert.Equal(t, encoder.EosID(), encoder.PadID())
	assert.Equal(t, eot, encoder.EosToken())
	assert.Equal(t, 301, encoder.VocabSize())
	assert.False(t, encoder.Uint32())
	assert.Equal(t, lm_chunker.DefaultFields, encoder.Fields())
	assert.Equal(t, lm_chunker.PadValues{InputID: 300}, encoder.PadValues())

	_, err := NewFromRanks(tinyEncoding(300), "<|pad|>", DefaultConfig())
	assert.Error(t, err)

	wide, wideErr := NewFromRanks(tinyEncoding(70000), eot, DefaultConfig())
	require.NoError(t, wideErr)
	assert.True(t, wide.Uint32())
}

func TestEncodeText(t *testing.T) {
	encoder := tinyEncoder(t, DefaultConfig())
	example := encoder.EncodeText("ab abcd" + eot)
	assert.Equal(t, types.Tokens{256, ' ', 257, 'd', 300}, example.InputIDs)
	assert.Equal(t, types.Tokens{1, 1, 1, 1, 1}, example.AttentionMask)
	assert.Nil(t, example.TokenTypeIDs)
	assert.Equal(t, "ab abcd"+eot, encoder.Decode(example.InputIDs))
	assert.Equal(t, 5, encoder.Count("ab abcd"+eot))
}

func TestEncodeTextIgnoresInnerMarkers(t *testing.T) {
	encoder := tinyEncoder(t, DefaultConfig())
	text := "x" + eot + "y"
	example := encoder.EncodeText(text)
	assert.Len(t, example.InputIDs, len(text))
	assert.NotContains(t, example.InputIDs, encoder.EosID())
	assert.Equal(t, text, encoder.Decode(example.InputIDs))
}

func TestEncodeTextTokenTypeIDs(t *testing.T) {
	config := DefaultConfig()
	config.TokenTypeIDs = true
	encoder := tinyEncoder(t, config)
	assert.True(t, encoder.Fields().Has(lm_chunker.TokenTypeIDs))
	example := encoder.EncodeText("abc" + eot)
	assert.Equal(t, types.Tokens{0, 0}, example.TokenTypeIDs)
}

func TestEncodeCache(t *testing.T) {
	encoder := tinyEncoder(t, DefaultConfig())
	first := encoder.EncodeText("abc abc")
	second := encoder.EncodeText("abc abc")
	assert.Equal(t, 1, encoder.LruMisses)
	assert.Equal(t, 1, encoder.LruHits)
	assert.Equal(t, first, second)

	first.InputIDs[0] = 7
	third := encoder.EncodeText("abc abc")
	assert.Equal(t, types.Token(257), third.InputIDs[0])

	config := DefaultConfig()
	config.CacheSize = 0
	uncached := tinyEncoder(t, config)
	uncached.EncodeText("abc")
	uncached.EncodeText("abc")
	assert.Nil(t, uncached.Cache)
	assert.Zero(t, uncached.LruHits+uncached.LruMisses)
}

func TestEncodeBatchFeedsChunker(t *testing.T) {
	encoder := tinyEncoder(t, DefaultConfig())
	texts := []string{"ab" + eot, "abc abc" + eot, "hello world" + eot}
	batch := encoder.EncodeBatch(texts)
	require.Equal(t, 3, batch.Len())
	assert.Equal(t, encoder.Fields(), batch.Fields())
	for idx, text := range texts {
		assert.Equal(t, text, encoder.Decode(batch.InputIDs[idx]))
	}

	chunker, err := lm_chunker.NewChunker(4, encoder.Fields())
	require.NoError(t, err)
	chunks, chunkErr := chunker.ProcessBatch(batch)
	require.NoError(t, chunkErr)
	assert.Equal(t, batch.Tokens(), chunks.Len()*4+chunker.Pending())
	assert.Equal(t, chunks.InputIDs, chunks.Labels)
}
