package tokenizer

import (
	"encoding/json"
	"math"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// gpt2Tokens has every byte as its own token, in byte order, plus merges
// spelling "hello" and " w".
func gpt2Tokens() (map[string]int, [][]string) {
	byteToRune, _ := bytesToUnicode()
	tokens := make(map[string]int, 262)
	for b := 0; b < 256; b++ {
		tokens[string(byteToRune[b])] = b
	}
	space := string(byteToRune[' '])
	merges := [][]string{{"h", "e"}, {"l", "l"}, {"he", "ll"},
		{"hell", "o"}, {space, "w"}}
	for idx, merge := range merges {
		tokens[merge[0]+merge[1]] = 256 + idx
	}
	return tokens, merges
}

func writeFile(t *testing.T, dir string, name string, data []byte) {
	require.NoError(t, os.WriteFile(path.Join(dir, name), data, 0644))
}

func writeJSON(t *testing.T, dir string, name string, value interface{}) {
	data, err := json.Marshal(value)
	require.NoError(t, err)
	writeFile(t, dir, name, data)
}

func hubEncoder(t *testing.T, dir string) *Encoder {
	resolver, err := resources.NewResolver(t.TempDir(), resources.RepoModel,
		"")
	require.NoError(t, err)
	config := DefaultConfig()
	config.Name = dir
	config.Resolver = resolver
	encoder, encoderErr := New(config)
	require.NoError(t, encoderErr)
	return encoder
}

func TestHubVocabMerges(t *testing.T) {
	dir := t.TempDir()
	tokens, merges := gpt2Tokens()
	tokens[eot] = 261
	writeJSON(t, dir, "vocab.json", tokens)
	lines := []string{"#version: 0.2"}
	for _, merge := range merges {
		lines = append(lines, merge[0]+" "+merge[1])
	}
	writeFile(t, dir, "merges.txt", []byte(strings.Join(lines, "\n")+"\n"))
	writeJSON(t, dir, "special_tokens_map.json", map[string]interface{}{
		"eos_token": map[string]interface{}{"content": eot},
		"bos_token": eot,
	})

	encoder := hubEncoder(t, dir)
	assert.Equal(t, dir, encoder.Name)
	assert.Equal(t, types.Token(261), encoder.EosID())
	assert.Equal(t, eot, encoder.EosToken())
	assert.Equal(t, 262, encoder.VocabSize())
	assert.False(t, encoder.Uint32())

	example := encoder.EncodeText("hello world" + eot)
	assert.Equal(t, types.Tokens{259, 260, 'o', 'r', 'l', 'd', 261},
		example.InputIDs)
	assert.Equal(t, "hello world"+eot, encoder.Decode(example.InputIDs))

	inner := "a" + eot + "b"
	innerIDs := encoder.EncodeText(inner).InputIDs
	assert.NotContains(t, innerIDs, encoder.EosID())
	assert.Equal(t, inner, encoder.Decode(innerIDs))
}

func TestHubTokenizerJSONBPE(t *testing.T) {
	dir := t.TempDir()
	tokens, merges := gpt2Tokens()
	writeJSON(t, dir, "tokenizer.json", map[string]interface{}{
		"added_tokens": []interface{}{
			map[string]interface{}{"id": 261, "content": eot,
				"special": true},
		},
		"pre_tokenizer": map[string]interface{}{"type": "ByteLevel"},
		"decoder":       map[string]interface{}{"type": "ByteLevel"},
		"model": map[string]interface{}{
			"type":   "BPE",
			"vocab":  tokens,
			"merges": merges,
		},
	})
	writeJSON(t, dir, "tokenizer_config.json", map[string]interface{}{
		"eos_token":        eot,
		"model_max_length": 2048,
	})

	encoder := hubEncoder(t, dir)
	assert.Equal(t, types.Token(261), encoder.EosID())
	ids := encoder.EncodeText("hello world" + eot).InputIDs
	assert.Equal(t, types.Tokens{259, 260, 'o', 'r', 'l', 'd', 261}, ids)

	text := "héllo wörld, 42!\n"
	assert.Equal(t, text, encoder.Decode(encoder.EncodeText(text).InputIDs))
}

func TestParseMergesJSON(t *testing.T) {
	lines, err := parseMergesJSON(json.RawMessage(`["a b", "ab c"]`))
	require.NoError(t, err)
	assert.Equal(t, []mergePair{{"a", "b"}, {"ab", "c"}}, lines)

	pairs, err := parseMergesJSON(json.RawMessage(`[["a", "b"]]`))
	require.NoError(t, err)
	assert.Equal(t, []mergePair{{"a", "b"}}, pairs)

	_, err = parseMergesJSON(json.RawMessage(`["ab"]`))
	assert.Error(t, err)
}

func TestSplitWords(t *testing.T) {
	vocab, err := newBPEVocab(map[string]int{}, nil, nil,
		bpeOptions{byteLevel: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", ",", " world", "'s", "  ", " end"},
		vocab.splitWords("Hello, world's   end"))

	digits, err := newBPEVocab(map[string]int{}, nil, nil,
		bpeOptions{byteLevel: true, splitPattern: `\d`})
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "1", "2", "c"}, digits.splitWords("ab12c"))

	assert.Equal(t, []string{"▁hello", "▁world"},
		metaspaceWords("hello world"))
}

func TestByteFallbackBPE(t *testing.T) {
	tokens := map[string]int{"<unk>": 0, "▁": 1, "h": 2, "i": 3, "▁h": 4,
		"▁hi": 5, "<0xC3>": 6, "<0xA9>": 7}
	merges := []mergePair{{"▁", "h"}, {"▁h", "i"}}
	vocab, err := newBPEVocab(tokens, merges, nil,
		bpeOptions{byteFallback: true, unkToken: "<unk>"})
	require.NoError(t, err)
	ids := vocab.encodeOrdinary("hi é")
	assert.Equal(t, []int{5, 1, 6, 7}, ids)
	assert.Equal(t, "hi é", vocab.decode(ids))
}

// t5Tokenizer is a unigram tokenizer.json in the style of T5.
func t5Tokenizer() map[string]interface{} {
	return map[string]interface{}{
		"added_tokens": []interface{}{
			map[string]interface{}{"id": 0, "content": "<pad>",
				"special": true},
			map[string]interface{}{"id": 1, "content": "</s>",
				"special": true},
			map[string]interface{}{"id": 2, "content": "<unk>",
				"special": true},
		},
		"pre_tokenizer": map[string]interface{}{
			"type": "Sequence",
			"pretokenizers": []interface{}{
				map[string]interface{}{"type": "WhitespaceSplit"},
				map[string]interface{}{"type": "Metaspace"},
			},
		},
		"model": map[string]interface{}{
			"type":   "Unigram",
			"unk_id": 2,
			"vocab": [][]interface{}{
				{"<pad>", 0.0}, {"</s>", 0.0}, {"<unk>", 0.0},
				{"▁", -2.0}, {"▁hello", -1.0}, {"▁world", -1.5},
				{"h", -3.0}, {"e", -3.0}, {"l", -3.0}, {"o", -3.0},
				{"w", -3.0}, {"r", -3.0}, {"d", -3.0},
				{"▁wor", -2.0}, {"ld", -2.0},
			},
		},
	}
}

func TestHubTokenizerJSONUnigram(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "tokenizer.json", t5Tokenizer())
	writeJSON(t, dir, "special_tokens_map.json", map[string]interface{}{
		"eos_token":                 "</s>",
		"pad_token":                 "<pad>",
		"additional_special_tokens": []string{"<extra_id_0>"},
	})

	encoder := hubEncoder(t, dir)
	assert.Equal(t, types.Token(1), encoder.EosID())
	assert.Equal(t, 15, encoder.VocabSize())

	ids := encoder.EncodeText("hello  world</s>").InputIDs
	assert.Equal(t, types.Tokens{4, 5, 1}, ids)
	assert.Equal(t, "hello world</s>", encoder.Decode(ids))

	// Unknown runes in a row collapse into one unknown token.
	assert.Equal(t, types.Tokens{3, 6, 7, 2},
		encoder.EncodeText("hex!").InputIDs)
	// Special pieces are never matched in text.
	assert.NotContains(t, encoder.EncodeText("a</s>b").InputIDs,
		types.Token(1))
	assert.Empty(t, encoder.EncodeText("   ").InputIDs)
}

// sentencePieceModel encodes a model protobuf: pieces are field 1, and each
// piece has its text, score and type as fields 1, 2 and 3.
func sentencePieceModel(pieces []struct {
	piece string
	score float32
	kind  uint64
}) []byte {
	var model []byte
	for _, entry := range pieces {
		var piece []byte
		piece = protowire.AppendTag(piece, 1, protowire.BytesType)
		piece = protowire.AppendString(piece, entry.piece)
		piece = protowire.AppendTag(piece, 2, protowire.Fixed32Type)
		piece = protowire.AppendFixed32(piece, math.Float32bits(entry.score))
		piece = protowire.AppendTag(piece, 3, protowire.VarintType)
		piece = protowire.AppendVarint(piece, entry.kind)
		model = protowire.AppendTag(model, 1, protowire.BytesType)
		model = protowire.AppendBytes(model, piece)
	}
	return model
}

func TestHubSentencePiece(t *testing.T) {
	const (
		normal   = 1
		unknown  = 2
		control  = 3
		byteKind = 6
	)
	dir := t.TempDir()
	writeFile(t, dir, "spiece.model", sentencePieceModel([]struct {
		piece string
		score float32
		kind  uint64
	}{
		{"<unk>", 0, unknown},
		{"</s>", 0, control},
		{"▁hi", -1, normal},
		{"▁", -2, normal},
		{"<0x21>", 0, byteKind},
	}))

	encoder := hubEncoder(t, dir)
	assert.Equal(t, "</s>", encoder.EosToken())
	assert.Equal(t, types.Token(1), encoder.EosID())
	ids := encoder.EncodeText("hi!</s>").InputIDs
	assert.Equal(t, types.Tokens{2, 4, 1}, ids)
	assert.Equal(t, "hi!</s>", encoder.Decode(ids))
}

func TestHubMissingVocab(t *testing.T) {
	resolver, err := resources.NewResolver(t.TempDir(), resources.RepoModel,
		"")
	require.NoError(t, err)
	config := DefaultConfig()
	config.Name = t.TempDir()
	config.Resolver = resolver
	_, err = New(config)
	assert.Error(t, err)

	_, err = NewFromVocab(&resources.Vocab{Id: "empty"}, DefaultConfig())
	assert.Error(t, err)

	dir := t.TempDir()
	writeJSON(t, dir, "tokenizer.json", map[string]interface{}{
		"model": map[string]interface{}{
			"type":   "BPE",
			"vocab":  map[string]int{"a": 0},
			"merges": []string{},
		},
	})
	config.Name = dir
	_, err = New(config)
	assert.ErrorContains(t, err, "end-of-text")
}

func TestIsEncoding(t *testing.T) {
	assert.True(t, IsEncoding("cl100k_base"))
	assert.True(t, IsEncoding("gpt-4"))
	assert.False(t, IsEncoding("tiiuae/falcon-7b"))
	assert.False(t, IsEncoding("google/flan-t5-xl"))
}
