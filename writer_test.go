package lm_chunker

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writerChunks(t *testing.T, fields Fields) *Chunks {
	chunker, err := NewChunker(3, fields)
	require.NoError(t, err)
	batch := NewBatch(2, fields)
	batch.Append(Example{
		InputIDs:      Tokens{10, 11, 12, 13},
		AttentionMask: Tokens{1, 1, 1, 1},
		TokenTypeIDs:  Tokens{0, 0, 0, 0},
	}, fields)
	batch.Append(Example{
		InputIDs:      Tokens{20, 21, 22},
		AttentionMask: Tokens{1, 1, 1},
		TokenTypeIDs:  Tokens{0, 0, 0},
	}, fields)
	chunks, err := chunker.ProcessBatch(batch)
	require.NoError(t, err)
	require.Equal(t, 2, chunks.Len())
	return chunks
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("bin")
	require.NoError(t, err)
	assert.Equal(t, FormatBin, format)
	format, err = ParseFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, FormatJSONL, format)
	_, err = ParseFormat("arrow")
	assert.Error(t, err)

	_, err = NewChunkWriter("arrow", t.TempDir(), 3, DefaultFields, false)
	assert.Error(t, err)
}

func TestJSONLWriter(t *testing.T) {
	chunks := writerChunks(t, DefaultFields)
	dir := path.Join(t.TempDir(), "out")
	writer, err := NewChunkWriter(FormatJSONL, dir, 3, DefaultFields, false)
	require.NoError(t, err)
	require.NoError(t, writer.WriteChunks(chunks))
	require.NoError(t, writer.WriteChunks(&Chunks{}))
	assert.Equal(t, 2, writer.Rows())
	require.NoError(t, writer.Close())

	file, openErr := os.Open(path.Join(dir, JSONLName))
	require.NoError(t, openErr)
	defer file.Close()
	rows, readErr := ReadJSONLChunks(file)
	require.NoError(t, readErr)
	require.Len(t, rows, 2)
	for idx, row := range rows {
		assert.Equal(t, chunks.Record(idx), row)
	}
	assert.Equal(t, Tokens{13, 20, 21}, rows[1].InputIDs)
	assert.Equal(t, rows[1].InputIDs, rows[1].Labels)
	assert.Nil(t, rows[1].TokenTypeIDs)
}

func TestBinWriter(t *testing.T) {
	fields := NewFields(InputIDs, AttentionMask, TokenTypeIDs)
	chunks := writerChunks(t, fields)
	dir := t.TempDir()
	writer, err := NewBinWriter(dir, 3, fields, false)
	require.NoError(t, err)
	require.NoError(t, writer.WriteChunks(chunks))
	require.NoError(t, writer.Close())
	assert.Equal(t, 2, writer.Rows())

	for _, name := range fields.Names() {
		stat, statErr := os.Stat(path.Join(dir, BinName(name)))
		require.NoError(t, statErr, name)
		assert.Equal(t, int64(2*3*2), stat.Size(), name)
	}
	inputIDs, readErr := ReadBinChunks(path.Join(dir, "input_ids.chunk"), 3,
		false)
	require.NoError(t, readErr)
	assert.Equal(t, chunks.InputIDs, inputIDs)
	labels, readErr := ReadBinChunks(path.Join(dir, "labels.chunk"), 3,
		false)
	require.NoError(t, readErr)
	assert.Equal(t, chunks.Labels, labels)
	typeIDs, readErr := ReadBinChunks(path.Join(dir,
		"token_type_ids.chunk"), 3, false)
	require.NoError(t, readErr)
	assert.Equal(t, chunks.TokenTypeIDs, typeIDs)

	// 12 bytes are not a whole number of 5 token chunks.
	_, misalignedErr := ReadBinChunks(path.Join(dir, "labels.chunk"), 5,
		false)
	assert.Error(t, misalignedErr)
	_, zeroErr := ReadBinChunks(path.Join(dir, "labels.chunk"), 0, false)
	assert.Error(t, zeroErr)
}

func TestBinWriterUint32(t *testing.T) {
	chunks := &Chunks{
		InputIDs:      []Tokens{{70000, 1, 2}},
		AttentionMask: []Tokens{{1, 1, 1}},
		Labels:        []Tokens{{70000, 1, 2}},
	}
	narrow, err := NewBinWriter(t.TempDir(), 3, DefaultFields, false)
	require.NoError(t, err)
	assert.Error(t, narrow.WriteChunks(chunks))
	narrow.Close()

	dir := t.TempDir()
	wide, err := NewBinWriter(dir, 3, DefaultFields, true)
	require.NoError(t, err)
	require.NoError(t, wide.WriteChunks(chunks))
	require.NoError(t, wide.Close())
	inputIDs, readErr := ReadBinChunks(path.Join(dir, "input_ids.chunk"), 3,
		true)
	require.NoError(t, readErr)
	assert.Equal(t, chunks.InputIDs, inputIDs)
}

func TestBinWriterRejectsRaggedChunks(t *testing.T) {
	writer, err := NewBinWriter(t.TempDir(), 3, DefaultFields, false)
	require.NoError(t, err)
	defer writer.Close()
	assert.Error(t, writer.WriteChunks(&Chunks{
		InputIDs:      []Tokens{{1, 2}},
		AttentionMask: []Tokens{{1, 1}},
		Labels:        []Tokens{{1, 2}},
	}))
	assert.Error(t, writer.WriteChunks(&Chunks{
		InputIDs: []Tokens{{1, 2, 3}},
		Labels:   []Tokens{{1, 2, 3}},
	}))
	assert.Equal(t, 0, writer.Rows())
}

func TestDatasetInfo(t *testing.T) {
	dir := t.TempDir()
	info := &DatasetInfo{
		Rows:          7,
		ChunkLength:   2048,
		Fields:        DefaultFields.Names(),
		Format:        FormatBin,
		TokenSize:     4,
		Tokenizer:     "cl100k_base",
		Source:        "databricks/databricks-dolly-15k",
		Records:       15011,
		Tokens:        14400,
		DroppedTokens: 64,
		Created:       time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, WriteDatasetInfo(dir, info))
	read, err := ReadDatasetInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, info, read)
	assert.True(t, read.Uint32())
	assert.Equal(t, []string{"input_ids", "attention_mask", "labels"},
		read.Fields)

	_, missingErr := ReadDatasetInfo(t.TempDir())
	assert.Error(t, missingErr)
}
