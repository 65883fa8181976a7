package main

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/lm_chunker"
)

func writeDataset(t *testing.T, format lm_chunker.Format,
	fields lm_chunker.Fields) (string, *lm_chunker.Chunks) {
	dir := t.TempDir()
	chunker, err := lm_chunker.NewChunker(4, fields)
	require.NoError(t, err)
	batch := lm_chunker.NewBatch(3, fields)
	for idx := 0; idx < 3; idx++ {
		ids := lm_chunker.Tokens{1, 2, 3}
		for pos := range ids {
			ids[pos] += lm_chunker.Token(idx * 10)
		}
		batch.Append(lm_chunker.Example{
			InputIDs:      ids,
			AttentionMask: lm_chunker.Tokens{1, 1, 1},
			TokenTypeIDs:  lm_chunker.Tokens{0, 0, 0},
		}, fields)
	}
	chunks, err := chunker.ProcessBatch(batch)
	require.NoError(t, err)
	chunks.Append(chunker.Flush(lm_chunker.PadValues{InputID: 99}))

	writer, err := lm_chunker.NewChunkWriter(format, dir, 4, fields, false)
	require.NoError(t, err)
	require.NoError(t, writer.WriteChunks(chunks))
	require.NoError(t, writer.Close())
	require.NoError(t, lm_chunker.WriteDatasetInfo(dir,
		&lm_chunker.DatasetInfo{
			Rows:        writer.Rows(),
			ChunkLength: 4,
			Fields:      fields.Names(),
			Format:      format,
			TokenSize:   2,
			Tokenizer:   "cl100k_base",
		}))
	return dir, chunks
}

func TestLoadChunks(t *testing.T) {
	allFields := lm_chunker.NewFields(lm_chunker.InputIDs,
		lm_chunker.AttentionMask, lm_chunker.TokenTypeIDs)
	for _, format := range []lm_chunker.Format{lm_chunker.FormatJSONL,
		lm_chunker.FormatBin} {
		t.Run(string(format), func(t *testing.T) {
			dir, chunks := writeDataset(t, format, allFields)
			info, loaded, err := LoadChunks(dir, -1)
			require.NoError(t, err)
			assert.Equal(t, 3, info.Rows)
			require.Len(t, loaded, 3)
			for idx := range loaded {
				assert.Equal(t, chunks.Record(idx), loaded[idx])
			}
			assert.Equal(t, lm_chunker.Tokens{23, 99, 99, 99},
				loaded[2].InputIDs)
			assert.NoError(t, VerifyChunks(info, loaded))

			_, limited, err := LoadChunks(dir, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestLoadChunksRowMismatch(t *testing.T) {
	dir, _ := writeDataset(t, lm_chunker.FormatJSONL,
		lm_chunker.DefaultFields)
	info, err := lm_chunker.ReadDatasetInfo(dir)
	require.NoError(t, err)
	info.Rows = 5
	require.NoError(t, lm_chunker.WriteDatasetInfo(dir, info))
	_, _, err = LoadChunks(dir, -1)
	assert.Error(t, err)

	_, _, err = LoadChunks(t.TempDir(), -1)
	assert.Error(t, err)
}

func TestLoadChunksMissingFieldFile(t *testing.T) {
	dir, _ := writeDataset(t, lm_chunker.FormatBin, lm_chunker.DefaultFields)
	require.NoError(t, os.Remove(path.Join(dir, "labels.chunk")))
	_, _, err := LoadChunks(dir, -1)
	assert.Error(t, err)
}

func TestVerifyChunks(t *testing.T) {
	info := &lm_chunker.DatasetInfo{ChunkLength: 2}
	assert.NoError(t, VerifyChunks(info, []lm_chunker.Chunk{
		{InputIDs: lm_chunker.Tokens{1, 2}, Labels: lm_chunker.Tokens{1, 2}},
	}))
	assert.Error(t, VerifyChunks(info, []lm_chunker.Chunk{
		{InputIDs: lm_chunker.Tokens{1, 2}, Labels: lm_chunker.Tokens{1, 3}},
	}))
	assert.Error(t, VerifyChunks(info, []lm_chunker.Chunk{
		{InputIDs: lm_chunker.Tokens{1}, Labels: lm_chunker.Tokens{1}},
	}))
	assert.Error(t, VerifyChunks(info, []lm_chunker.Chunk{
		{InputIDs: lm_chunker.Tokens{1, 2}, Labels: lm_chunker.Tokens{1, 2},
			AttentionMask: lm_chunker.Tokens{1}},
	}))
}

func TestChunkField(t *testing.T) {
	var chunk lm_chunker.Chunk
	for idx, name := range []string{"input_ids", "attention_mask",
		"token_type_ids", "labels"} {
		target, err := chunkField(name)
		require.NoError(t, err)
		*target(&chunk) = lm_chunker.Tokens{lm_chunker.Token(idx)}
	}
	assert.Equal(t, lm_chunker.Chunk{
		InputIDs:      lm_chunker.Tokens{0},
		AttentionMask: lm_chunker.Tokens{1},
		TokenTypeIDs:  lm_chunker.Tokens{2},
		Labels:        lm_chunker.Tokens{3},
	}, chunk)

	_, err := chunkField("position_ids")
	assert.Error(t, err)
}

func TestLoadChunksUnknownField(t *testing.T) {
	dir, _ := writeDataset(t, lm_chunker.FormatBin, lm_chunker.DefaultFields)
	info, err := lm_chunker.ReadDatasetInfo(dir)
	require.NoError(t, err)
	info.Fields = append(info.Fields, "position_ids")
	require.NoError(t, lm_chunker.WriteDatasetInfo(dir, info))
	_, _, err = LoadChunks(dir, -1)
	assert.ErrorContains(t, err, "position_ids")
}
