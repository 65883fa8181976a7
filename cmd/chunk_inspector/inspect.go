package main

import (
	"fmt"
	"os"
	"path"

	"github.com/wbrown/lm_chunker"
)

// LoadChunks
// Reads the manifest and the first limit chunks of the dataset at savePath.
// A negative limit reads every chunk.
func LoadChunks(savePath string, limit int) (*lm_chunker.DatasetInfo,
	[]lm_chunker.Chunk, error) {
	info, err := lm_chunker.ReadDatasetInfo(savePath)
	if err != nil {
		return nil, nil, err
	}
	var chunks []lm_chunker.Chunk
	switch info.Format {
	case lm_chunker.FormatJSONL:
		chunks, err = loadJSONL(savePath)
	case lm_chunker.FormatBin:
		chunks, err = loadBin(savePath, info)
	default:
		err = fmt.Errorf("unknown format %q", info.Format)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) != info.Rows {
		return nil, nil, fmt.Errorf("%s lists %d rows, found %d",
			lm_chunker.DatasetInfoName, info.Rows, len(chunks))
	}
	if limit >= 0 && limit < len(chunks) {
		chunks = chunks[:limit]
	}
	return info, chunks, nil
}

func loadJSONL(savePath string) ([]lm_chunker.Chunk, error) {
	file, err := os.Open(path.Join(savePath, lm_chunker.JSONLName))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return lm_chunker.ReadJSONLChunks(file)
}

// chunkField returns the accessor of the named column of a Chunk.
func chunkField(name string) (func(*lm_chunker.Chunk) *lm_chunker.Tokens,
	error) {
	if name == lm_chunker.LabelsName {
		return func(chunk *lm_chunker.Chunk) *lm_chunker.Tokens {
			return &chunk.Labels
		}, nil
	}
	field, err := lm_chunker.ParseField(name)
	if err != nil {
		return nil, err
	}
	switch field {
	case lm_chunker.AttentionMask:
		return func(chunk *lm_chunker.Chunk) *lm_chunker.Tokens {
			return &chunk.AttentionMask
		}, nil
	case lm_chunker.TokenTypeIDs:
		return func(chunk *lm_chunker.Chunk) *lm_chunker.Tokens {
			return &chunk.TokenTypeIDs
		}, nil
	}
	return func(chunk *lm_chunker.Chunk) *lm_chunker.Tokens {
		return &chunk.InputIDs
	}, nil
}

func loadBin(savePath string, info *lm_chunker.DatasetInfo) (
	[]lm_chunker.Chunk, error) {
	chunks := make([]lm_chunker.Chunk, info.Rows)
	for _, name := range info.Fields {
		target, fieldErr := chunkField(name)
		if fieldErr != nil {
			return nil, fieldErr
		}
		column, err := lm_chunker.ReadBinChunks(
			path.Join(savePath, lm_chunker.BinName(name)), info.ChunkLength,
			info.Uint32())
		if err != nil {
			return nil, err
		}
		if len(column) != info.Rows {
			return nil, fmt.Errorf("%s has %d chunks, expected %d", name,
				len(column), info.Rows)
		}
		for idx, tokens := range column {
			*target(&chunks[idx]) = tokens
		}
	}
	return chunks, nil
}

// VerifyChunks checks that every chunk has the dataset's chunk length and
// that its labels match its input ids.
func VerifyChunks(info *lm_chunker.DatasetInfo,
	chunks []lm_chunker.Chunk) error {
	for idx, chunk := range chunks {
		for _, tokens := range []lm_chunker.Tokens{chunk.InputIDs,
			chunk.Labels} {
			if len(tokens) != info.ChunkLength {
				return fmt.Errorf("chunk %d: %d tokens, expected %d", idx,
					len(tokens), info.ChunkLength)
			}
		}
		for _, tokens := range []lm_chunker.Tokens{chunk.AttentionMask,
			chunk.TokenTypeIDs} {
			if tokens != nil && len(tokens) != info.ChunkLength {
				return fmt.Errorf("chunk %d: %d tokens, expected %d", idx,
					len(tokens), info.ChunkLength)
			}
		}
		for pos := range chunk.InputIDs {
			if chunk.InputIDs[pos] != chunk.Labels[pos] {
				return fmt.Errorf("chunk %d: labels differ from input ids "+
					"at %d", idx, pos)
			}
		}
	}
	return nil
}
