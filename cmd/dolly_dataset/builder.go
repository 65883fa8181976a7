package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/lm_chunker"
	"github.com/wbrown/lm_chunker/dolly"
	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/types"
)

// BatchEncoder tokenizes rendered records.
type BatchEncoder interface {
	EncodeBatch(texts []string) *lm_chunker.Batch
	Fields() lm_chunker.Fields
	EosToken() string
	PadValues() lm_chunker.PadValues
	Uint32() bool
	Decode(tokens types.Tokens) string
}

// DatasetBuilder
// Encapsulates the configuration for turning records into a chunked
// dataset on disk.
type DatasetBuilder struct {
	Tokenizer    string
	Source       string
	SavePath     string
	ChunkLength  int
	BatchSize    int
	Format       lm_chunker.Format
	PadRemainder bool
	ShowSample   bool
	// Prefetch is the number of tokenized batches buffered ahead of the
	// chunker.
	Prefetch int
}

// NewDatasetBuilder
// Creates a new DatasetBuilder with the default configuration.
func NewDatasetBuilder() DatasetBuilder {
	return DatasetBuilder{
		Tokenizer:   "cl100k_base",
		Source:      "databricks/databricks-dolly-15k",
		SavePath:    "data",
		ChunkLength: 2048,
		BatchSize:   1000,
		Format:      lm_chunker.FormatJSONL,
		Prefetch:    4,
	}
}

// Source is a loaded dataset.
type Source struct {
	Name    string
	Records []dolly.Record
	// Newest is the modification time of the most recent input.
	Newest time.Time
}

// LoadSource
// Loads records from an `s3://bucket/prefix`, a local directory of `.jsonl`
// shards, a local `.jsonl` file, or a dataset file of a hub repository or
// URL resolved through the cache.
func LoadSource(uri string, datasetFile string, s3Client dolly.S3Client,
	resolver *resources.Resolver) (*Source, error) {
	source := &Source{Name: uri}
	if bucket, prefix, ok := dolly.ParseS3URI(uri); ok {
		if s3Client == nil {
			return nil, errors.New("no S3 client for " + uri)
		}
		records, newest, err := dolly.ReadS3(s3Client, bucket, prefix)
		if err != nil {
			return nil, err
		}
		source.Records, source.Newest = records, newest
		return source, nil
	}
	if stat, statErr := os.Stat(uri); statErr == nil {
		if stat.IsDir() {
			matches, err := dolly.GlobRecords(uri)
			if err != nil {
				return nil, err
			}
			newest, _ := dolly.FindNewest(matches)
			records, err := dolly.ReadDir(uri)
			if err != nil {
				return nil, err
			}
			source.Records, source.Newest = records, newest.ModTime
			return source, nil
		}
		records, err := dolly.ReadRecordsFile(uri)
		if err != nil {
			return nil, err
		}
		source.Records, source.Newest = records, stat.ModTime()
		return source, nil
	}

	entry, err := resolver.Resolve(uri, datasetFile)
	if err != nil {
		return nil, err
	}
	defer entry.Close()
	records, err := dolly.ReadRecords(bytes.NewReader(entry.Data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Path, err)
	}
	source.Name = uri + "/" + datasetFile
	source.Records = records
	if stat, statErr := os.Stat(entry.Path); statErr == nil {
		source.Newest = stat.ModTime()
	}
	return source, nil
}

// UpToDate
// Reports whether the dataset at savePath was written after newest by a run
// with the same parameters as this builder's over the given fields.
func (builder *DatasetBuilder) UpToDate(newest time.Time,
	fields lm_chunker.Fields) (bool, error) {
	stat, err := os.Stat(path.Join(builder.SavePath,
		lm_chunker.DatasetInfoName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if newest.IsZero() || !newest.Before(stat.ModTime()) {
		return false, nil
	}
	info, err := lm_chunker.ReadDatasetInfo(builder.SavePath)
	if err != nil {
		return false, err
	}
	if reason := builder.mismatch(info, fields); reason != "" {
		log.Printf("Saved dataset at `%s` differs: %s", builder.SavePath,
			reason)
		return false, nil
	}
	return true, nil
}

// mismatch describes the first parameter info was built with that differs
// from this builder's, or is empty when they all match.
func (builder *DatasetBuilder) mismatch(info *lm_chunker.DatasetInfo,
	fields lm_chunker.Fields) string {
	switch {
	case info.ChunkLength != builder.ChunkLength:
		return fmt.Sprintf("chunk length %d, not %d", info.ChunkLength,
			builder.ChunkLength)
	case info.Format != builder.Format:
		return fmt.Sprintf("format %s, not %s", info.Format, builder.Format)
	case info.Tokenizer != builder.Tokenizer:
		return fmt.Sprintf("tokenizer %s, not %s", info.Tokenizer,
			builder.Tokenizer)
	case info.Source != builder.Source:
		return fmt.Sprintf("source %s, not %s", info.Source, builder.Source)
	case !slices.Equal(info.Fields, fields.Names()):
		return fmt.Sprintf("fields %v, not %v", info.Fields, fields.Names())
	case info.Padded != builder.PadRemainder:
		return fmt.Sprintf("padded %t, not %t", info.Padded,
			builder.PadRemainder)
	}
	return ""
}

// LogSample logs the dataset size, a random record and a random rendered
// prompt.
func LogSample(records []dolly.Record, rng *rand.Rand) {
	log.Printf("dataset size: %d", len(records))
	if len(records) == 0 {
		return
	}
	if sample, err := json.Marshal(records[rng.Intn(len(records))]); err == nil {
		log.Printf("%s", sample)
	}
	log.Printf("%s", dolly.Format(records[rng.Intn(len(records))]))
}

// tokenizeBatches
// Tokenizes batches in order on a goroutine, buffering up to prefetch
// batches ahead of the consumer. Closing done stops the goroutine early.
func tokenizeBatches(batches [][]dolly.Record, encoder BatchEncoder,
	prefetch int, done <-chan struct{}) <-chan *lm_chunker.Batch {
	tokenized := make(chan *lm_chunker.Batch, max(prefetch, 0))
	go func() {
		defer close(tokenized)
		eos := encoder.EosToken()
		for _, batch := range batches {
			encoded := encoder.EncodeBatch(dolly.Templates(batch, eos))
			select {
			case tokenized <- encoded:
			case <-done:
				return
			}
		}
	}()
	return tokenized
}

// Build
// Tokenizes records, chunks them in dataset order and writes the chunks and
// the manifest to SavePath.
func (builder *DatasetBuilder) Build(records []dolly.Record,
	encoder BatchEncoder) (*lm_chunker.DatasetInfo, error) {
	fields := encoder.Fields()
	chunker, err := lm_chunker.NewChunker(builder.ChunkLength, fields)
	if err != nil {
		return nil, err
	}
	// The manifest marks the dataset complete, so it goes before the chunks
	// are truncated and is only rewritten once they are all written.
	if err := lm_chunker.RemoveDatasetInfo(builder.SavePath); err != nil {
		return nil, err
	}
	writer, err := lm_chunker.NewChunkWriter(builder.Format,
		builder.SavePath, builder.ChunkLength, fields, encoder.Uint32())
	if err != nil {
		return nil, err
	}

	begin := time.Now()
	done := make(chan struct{})
	defer close(done)
	batches := dolly.Batches(records, builder.BatchSize)
	tokenized := tokenizeBatches(batches, encoder, builder.Prefetch, done)

	totalTokens := 0
	batchIdx := 0
	for batch := range tokenized {
		chunks, chunkErr := chunker.ProcessBatch(batch)
		if chunkErr != nil {
			writer.Close()
			return nil, fmt.Errorf("batch %d: %w", batchIdx, chunkErr)
		}
		if builder.ShowSample && writer.Rows() == 0 && chunks.Len() > 0 {
			log.Printf("First chunk:\n%s", encoder.Decode(chunks.InputIDs[0]))
		}
		if writeErr := writer.WriteChunks(chunks); writeErr != nil {
			writer.Close()
			return nil, writeErr
		}
		totalTokens += batch.Tokens()
		batchIdx++
	}

	dropped := 0
	if builder.PadRemainder {
		if writeErr := writer.WriteChunks(
			chunker.Flush(encoder.PadValues())); writeErr != nil {
			writer.Close()
			return nil, writeErr
		}
	} else if dropped = chunker.Pending(); dropped > 0 {
		log.Printf("Dropping %d trailing tokens that do not fill a chunk "+
			"of %d. Use -pad_remainder to keep them.", dropped,
			builder.ChunkLength)
	}
	if closeErr := writer.Close(); closeErr != nil {
		return nil, closeErr
	}

	tokenSize := types.TokenSize16
	if encoder.Uint32() {
		tokenSize = types.TokenSize32
	}
	info := &lm_chunker.DatasetInfo{
		Rows:          writer.Rows(),
		ChunkLength:   builder.ChunkLength,
		Fields:        fields.Names(),
		Format:        builder.Format,
		TokenSize:     tokenSize,
		Tokenizer:     builder.Tokenizer,
		Source:        builder.Source,
		Records:       len(records),
		Tokens:        totalTokens,
		DroppedTokens: dropped,
		Padded:        builder.PadRemainder,
		Created:       time.Now().UTC(),
	}
	if infoErr := lm_chunker.WriteDatasetInfo(builder.SavePath,
		info); infoErr != nil {
		return nil, infoErr
	}

	duration := time.Since(begin).Seconds()
	log.Printf("Total number of samples: %d", info.Rows)
	log.Printf("%s tokens in %0.2fs, %0.2f tokens/s",
		humanize.Comma(int64(totalTokens)), duration,
		float64(totalTokens)/duration)
	return info, nil
}
