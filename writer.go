package lm_chunker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/types"
)

// Format is the on-disk layout of a chunked dataset.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatBin   Format = "bin"
)

const (
	DatasetInfoName = "dataset_info.json"
	JSONLName       = "chunks.jsonl"
	binSuffix       = ".chunk"
)

func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatJSONL, FormatBin:
		return Format(name), nil
	}
	return "", fmt.Errorf("unknown format %q, expected jsonl or bin", name)
}

// BinName is the file a field is stored in by the bin format.
func BinName(name string) string {
	return name + binSuffix
}

// ChunkWriter persists chunks as they are produced.
type ChunkWriter interface {
	WriteChunks(chunks *Chunks) error
	Close() error
	Rows() int
}

// NewChunkWriter
// Creates a writer for format in dir, creating dir if needed.
func NewChunkWriter(format Format, dir string, chunkLength int,
	fields Fields, useUint32 bool) (ChunkWriter, error) {
	switch format {
	case FormatJSONL:
		return NewJSONLWriter(dir)
	case FormatBin:
		return NewBinWriter(dir, chunkLength, fields, useUint32)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// JSONLWriter writes one JSON object per chunk, carrying every field and
// the labels.
type JSONLWriter struct {
	Path    string
	file    *os.File
	buf     *bufio.Writer
	encoder *json.Encoder
	rows    int
}

func NewJSONLWriter(dir string) (*JSONLWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	outPath := path.Join(dir, JSONLName)
	file, err := os.OpenFile(outPath, os.O_TRUNC|os.O_WRONLY|os.O_CREATE,
		0644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(file, 8*1024*1024)
	return &JSONLWriter{
		Path:    outPath,
		file:    file,
		buf:     buf,
		encoder: json.NewEncoder(buf),
	}, nil
}

func (writer *JSONLWriter) WriteChunks(chunks *Chunks) error {
	for idx := 0; idx < chunks.Len(); idx++ {
		if err := writer.encoder.Encode(chunks.Record(idx)); err != nil {
			return err
		}
		writer.rows++
	}
	return nil
}

func (writer *JSONLWriter) Rows() int {
	return writer.rows
}

func (writer *JSONLWriter) Close() error {
	flushErr := writer.buf.Flush()
	closeErr := writer.file.Close()
	return errors.Join(flushErr, closeErr)
}

// BinWriter writes every field, and the labels, to its own file of aligned
// contiguous little-endian blocks of chunkLength tokens.
type BinWriter struct {
	Dir         string
	chunkLength int
	fields      Fields
	useUint32   bool
	files       []*os.File
	bufs        []*bufio.Writer
	rows        int
}

func NewBinWriter(dir string, chunkLength int, fields Fields,
	useUint32 bool) (*BinWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	writer := &BinWriter{
		Dir:         dir,
		chunkLength: chunkLength,
		fields:      fields,
		useUint32:   useUint32,
	}
	for _, name := range fields.Names() {
		file, err := os.OpenFile(path.Join(dir, BinName(name)),
			os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			writer.Close()
			return nil, err
		}
		writer.files = append(writer.files, file)
		writer.bufs = append(writer.bufs, bufio.NewWriterSize(file,
			1024*1024))
	}
	return writer, nil
}

// columns returns the chunk columns in the same order as the files.
func (writer *BinWriter) columns(chunks *Chunks) [][]Tokens {
	columns := make([][]Tokens, 0, len(writer.files))
	for _, field := range writer.fields.List() {
		columns = append(columns, chunks.Column(field))
	}
	return append(columns, chunks.Labels)
}

func (writer *BinWriter) WriteChunks(chunks *Chunks) error {
	if chunks.Len() == 0 {
		return nil
	}
	for colIdx, column := range writer.columns(chunks) {
		if len(column) != chunks.Len() {
			return fmt.Errorf("%s: %d chunks, expected %d",
				writer.files[colIdx].Name(), len(column), chunks.Len())
		}
		for _, chunk := range column {
			if len(chunk) != writer.chunkLength {
				return fmt.Errorf("%s: chunk of %d tokens, expected %d",
					writer.files[colIdx].Name(), len(chunk),
					writer.chunkLength)
			}
			bin, err := chunk.ToBin(writer.useUint32)
			if err != nil {
				return err
			}
			if _, err := writer.bufs[colIdx].Write(bin); err != nil {
				return err
			}
		}
	}
	writer.rows += chunks.Len()
	return nil
}

func (writer *BinWriter) Rows() int {
	return writer.rows
}

func (writer *BinWriter) Close() error {
	var errs []error
	for idx, file := range writer.files {
		if idx < len(writer.bufs) {
			errs = append(errs, writer.bufs[idx].Flush())
		}
		errs = append(errs, file.Close())
	}
	writer.files, writer.bufs = nil, nil
	return errors.Join(errs...)
}

// DatasetInfo describes a chunked dataset on disk.
type DatasetInfo struct {
	Rows          int       `json:"rows"`
	ChunkLength   int       `json:"chunk_length"`
	Fields        []string  `json:"fields"`
	Format        Format    `json:"format"`
	TokenSize     int       `json:"token_size"`
	Tokenizer     string    `json:"tokenizer"`
	Source        string    `json:"source"`
	Records       int       `json:"records"`
	Tokens        int       `json:"tokens"`
	DroppedTokens int       `json:"dropped_tokens"`
	Padded        bool      `json:"padded"`
	Created       time.Time `json:"created"`
}

// Uint32 reports whether the bin files hold 32-bit tokens.
func (info *DatasetInfo) Uint32() bool {
	return info.TokenSize == types.TokenSize32
}

// WriteDatasetInfo
// Writes the manifest of the dataset in dir. The manifest is written last,
// and its modification time marks the dataset as complete.
func WriteDatasetInfo(dir string, info *DatasetInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	target := path.Join(dir, DatasetInfoName)
	tmpPath := target + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, target)
}

// RemoveDatasetInfo marks the dataset in dir as incomplete. A missing
// manifest is not an error.
func RemoveDatasetInfo(dir string) error {
	err := os.Remove(path.Join(dir, DatasetInfoName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func ReadDatasetInfo(dir string) (*DatasetInfo, error) {
	data, err := os.ReadFile(path.Join(dir, DatasetInfoName))
	if err != nil {
		return nil, err
	}
	info := &DatasetInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("%s: %w", DatasetInfoName, err)
	}
	return info, nil
}

// ReadBinChunks
// Reads a bin format field file back into its chunks.
func ReadBinChunks(filePath string, chunkLength int, useUint32 bool) (
	[]Tokens, error) {
	if chunkLength < 1 {
		return nil, fmt.Errorf("invalid chunk length %d", chunkLength)
	}
	entry, err := resources.OpenEntry(filePath)
	if err != nil {
		return nil, err
	}
	defer entry.Close()
	tokenSize := types.TokenSize16
	if useUint32 {
		tokenSize = types.TokenSize32
	}
	blockSize := chunkLength * tokenSize
	if len(entry.Data)%blockSize != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d",
			filePath, len(entry.Data), blockSize)
	}
	var tokens Tokens
	if useUint32 {
		tokens = types.TokensFromBin32(entry.Data)
	} else {
		tokens = types.TokensFromBin(entry.Data)
	}
	chunks := make([]Tokens, 0, len(tokens)/chunkLength)
	for begin := 0; begin < len(tokens); begin += chunkLength {
		end := begin + chunkLength
		chunks = append(chunks, tokens[begin:end:end])
	}
	return chunks, nil
}

// ReadJSONLChunks reads chunks written by a JSONLWriter.
func ReadJSONLChunks(reader io.Reader) ([]Chunk, error) {
	chunks := make([]Chunk, 0)
	decoder := json.NewDecoder(reader)
	for {
		var chunk Chunk
		err := decoder.Decode(&chunk)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
