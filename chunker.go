package lm_chunker

import (
	"errors"
	"fmt"

	"github.com/wbrown/lm_chunker/types"
)

var (
	ErrInvalidBatch     = errors.New("invalid batch")
	ErrInvalidRemainder = errors.New("invalid remainder")
)

// Chunk is one fixed-length training record.
type Chunk struct {
	InputIDs      Tokens `json:"input_ids"`
	AttentionMask Tokens `json:"attention_mask,omitempty"`
	TokenTypeIDs  Tokens `json:"token_type_ids,omitempty"`
	Labels        Tokens `json:"labels"`
}

// Chunks is the field-major output of the Chunker: for every field of the
// run, plus labels, the ordered sequence of emitted chunks.
type Chunks struct {
	InputIDs      []Tokens
	AttentionMask []Tokens
	TokenTypeIDs  []Tokens
	Labels        []Tokens
}

func newChunks(capacity int, fields Fields) *Chunks {
	chunks := &Chunks{Labels: make([]Tokens, 0, capacity)}
	for _, field := range fields.List() {
		chunks.setColumn(field, make([]Tokens, 0, capacity))
	}
	return chunks
}

// Len is the number of chunks emitted.
func (chunks *Chunks) Len() int {
	if chunks == nil {
		return 0
	}
	return len(chunks.InputIDs)
}

// Column returns the chunks of a field.
func (chunks *Chunks) Column(field Field) []Tokens {
	switch field {
	case InputIDs:
		return chunks.InputIDs
	case AttentionMask:
		return chunks.AttentionMask
	case TokenTypeIDs:
		return chunks.TokenTypeIDs
	}
	return nil
}

func (chunks *Chunks) setColumn(field Field, column []Tokens) {
	switch field {
	case InputIDs:
		chunks.InputIDs = column
	case AttentionMask:
		chunks.AttentionMask = column
	case TokenTypeIDs:
		chunks.TokenTypeIDs = column
	}
}

// Append adds the chunks of other after the chunks already held.
func (chunks *Chunks) Append(other *Chunks) {
	if other == nil {
		return
	}
	for field := Field(0); field < numFields; field++ {
		if column := other.Column(field); column != nil {
			chunks.setColumn(field, append(chunks.Column(field), column...))
		}
	}
	chunks.Labels = append(chunks.Labels, other.Labels...)
}

// Record returns the idx-th chunk as a row.
func (chunks *Chunks) Record(idx int) Chunk {
	record := Chunk{
		InputIDs: chunks.InputIDs[idx],
		Labels:   chunks.Labels[idx],
	}
	if chunks.AttentionMask != nil {
		record.AttentionMask = chunks.AttentionMask[idx]
	}
	if chunks.TokenTypeIDs != nil {
		record.TokenTypeIDs = chunks.TokenTypeIDs[idx]
	}
	return record
}

// PadValues are the per-field values used to fill out a final partial
// chunk in Flush.
type PadValues struct {
	InputID       Token
	AttentionMask Token
	TokenTypeID   Token
}

func (pad PadValues) get(field Field) Token {
	switch field {
	case InputIDs:
		return pad.InputID
	case AttentionMask:
		return pad.AttentionMask
	case TokenTypeIDs:
		return pad.TokenTypeID
	}
	return 0
}

// Chunker repacks a stream of tokenized batches into contiguous blocks of
// exactly chunkLength tokens. Tokens that do not fill a whole block are
// carried over to the next call, so batches must be processed in dataset
// order, one at a time. A Chunker must not be shared between runs.
type Chunker struct {
	chunkLength int
	fields      Fields
	remainder   Example
}

// NewChunker
// Creates a Chunker with an empty remainder for the given field set.
func NewChunker(chunkLength int, fields Fields) (*Chunker, error) {
	if chunkLength < 1 {
		return nil, fmt.Errorf("chunk length must be positive, got %d",
			chunkLength)
	}
	if !fields.Has(InputIDs) {
		return nil, fmt.Errorf("field set %q lacks %s", fields.String(),
			InputIDs)
	}
	chunker := &Chunker{
		chunkLength: chunkLength,
		fields:      fields,
	}
	chunker.Reset()
	return chunker, nil
}

// ChunkLength is the number of tokens in every emitted chunk.
func (chunker *Chunker) ChunkLength() int {
	return chunker.chunkLength
}

// Fields is the field set every batch must carry.
func (chunker *Chunker) Fields() Fields {
	return chunker.fields
}

// Pending is the number of tokens per field carried to the next batch.
func (chunker *Chunker) Pending() int {
	return len(chunker.remainder.InputIDs)
}

// Remainder returns a copy of the carried tokens.
func (chunker *Chunker) Remainder() Example {
	return chunker.remainder.Clone()
}

// Reset empties the remainder, as at the start of a run.
func (chunker *Chunker) Reset() {
	chunker.remainder = Example{}
	for _, field := range chunker.fields.List() {
		chunker.remainder.set(field, Tokens{})
	}
}

// Restore replaces the remainder with a snapshot previously taken with
// Remainder, e.g. before retrying a failed batch.
func (chunker *Chunker) Restore(snapshot Example) error {
	pending := len(snapshot.InputIDs)
	if pending >= chunker.chunkLength {
		return fmt.Errorf("%w: %d tokens carried, chunk length is %d",
			ErrInvalidRemainder, pending, chunker.chunkLength)
	}
	restored := Example{}
	for field := Field(0); field < numFields; field++ {
		tokens := snapshot.Get(field)
		if !chunker.fields.Has(field) {
			if len(tokens) > 0 {
				return fmt.Errorf("%w: unexpected field %s",
					ErrInvalidRemainder, field)
			}
			continue
		}
		if len(tokens) != pending {
			return fmt.Errorf("%w: %s has %d tokens, %s has %d",
				ErrInvalidRemainder, field, len(tokens), InputIDs, pending)
		}
		restored.set(field, append(Tokens{}, tokens...))
	}
	chunker.remainder = restored
	return nil
}

// validate checks that the batch carries exactly the chunker's fields and
// that every example is aligned across them.
func (chunker *Chunker) validate(batch *Batch) error {
	examples := batch.Len()
	for field := Field(0); field < numFields; field++ {
		column := batch.Column(field)
		if !chunker.fields.Has(field) {
			if len(column) > 0 {
				return fmt.Errorf("%w: unexpected field %s",
					ErrInvalidBatch, field)
			}
			continue
		}
		if len(column) != examples {
			return fmt.Errorf("%w: %s has %d examples, %s has %d",
				ErrInvalidBatch, field, len(column), InputIDs, examples)
		}
		for exampleIdx := range column {
			if len(column[exampleIdx]) != len(batch.InputIDs[exampleIdx]) {
				return fmt.Errorf("%w: example %d has %d %s and %d %s",
					ErrInvalidBatch, exampleIdx,
					len(column[exampleIdx]), field,
					len(batch.InputIDs[exampleIdx]), InputIDs)
			}
		}
	}
	return nil
}

// ProcessBatch
// Concatenates every field of the batch behind the carried remainder, cuts
// as many whole chunks as fit, and keeps the tail as the new remainder.
// Labels are copies of the input ids chunks. On error, the remainder is
// left as it was.
func (chunker *Chunker) ProcessBatch(batch *Batch) (*Chunks, error) {
	if batch == nil {
		batch = &Batch{}
	}
	if err := chunker.validate(batch); err != nil {
		return nil, err
	}
	fields := chunker.fields.List()

	var concatenated [numFields]Tokens
	totalLength := -1
	for _, field := range fields {
		carried := chunker.remainder.Get(field)
		column := batch.Column(field)
		size := len(carried)
		for _, example := range column {
			size += len(example)
		}
		flat := make(Tokens, 0, size)
		flat = append(flat, carried...)
		for _, example := range column {
			flat = append(flat, example...)
		}
		if totalLength == -1 {
			totalLength = len(flat)
		} else if len(flat) != totalLength {
			return nil, fmt.Errorf("%w: %s concatenates to %d tokens, "+
				"%s to %d", ErrInvalidBatch, field, len(flat), fields[0],
				totalLength)
		}
		concatenated[field] = flat
	}

	usableLength := (totalLength / chunker.chunkLength) * chunker.chunkLength
	numChunks := usableLength / chunker.chunkLength

	chunks := newChunks(numChunks, chunker.fields)
	for _, field := range fields {
		flat := concatenated[field]
		column := chunks.Column(field)
		for begin := 0; begin < usableLength; begin += chunker.chunkLength {
			end := begin + chunker.chunkLength
			// Cap each chunk so appending to one cannot clobber the next.
			column = append(column, flat[begin:end:end])
		}
		chunks.setColumn(field, column)
	}
	for _, ids := range chunks.InputIDs {
		chunks.Labels = append(chunks.Labels, ids.Clone())
	}

	var remainder Example
	for _, field := range fields {
		remainder.set(field, concatenated[field][usableLength:].Clone())
	}
	chunker.remainder = remainder
	return chunks, nil
}

// Flush
// Pads the remainder out to one full chunk and returns it, leaving the
// remainder empty. Without a Flush the remainder is dropped at the end of
// the stream. An empty remainder flushes to zero chunks.
func (chunker *Chunker) Flush(pad PadValues) *Chunks {
	pending := chunker.Pending()
	if pending == 0 {
		return newChunks(0, chunker.fields)
	}
	padSize := chunker.chunkLength - pending
	chunks := newChunks(1, chunker.fields)
	for _, field := range chunker.fields.List() {
		chunk := make(Tokens, 0, chunker.chunkLength)
		chunk = append(chunk, chunker.remainder.Get(field)...)
		chunk = append(chunk, types.Repeat(pad.get(field), padSize)...)
		chunks.setColumn(field, append(chunks.Column(field), chunk))
	}
	chunks.Labels = append(chunks.Labels, chunks.InputIDs[0].Clone())
	chunker.Reset()
	return chunks
}
