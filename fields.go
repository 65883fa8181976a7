package lm_chunker

import (
	"fmt"
	"strings"

	"github.com/wbrown/lm_chunker/types"
)

type Token = types.Token
type Tokens = types.Tokens

// Field identifies a per-token channel produced by a tokenizer.
type Field uint8

const (
	InputIDs Field = iota
	AttentionMask
	TokenTypeIDs
	numFields
)

// LabelsName is the name of the synthesized training target field.
const LabelsName = "labels"

var fieldNames = [numFields]string{
	"input_ids",
	"attention_mask",
	"token_type_ids",
}

func (field Field) String() string {
	if field >= numFields {
		return fmt.Sprintf("field(%d)", uint8(field))
	}
	return fieldNames[field]
}

// ParseField looks a field up by its tokenizer output name.
func ParseField(name string) (Field, error) {
	for idx, fieldName := range fieldNames {
		if fieldName == name {
			return Field(idx), nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", name)
}

// Fields is the fixed set of fields carried through a run.
type Fields uint8

func NewFields(fields ...Field) Fields {
	var set Fields
	for _, field := range fields {
		set |= 1 << field
	}
	return set
}

// DefaultFields are the fields a causal LM tokenizer emits.
var DefaultFields = NewFields(InputIDs, AttentionMask)

func (fields Fields) Has(field Field) bool {
	return field < numFields && fields&(1<<field) != 0
}

// List returns the fields in the set in canonical order.
func (fields Fields) List() []Field {
	list := make([]Field, 0, numFields)
	for field := Field(0); field < numFields; field++ {
		if fields.Has(field) {
			list = append(list, field)
		}
	}
	return list
}

// Names returns the field names followed by the labels field.
func (fields Fields) Names() []string {
	names := make([]string, 0, numFields+1)
	for _, field := range fields.List() {
		names = append(names, field.String())
	}
	return append(names, LabelsName)
}

func (fields Fields) String() string {
	return strings.Join(fields.Names()[:len(fields.List())], ",")
}

// Example is one tokenized record. All fields that are part of the run
// have the same length.
type Example struct {
	InputIDs      Tokens
	AttentionMask Tokens
	TokenTypeIDs  Tokens
}

func (example *Example) Get(field Field) Tokens {
	switch field {
	case InputIDs:
		return example.InputIDs
	case AttentionMask:
		return example.AttentionMask
	case TokenTypeIDs:
		return example.TokenTypeIDs
	}
	return nil
}

func (example *Example) set(field Field, tokens Tokens) {
	switch field {
	case InputIDs:
		example.InputIDs = tokens
	case AttentionMask:
		example.AttentionMask = tokens
	case TokenTypeIDs:
		example.TokenTypeIDs = tokens
	}
}

// Len is the length of the input ids.
func (example *Example) Len() int {
	return len(example.InputIDs)
}

// Clone deep copies every field.
func (example *Example) Clone() Example {
	return Example{
		InputIDs:      example.InputIDs.Clone(),
		AttentionMask: example.AttentionMask.Clone(),
		TokenTypeIDs:  example.TokenTypeIDs.Clone(),
	}
}

// Batch is a field-major group of examples: for each field, the ordered
// per-example token sequences.
type Batch struct {
	InputIDs      []Tokens
	AttentionMask []Tokens
	TokenTypeIDs  []Tokens
}

func NewBatch(capacity int, fields Fields) *Batch {
	batch := &Batch{}
	for _, field := range fields.List() {
		batch.setColumn(field, make([]Tokens, 0, capacity))
	}
	return batch
}

// Column returns the per-example sequences of a field.
func (batch *Batch) Column(field Field) []Tokens {
	switch field {
	case InputIDs:
		return batch.InputIDs
	case AttentionMask:
		return batch.AttentionMask
	case TokenTypeIDs:
		return batch.TokenTypeIDs
	}
	return nil
}

func (batch *Batch) setColumn(field Field, column []Tokens) {
	switch field {
	case InputIDs:
		batch.InputIDs = column
	case AttentionMask:
		batch.AttentionMask = column
	case TokenTypeIDs:
		batch.TokenTypeIDs = column
	}
}

// Append adds an example, taking only the fields in the set.
func (batch *Batch) Append(example Example, fields Fields) {
	for _, field := range fields.List() {
		batch.setColumn(field, append(batch.Column(field),
			example.Get(field)))
	}
}

// Fields reports which fields carry a column. A non-nil empty column
// counts as present.
func (batch *Batch) Fields() Fields {
	var fields Fields
	for field := Field(0); field < numFields; field++ {
		if batch.Column(field) != nil {
			fields |= 1 << field
		}
	}
	return fields
}

// Len is the number of examples in the input ids column.
func (batch *Batch) Len() int {
	return len(batch.InputIDs)
}

// Tokens is the total number of input ids in the batch.
func (batch *Batch) Tokens() int {
	total := 0
	for _, example := range batch.InputIDs {
		total += len(example)
	}
	return total
}
