package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkoukk/tiktoken-go"
	"github.com/wbrown/lm_chunker"
	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/types"
)

const DefaultCacheSize = 8192

// Known vocabulary sizes (ranks plus special tokens) of the published
// encodings, used to pick the on-disk token width.
var vocabSizes = map[string]int{
	tiktoken.MODEL_R50K_BASE:   50257,
	tiktoken.MODEL_P50K_BASE:   50281,
	tiktoken.MODEL_P50K_EDIT:   50284,
	tiktoken.MODEL_CL100K_BASE: 100277,
	tiktoken.MODEL_O200K_BASE:  200019,
}

// Config selects the vocabulary and the fields an Encoder emits.
type Config struct {
	// Name is an encoding name (`cl100k_base`), a model name (`gpt-4`), or
	// a hub model id, URL or local directory holding a tokenizer.
	Name         string
	TokenTypeIDs bool
	// CacheSize is the number of encodings memoized; 0 disables the cache.
	CacheSize int
	// Loader, if set, replaces the loader used to fetch rank files.
	Loader tiktoken.BpeLoader
	// Resolver fetches hub tokenizers, and rank files when Loader is unset.
	Resolver *resources.Resolver
}

func DefaultConfig() Config {
	return Config{
		Name:      tiktoken.MODEL_CL100K_BASE,
		CacheSize: DefaultCacheSize,
	}
}

// Fields is the set of fields an Encoder built from config emits.
func (config Config) Fields() lm_chunker.Fields {
	if config.TokenTypeIDs {
		return lm_chunker.NewFields(lm_chunker.InputIDs,
			lm_chunker.AttentionMask, lm_chunker.TokenTypeIDs)
	}
	return lm_chunker.DefaultFields
}

// vocabulary maps between text and token ids. encodeOrdinary never
// interprets special token markers.
type vocabulary interface {
	encodeOrdinary(text string) []int
	decode(ids []int) string
}

type tiktokenVocab struct {
	bpe *tiktoken.Tiktoken
}

func (vocab tiktokenVocab) encodeOrdinary(text string) []int {
	return vocab.bpe.EncodeOrdinary(text)
}

func (vocab tiktokenVocab) decode(ids []int) string {
	return vocab.bpe.Decode(ids)
}

// Encoder turns rendered records into Examples. It is not safe for
// concurrent use.
type Encoder struct {
	Name      string
	vocab     vocabulary
	eosToken  string
	eosID     types.Token
	fields    lm_chunker.Fields
	vocabSize int
	Cache     *lru.ARCCache
	LruHits   int
	LruMisses int
}

// EncodingName resolves a model name to the name of its encoding. Encoding
// names are returned as is.
func EncodingName(name string) string {
	if _, ok := vocabSizes[name]; ok {
		return name
	}
	if encoding, ok := tiktoken.MODEL_TO_ENCODING[name]; ok {
		return encoding
	}
	for prefix, encoding := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(name, prefix) {
			return encoding
		}
	}
	return name
}

// IsEncoding reports whether name resolves to a published tiktoken
// encoding.
func IsEncoding(name string) bool {
	_, ok := vocabSizes[EncodingName(name)]
	return ok
}

// New
// Loads the named tokenizer. Encoding and model names load tiktoken rank
// files through the configured loader; with a Resolver, any other name is
// resolved as a hub tokenizer.
func New(config Config) (*Encoder, error) {
	if !IsEncoding(config.Name) && config.Resolver != nil {
		return NewFromHub(config.Name, config.Resolver, config)
	}
	loader := config.Loader
	if loader == nil && config.Resolver != nil {
		// Rank files are not on the hub, so they never get the hub token.
		rankResolver := *config.Resolver
		rankResolver.Auth = ""
		loader = &resources.BpeLoader{Resolver: &rankResolver}
	}
	if loader != nil {
		tiktoken.SetBpeLoader(loader)
	}
	name := EncodingName(config.Name)
	bpe, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %q: %w", config.Name, err)
	}
	return newTiktokenEncoder(name, bpe, tiktoken.ENDOFTEXT,
		vocabSizes[name], config)
}

// NewFromRanks
// Builds an Encoder from an in-memory encoding, for vocabularies that are not
// published rank files. eosToken must be one of the encoding's special
// tokens.
func NewFromRanks(encoding *tiktoken.Encoding, eosToken string,
	config Config) (*Encoder, error) {
	if _, ok := encoding.SpecialTokens[eosToken]; !ok {
		return nil, fmt.Errorf("end-of-text token %q is not a special token",
			eosToken)
	}
	core, err := tiktoken.NewCoreBPE(encoding.MergeableRanks,
		encoding.SpecialTokens, encoding.PatStr)
	if err != nil {
		return nil, err
	}
	specialSet := make(map[string]any, len(encoding.SpecialTokens))
	vocabSize := encoding.ExplicitNVocab
	for token, rank := range encoding.SpecialTokens {
		specialSet[token] = true
		vocabSize = max(vocabSize, rank+1)
	}
	for _, rank := range encoding.MergeableRanks {
		vocabSize = max(vocabSize, rank+1)
	}
	bpe := tiktoken.NewTiktoken(core, encoding, specialSet)
	return newTiktokenEncoder(encoding.Name, bpe, eosToken, vocabSize, config)
}

func newTiktokenEncoder(name string, bpe *tiktoken.Tiktoken, eosToken string,
	vocabSize int, config Config) (*Encoder, error) {
	eos := bpe.Encode(eosToken, []string{eosToken}, nil)
	if len(eos) != 1 {
		return nil, errors.New("tokenizer " + name +
			" has no single end-of-text token")
	}
	return newEncoder(name, tiktokenVocab{bpe}, eosToken, eos[0], vocabSize,
		config)
}

func newEncoder(name string, vocab vocabulary, eosToken string, eosID int,
	vocabSize int, config Config) (*Encoder, error) {
	encoder := &Encoder{
		Name:      name,
		vocab:     vocab,
		eosToken:  eosToken,
		eosID:     types.Token(eosID),
		fields:    config.Fields(),
		vocabSize: vocabSize,
	}
	if config.CacheSize > 0 {
		cache, err := lru.NewARC(config.CacheSize)
		if err != nil {
			return nil, err
		}
		encoder.Cache = cache
	}
	return encoder, nil
}

// Fields is the set of fields in every Example this encoder returns.
func (encoder *Encoder) Fields() lm_chunker.Fields {
	return encoder.fields
}

func (encoder *Encoder) EosToken() string {
	return encoder.eosToken
}

func (encoder *Encoder) EosID() types.Token {
	return encoder.eosID
}

// PadID is the id used to pad input ids. There is no dedicated padding
// token, so padding reuses the end-of-text token.
func (encoder *Encoder) PadID() types.Token {
	return encoder.eosID
}

// PadValues are the values a final partial chunk is padded with.
func (encoder *Encoder) PadValues() lm_chunker.PadValues {
	return lm_chunker.PadValues{InputID: encoder.PadID()}
}

func (encoder *Encoder) VocabSize() int {
	return encoder.vocabSize
}

// Uint32 reports whether token ids exceed 16 bits.
func (encoder *Encoder) Uint32() bool {
	return encoder.vocabSize > math.MaxUint16+1
}

// encodeIDs
// Encodes text as ordinary text, so that special token markers appearing
// inside a record are never interpreted. A trailing end-of-text marker is
// the one exception and becomes the end-of-text id.
func (encoder *Encoder) encodeIDs(text string) types.Tokens {
	if encoder.Cache != nil {
		if lookup, ok := encoder.Cache.Get(text); ok {
			encoder.LruHits++
			return lookup.(types.Tokens)
		}
		encoder.LruMisses++
	}
	body, hasEos := strings.CutSuffix(text, encoder.eosToken)
	ids := encoder.vocab.encodeOrdinary(body)
	tokens := make(types.Tokens, 0, len(ids)+1)
	for _, id := range ids {
		tokens = append(tokens, types.Token(id))
	}
	if hasEos {
		tokens = append(tokens, encoder.eosID)
	}
	if encoder.Cache != nil {
		encoder.Cache.Add(text, tokens)
	}
	return tokens
}

// EncodeText
// Tokenizes a rendered record into an Example carrying every field of the
// encoder. The attention mask is all ones and token type ids all zeros.
func (encoder *Encoder) EncodeText(text string) lm_chunker.Example {
	inputIDs := encoder.encodeIDs(text).Clone()
	example := lm_chunker.Example{
		InputIDs:      inputIDs,
		AttentionMask: types.Repeat(1, len(inputIDs)),
	}
	if encoder.fields.Has(lm_chunker.TokenTypeIDs) {
		example.TokenTypeIDs = types.Repeat(0, len(inputIDs))
	}
	return example
}

// EncodeBatch
// Tokenizes texts in order into a field-major batch.
func (encoder *Encoder) EncodeBatch(texts []string) *lm_chunker.Batch {
	batch := lm_chunker.NewBatch(len(texts), encoder.fields)
	for _, text := range texts {
		batch.Append(encoder.EncodeText(text), encoder.fields)
	}
	return batch
}

// Decode turns token ids back into text. Special tokens are rendered as
// their markers.
func (encoder *Encoder) Decode(tokens types.Tokens) string {
	ids := make([]int, len(tokens))
	for idx, token := range tokens {
		ids[idx] = int(token)
	}
	return encoder.vocab.decode(ids)
}

// Count is the number of tokens text encodes to.
func (encoder *Encoder) Count(text string) int {
	return len(encoder.encodeIDs(text))
}
