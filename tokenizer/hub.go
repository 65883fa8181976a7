package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wbrown/lm_chunker/resources"
)

// Tried in order when a tokenizer names no end-of-text token.
var eosCandidates = []string{"</s>", "<|endoftext|>", "<eos>"}

// tokenizerJSON is the part of a `tokenizer.json` needed to encode.
type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer *pipelineStep `json:"pre_tokenizer"`
	Decoder      *pipelineStep `json:"decoder"`
	Model        struct {
		Type         string          `json:"type"`
		Vocab        json.RawMessage `json:"vocab"`
		Merges       json.RawMessage `json:"merges"`
		UnkToken     *string         `json:"unk_token"`
		UnkID        *int            `json:"unk_id"`
		ByteFallback bool            `json:"byte_fallback"`
	} `json:"model"`
}

// pipelineStep is a pre-tokenizer or decoder, possibly a sequence of them.
type pipelineStep struct {
	Type    string `json:"type"`
	Pattern *struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
	PreTokenizers []pipelineStep `json:"pretokenizers"`
	Decoders      []pipelineStep `json:"decoders"`
}

// walk calls fn on the step and every nested step.
func (step *pipelineStep) walk(fn func(*pipelineStep)) {
	if step == nil {
		return
	}
	fn(step)
	for idx := range step.PreTokenizers {
		step.PreTokenizers[idx].walk(fn)
	}
	for idx := range step.Decoders {
		step.Decoders[idx].walk(fn)
	}
}

// hubVocab is a vocabulary together with its token to id mapping.
type hubVocab struct {
	vocabulary
	ids map[string]int
}

func (vocab *hubVocab) size() int {
	size := 0
	for _, id := range vocab.ids {
		size = max(size, id+1)
	}
	return size
}

// NewFromHub
// Resolves the tokenizer of a hub model id, URL or local directory, and
// builds an Encoder from it.
func NewFromHub(id string, resolver *resources.Resolver,
	config Config) (*Encoder, error) {
	vocab, err := resources.ResolveVocab(resolver, id)
	if err != nil {
		return nil, err
	}
	return NewFromVocab(vocab, config)
}

// NewFromVocab
// Builds an Encoder from resolved tokenizer files. The end-of-text token is
// the `eos_token` special, or the first well-known one in the vocabulary.
func NewFromVocab(files *resources.Vocab, config Config) (*Encoder, error) {
	var vocab *hubVocab
	var err error
	switch {
	case files.TokenizerJSON != nil:
		vocab, err = parseTokenizerJSON(files.TokenizerJSON)
	case files.VocabJSON != nil:
		vocab, err = parseVocabMerges(files.VocabJSON, files.Merges,
			files.Specials)
	case files.SentencePiece != nil:
		vocab, err = parseSentencePiece(files.SentencePiece)
	default:
		err = errors.New("no vocabulary")
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", files.Id, err)
	}

	eosToken := files.Specials["eos_token"]
	if eosToken == "" {
		for _, candidate := range eosCandidates {
			if _, ok := vocab.ids[candidate]; ok {
				eosToken = candidate
				break
			}
		}
	}
	eosID, ok := vocab.ids[eosToken]
	if !ok {
		return nil, fmt.Errorf("tokenizer %s has no end-of-text token %q",
			files.Id, eosToken)
	}
	return newEncoder(files.Id, vocab.vocabulary, eosToken, eosID,
		vocab.size(), config)
}

// parseMergesJSON accepts both the `"a b"` and the `["a", "b"]` forms.
func parseMergesJSON(raw json.RawMessage) ([]mergePair, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		merges := make([]mergePair, 0, len(lines))
		for idx, line := range lines {
			left, right, ok := strings.Cut(line, " ")
			if !ok {
				return nil, fmt.Errorf("merge %d: not a pair", idx)
			}
			merges = append(merges, mergePair{left, right})
		}
		return merges, nil
	}
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("cannot parse merges: %w", err)
	}
	merges := make([]mergePair, 0, len(pairs))
	for idx, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("merge %d: not a pair", idx)
		}
		merges = append(merges, mergePair{pair[0], pair[1]})
	}
	return merges, nil
}

func parseTokenizerJSON(data []byte) (*hubVocab, error) {
	var parsed tokenizerJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("cannot parse `tokenizer.json`: %w", err)
	}
	byteLevel := false
	whitespaceSplit := false
	splitPattern := ""
	inspect := func(step *pipelineStep) {
		switch step.Type {
		case "ByteLevel":
			byteLevel = true
		case "WhitespaceSplit":
			whitespaceSplit = true
		case "Split":
			if step.Pattern != nil && splitPattern == "" {
				splitPattern = step.Pattern.Regex
			}
		}
	}
	parsed.PreTokenizer.walk(inspect)
	parsed.Decoder.walk(inspect)

	specials := make(map[string]int, len(parsed.AddedTokens))
	for _, added := range parsed.AddedTokens {
		specials[added.Content] = added.ID
	}

	modelType := parsed.Model.Type
	if modelType == "" {
		modelType = "BPE"
		if strings.HasPrefix(strings.TrimSpace(string(parsed.Model.Vocab)),
			"[") {
			modelType = "Unigram"
		}
	}
	switch modelType {
	case "BPE":
		tokens := make(map[string]int)
		if err := json.Unmarshal(parsed.Model.Vocab, &tokens); err != nil {
			return nil, fmt.Errorf("cannot parse BPE vocab: %w", err)
		}
		merges, err := parseMergesJSON(parsed.Model.Merges)
		if err != nil {
			return nil, err
		}
		options := bpeOptions{
			byteLevel:    byteLevel,
			splitPattern: splitPattern,
			byteFallback: parsed.Model.ByteFallback,
		}
		if parsed.Model.UnkToken != nil {
			options.unkToken = *parsed.Model.UnkToken
		}
		vocab, err := newBPEVocab(tokens, merges, specials, options)
		if err != nil {
			return nil, err
		}
		ids := make(map[string]int, len(tokens)+len(specials))
		for token, id := range tokens {
			ids[token] = id
		}
		for token, id := range specials {
			ids[token] = id
		}
		return &hubVocab{vocab, ids}, nil
	case "Unigram":
		var entries [][]interface{}
		if err := json.Unmarshal(parsed.Model.Vocab, &entries); err != nil {
			return nil, fmt.Errorf("cannot parse Unigram vocab: %w", err)
		}
		vocab := newUnigramVocab()
		vocab.collapseSpaces = whitespaceSplit
		specialIDs := make(map[int]bool, len(specials))
		for _, id := range specials {
			specialIDs[id] = true
		}
		ids := make(map[string]int, len(entries))
		for id, entry := range entries {
			if len(entry) != 2 {
				return nil, fmt.Errorf("vocab entry %d: not a pair", id)
			}
			piece, pieceOk := entry[0].(string)
			score, scoreOk := entry[1].(float64)
			if !pieceOk || !scoreOk {
				return nil, fmt.Errorf("vocab entry %d: not a piece and "+
					"score", id)
			}
			ids[piece] = id
			switch {
			case specialIDs[id]:
				vocab.addSpecial(piece, id)
			case parsed.Model.ByteFallback && vocab.addByte(piece, id):
			default:
				vocab.addPiece(piece, id, score)
			}
		}
		for token, id := range specials {
			ids[token] = id
			if _, ok := vocab.texts[id]; !ok {
				vocab.addSpecial(token, id)
			}
		}
		if parsed.Model.UnkID != nil {
			vocab.unkID = *parsed.Model.UnkID
		}
		vocab.finish()
		return &hubVocab{vocab, ids}, nil
	}
	return nil, fmt.Errorf("unsupported tokenizer model %q", modelType)
}

// parseVocabMerges builds a GPT-2 style byte-level vocabulary from
// `vocab.json` and `merges.txt`.
func parseVocabMerges(vocabJSON []byte, mergesTxt []byte,
	specialTokens resources.Specials) (*hubVocab, error) {
	tokens := make(map[string]int)
	if err := json.Unmarshal(vocabJSON, &tokens); err != nil {
		return nil, fmt.Errorf("cannot parse `vocab.json`: %w", err)
	}
	merges, err := parseMergesTxt(mergesTxt)
	if err != nil {
		return nil, err
	}
	specials := make(map[string]int)
	for _, token := range specialTokens {
		if id, ok := tokens[token]; ok {
			specials[token] = id
		}
	}
	vocab, err := newBPEVocab(tokens, merges, specials,
		bpeOptions{byteLevel: true})
	if err != nil {
		return nil, err
	}
	return &hubVocab{vocab, tokens}, nil
}

func parseSentencePiece(data []byte) (*hubVocab, error) {
	model, err := resources.ParseSentencePiece(data)
	if err != nil {
		return nil, err
	}
	vocab := newSentencePieceVocab(model)
	ids := make(map[string]int, len(model.GetPieces()))
	for id, piece := range model.GetPieces() {
		if _, ok := ids[piece.GetPiece()]; !ok {
			ids[piece.GetPiece()] = id
		}
	}
	return &hubVocab{vocab, ids}, nil
}
