package tokenizer

import (
	"bytes"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
)

// Penalty below the lowest piece score given to an unknown rune.
const unkPenalty = 10.0

type unigramPiece struct {
	id    int
	score float64
}

// unigramVocab segments text into the highest scoring sequence of pieces.
type unigramVocab struct {
	pieces   map[string]unigramPiece
	texts    map[int]string
	specials map[int]bool
	byteIDs  map[byte]int
	byteOf   map[int]byte
	maxLen   int
	unkID    int
	unkScore float64
	// addDummyPrefix prefixes a metaspace to the text.
	addDummyPrefix bool
	// collapseSpaces trims the text and collapses whitespace runs.
	collapseSpaces bool
}

func newUnigramVocab() *unigramVocab {
	return &unigramVocab{
		pieces:         make(map[string]unigramPiece),
		texts:          make(map[int]string),
		specials:       make(map[int]bool),
		byteIDs:        make(map[byte]int),
		byteOf:         make(map[int]byte),
		unkID:          -1,
		addDummyPrefix: true,
		collapseSpaces: true,
	}
}

// addPiece adds a piece that text can be segmented into.
func (vocab *unigramVocab) addPiece(piece string, id int, score float64) {
	vocab.texts[id] = piece
	if _, ok := vocab.pieces[piece]; ok || piece == "" {
		return
	}
	vocab.pieces[piece] = unigramPiece{id, score}
	vocab.maxLen = max(vocab.maxLen, len(piece))
}

// addSpecial adds a piece that is only ever decoded.
func (vocab *unigramVocab) addSpecial(piece string, id int) {
	vocab.texts[id] = piece
	vocab.specials[id] = true
}

func (vocab *unigramVocab) addByte(piece string, id int) bool {
	b, ok := parseBytePiece(piece)
	if !ok {
		return false
	}
	vocab.texts[id] = piece
	vocab.byteIDs[b] = id
	vocab.byteOf[id] = b
	return true
}

// finish sets the unknown score once every piece is added.
func (vocab *unigramVocab) finish() {
	minScore := 0.0
	for _, piece := range vocab.pieces {
		minScore = math.Min(minScore, piece.score)
	}
	vocab.unkScore = minScore - unkPenalty
}

// newSentencePieceVocab
// Builds a vocabulary from a SentencePiece model. Control and unused pieces
// are decoded only, byte pieces serve as fallback for unknown runes.
func newSentencePieceVocab(model *sentencepiece.ModelProto) *unigramVocab {
	vocab := newUnigramVocab()
	for id, piece := range model.GetPieces() {
		text := piece.GetPiece()
		switch piece.GetType() {
		case sentencepiece.ModelProto_SentencePiece_UNKNOWN:
			vocab.unkID = id
			vocab.addSpecial(text, id)
		case sentencepiece.ModelProto_SentencePiece_CONTROL,
			sentencepiece.ModelProto_SentencePiece_UNUSED:
			vocab.addSpecial(text, id)
		case sentencepiece.ModelProto_SentencePiece_BYTE:
			if !vocab.addByte(text, id) {
				vocab.addSpecial(text, id)
			}
		default:
			vocab.addPiece(text, id, float64(piece.GetScore()))
		}
	}
	vocab.finish()
	return vocab
}

func (vocab *unigramVocab) normalize(text string) string {
	if vocab.collapseSpaces {
		text = strings.Join(strings.Fields(text), " ")
	}
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, " ", metaspace)
	if vocab.addDummyPrefix && !strings.HasPrefix(text, metaspace) {
		text = metaspace + text
	}
	return text
}

// encodeOrdinary
// Finds the best segmentation with Viterbi over byte offsets. A rune no
// piece starts with is unknown: it is spelled in byte pieces when the
// vocabulary has them, otherwise runs of unknown runes become one unknown
// token.
func (vocab *unigramVocab) encodeOrdinary(text string) []int {
	normalized := vocab.normalize(text)
	size := len(normalized)
	if size == 0 {
		return nil
	}
	best := make([]float64, size+1)
	from := make([]int, size+1)
	ids := make([]int, size+1)
	for idx := 1; idx <= size; idx++ {
		best[idx] = math.Inf(-1)
	}
	for begin := 0; begin < size; begin++ {
		if math.IsInf(best[begin], -1) ||
			!utf8.RuneStart(normalized[begin]) {
			continue
		}
		_, runeSize := utf8.DecodeRuneInString(normalized[begin:])
		single := false
		for end := begin + 1; end <= min(size, begin+vocab.maxLen); end++ {
			if end < size && !utf8.RuneStart(normalized[end]) {
				continue
			}
			piece, ok := vocab.pieces[normalized[begin:end]]
			if !ok {
				continue
			}
			if score := best[begin] + piece.score; score > best[end] {
				best[end], from[end], ids[end] = score, begin, piece.id
			}
			single = single || end == begin+runeSize
		}
		if !single {
			end := begin + runeSize
			if score := best[begin] + vocab.unkScore; score > best[end] {
				best[end], from[end], ids[end] = score, begin, -1
			}
		}
	}

	type segment struct {
		begin, end, id int
	}
	segments := make([]segment, 0)
	for end := size; end > 0; end = from[end] {
		segments = append(segments, segment{from[end], end, ids[end]})
	}
	encoded := make([]int, 0, len(segments))
	for idx := len(segments) - 1; idx >= 0; idx-- {
		seg := segments[idx]
		if seg.id >= 0 {
			encoded = append(encoded, seg.id)
			continue
		}
		if len(vocab.byteIDs) > 0 {
			for _, b := range []byte(normalized[seg.begin:seg.end]) {
				if id, ok := vocab.byteIDs[b]; ok {
					encoded = append(encoded, id)
				}
			}
			continue
		}
		if vocab.unkID < 0 {
			continue
		}
		if len(encoded) > 0 && encoded[len(encoded)-1] == vocab.unkID &&
			idx < len(segments)-1 && segments[idx+1].id < 0 {
			continue
		}
		encoded = append(encoded, vocab.unkID)
	}
	return encoded
}

func (vocab *unigramVocab) decode(ids []int) string {
	decoded := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		if b, ok := vocab.byteOf[id]; ok {
			decoded = append(decoded, b)
			continue
		}
		piece, ok := vocab.texts[id]
		if !ok {
			continue
		}
		if vocab.specials[id] {
			decoded = append(decoded, piece...)
			continue
		}
		decoded = append(decoded, strings.ReplaceAll(piece, metaspace, " ")...)
	}
	if vocab.addDummyPrefix {
		decoded = bytes.TrimPrefix(decoded, []byte(" "))
	}
	return string(decoded)
}
