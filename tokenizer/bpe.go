package tokenizer

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// SplitPattern is the GPT-2 pre-tokenization pattern.
const SplitPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+` +
	`| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// metaspace stands in for spaces in SentencePiece style vocabularies.
const metaspace = "▁"

type mergePair struct {
	left  string
	right string
}

// bytesToUnicode
// Builds the GPT-2 table mapping every byte to a printable rune, and its
// inverse.
func bytesToUnicode() (byteToRune [256]rune, runeToByte map[rune]byte) {
	runeToByte = make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) ||
			(b >= 0xAE && b <= 0xFF)
	}
	unprintable := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + unprintable)
			unprintable++
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
	return byteToRune, runeToByte
}

// bpeVocab is a BPE vocabulary with merge ranks. Byte-level vocabularies
// split text with a pattern and map bytes to runes first; otherwise spaces
// become metaspaces and words start at each metaspace.
type bpeVocab struct {
	tokens       map[string]int
	pieces       map[int]string
	ranks        map[mergePair]int
	specials     map[int]bool
	split        *regexp2.Regexp
	byteLevel    bool
	byteToRune   [256]rune
	runeToByte   map[rune]byte
	byteFallback bool
	unkID        int
}

type bpeOptions struct {
	byteLevel    bool
	splitPattern string
	byteFallback bool
	unkToken     string
}

func newBPEVocab(tokens map[string]int, merges []mergePair,
	specials map[string]int, options bpeOptions) (*bpeVocab, error) {
	vocab := &bpeVocab{
		tokens:       tokens,
		pieces:       make(map[int]string, len(tokens)+len(specials)),
		ranks:        make(map[mergePair]int, len(merges)),
		specials:     make(map[int]bool, len(specials)),
		byteLevel:    options.byteLevel,
		byteFallback: options.byteFallback,
		unkID:        -1,
	}
	for token, id := range tokens {
		vocab.pieces[id] = token
	}
	for token, id := range specials {
		vocab.pieces[id] = token
		vocab.specials[id] = true
	}
	for rank, merge := range merges {
		if _, ok := vocab.ranks[merge]; !ok {
			vocab.ranks[merge] = rank
		}
	}
	if id, ok := tokens[options.unkToken]; ok && options.unkToken != "" {
		vocab.unkID = id
	}
	if options.byteLevel {
		pattern := options.splitPattern
		if pattern == "" {
			pattern = SplitPattern
		}
		split, err := regexp2.Compile(pattern, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("cannot compile split pattern: %w", err)
		}
		vocab.split = split
		vocab.byteToRune, vocab.runeToByte = bytesToUnicode()
	}
	return vocab, nil
}

// parseMergesTxt reads `merges.txt`, one space separated pair per line after
// an optional `#version` header.
func parseMergesTxt(data []byte) ([]mergePair, error) {
	merges := make([]mergePair, 0)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || (lineNum == 1 && strings.HasPrefix(line, "#")) {
			continue
		}
		left, right, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("merges line %d: not a pair", lineNum)
		}
		merges = append(merges, mergePair{left, right})
	}
	return merges, scanner.Err()
}

// splitWords
// Splits text with the pattern. Text between matches is kept as words of
// its own.
func (vocab *bpeVocab) splitWords(text string) []string {
	// regexp2 reports match positions in runes.
	runes := []rune(text)
	words := make([]string, 0)
	last := 0
	match, err := vocab.split.FindStringMatch(text)
	for err == nil && match != nil {
		if match.Index > last {
			words = append(words, string(runes[last:match.Index]))
		}
		if match.Length > 0 {
			words = append(words, match.String())
		}
		last = match.Index + match.Length
		match, err = vocab.split.FindNextMatch(match)
	}
	if last < len(runes) {
		words = append(words, string(runes[last:]))
	}
	return words
}

// metaspaceWords
// Replaces spaces with metaspaces, prefixes one, and starts a word at every
// metaspace.
func metaspaceWords(text string) []string {
	text = metaspace + strings.ReplaceAll(text, " ", metaspace)
	words := make([]string, 0)
	for len(text) > 0 {
		next := strings.Index(text[len(metaspace):], metaspace)
		if next < 0 {
			words = append(words, text)
			break
		}
		words = append(words, text[:next+len(metaspace)])
		text = text[next+len(metaspace):]
	}
	return words
}

// merge
// Merges the lowest ranked adjacent pair everywhere in word until no
// ranked pair is left.
func (vocab *bpeVocab) merge(word string) []string {
	symbols := strings.Split(word, "")
	for len(symbols) > 1 {
		bestRank := math.MaxInt
		var best mergePair
		for idx := 1; idx < len(symbols); idx++ {
			pair := mergePair{symbols[idx-1], symbols[idx]}
			if rank, ok := vocab.ranks[pair]; ok && rank < bestRank {
				bestRank, best = rank, pair
			}
		}
		if bestRank == math.MaxInt {
			break
		}
		merged := make([]string, 0, len(symbols))
		for idx := 0; idx < len(symbols); idx++ {
			if idx < len(symbols)-1 && symbols[idx] == best.left &&
				symbols[idx+1] == best.right {
				merged = append(merged, best.left+best.right)
				idx++
				continue
			}
			merged = append(merged, symbols[idx])
		}
		symbols = merged
	}
	return symbols
}

func (vocab *bpeVocab) appendSymbol(ids []int, symbol string) []int {
	if id, ok := vocab.tokens[symbol]; ok {
		return append(ids, id)
	}
	if vocab.byteFallback {
		for _, b := range []byte(symbol) {
			if id, ok := vocab.tokens[fmt.Sprintf("<0x%02X>", b)]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if vocab.unkID >= 0 {
		return append(ids, vocab.unkID)
	}
	return ids
}

func (vocab *bpeVocab) encodeOrdinary(text string) []int {
	if text == "" {
		return nil
	}
	ids := make([]int, 0, len(text)/2)
	if !vocab.byteLevel {
		for _, word := range metaspaceWords(text) {
			for _, symbol := range vocab.merge(word) {
				ids = vocab.appendSymbol(ids, symbol)
			}
		}
		return ids
	}
	for _, word := range vocab.splitWords(text) {
		mapped := make([]rune, 0, len(word))
		for _, b := range []byte(word) {
			mapped = append(mapped, vocab.byteToRune[b])
		}
		for _, symbol := range vocab.merge(string(mapped)) {
			ids = vocab.appendSymbol(ids, symbol)
		}
	}
	return ids
}

func (vocab *bpeVocab) decode(ids []int) string {
	decoded := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		piece, ok := vocab.pieces[id]
		if !ok {
			continue
		}
		switch {
		case vocab.specials[id]:
			decoded = append(decoded, piece...)
		case vocab.byteLevel:
			for _, r := range piece {
				if b, isByte := vocab.runeToByte[r]; isByte {
					decoded = append(decoded, b)
				} else {
					decoded = utf8.AppendRune(decoded, r)
				}
			}
		default:
			if b, isByte := parseBytePiece(piece); isByte {
				decoded = append(decoded, b)
			} else {
				decoded = append(decoded,
					strings.ReplaceAll(piece, metaspace, " ")...)
			}
		}
	}
	if !vocab.byteLevel {
		decoded = bytes.TrimPrefix(decoded, []byte(" "))
	}
	return string(decoded)
}

// parseBytePiece reads a `<0xNN>` byte fallback piece.
func parseBytePiece(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") ||
		piece[5] != '>' {
		return 0, false
	}
	value, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(value), true
}
