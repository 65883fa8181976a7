package resources

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"
)

// Specials
// Map of special token roles such as `eos_token` and `pad_token` to the
// token strings.
type Specials map[string]string

// Vocab holds the tokenizer files of a model repository. Only one of the
// vocabulary forms is set: TokenizerJSON, VocabJSON with Merges, or
// SentencePiece.
type Vocab struct {
	Id            string
	TokenizerJSON []byte
	VocabJSON     []byte
	Merges        []byte
	SentencePiece []byte
	Specials      Specials
}

// Files tried for a SentencePiece model, in order.
var sentencePieceFiles = []string{"spiece.model", "tokenizer.model"}

// readResource resolves a resource and copies it out of the mapping. A
// missing resource is not an error; ok is false.
func readResource(resolver *Resolver, uri string, rsrc string) (
	data []byte, ok bool) {
	entry, err := resolver.Resolve(uri, rsrc)
	if err != nil {
		log.Printf("Resolved %s/%s... not there, not required.", uri, rsrc)
		return nil, false
	}
	defer entry.Close()
	return append([]byte{}, entry.Data...), true
}

// ResolveVocab
// Resolves the tokenizer of a model repository, a URL or a local directory.
// `tokenizer.json` is preferred, then `vocab.json` with `merges.txt`, then a
// SentencePiece model. Special tokens come from `special_tokens_map.json`,
// falling back to `tokenizer_config.json`.
func ResolveVocab(resolver *Resolver, id string) (*Vocab, error) {
	vocab := &Vocab{Id: id}
	if data, ok := readResource(resolver, id, "tokenizer.json"); ok {
		vocab.TokenizerJSON = data
	} else if data, ok := readResource(resolver, id, "vocab.json"); ok {
		merges, mergesOk := readResource(resolver, id, "merges.txt")
		if !mergesOk {
			return nil, fmt.Errorf("%s has `vocab.json` but no `merges.txt`",
				id)
		}
		vocab.VocabJSON, vocab.Merges = data, merges
	} else {
		for _, rsrc := range sentencePieceFiles {
			if data, ok := readResource(resolver, id, rsrc); ok {
				vocab.SentencePiece = data
				break
			}
		}
	}
	if vocab.TokenizerJSON == nil && vocab.VocabJSON == nil &&
		vocab.SentencePiece == nil {
		return nil, fmt.Errorf("cannot resolve a tokenizer for `%s`: no "+
			"`tokenizer.json`, `vocab.json` or SentencePiece model", id)
	}

	vocab.Specials = make(Specials)
	for _, rsrc := range []string{"tokenizer_config.json",
		"special_tokens_map.json"} {
		data, ok := readResource(resolver, id, rsrc)
		if !ok {
			continue
		}
		specials, err := ParseSpecials(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse `%s`: %w", rsrc, err)
		}
		// special_tokens_map.json is read last and wins.
		for role, token := range specials {
			vocab.Specials[role] = token
		}
	}
	return vocab, nil
}

// ParseSpecials
// Extracts the `*_token` entries of a `special_tokens_map.json` or
// `tokenizer_config.json`. Entries are either plain strings or objects with
// a `content` field; anything else is skipped.
func ParseSpecials(data []byte) (Specials, error) {
	entries := make(map[string]interface{})
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	specials := make(Specials)
	for role, value := range entries {
		if !strings.HasSuffix(role, "_token") {
			continue
		}
		switch token := value.(type) {
		case string:
			specials[role] = token
		case map[string]interface{}:
			if content, ok := token["content"].(string); ok {
				specials[role] = content
			}
		}
	}
	return specials, nil
}

// ParseSentencePiece
// Unmarshals a SentencePiece model protobuf.
func ParseSentencePiece(data []byte) (*sentencepiece.ModelProto, error) {
	var model sentencepiece.ModelProto
	if err := proto.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("unable to unmarshal SentencePiece model: %w",
			err)
	}
	if len(model.GetPieces()) == 0 {
		return nil, errors.New("SentencePiece model has no pieces")
	}
	return &model, nil
}
