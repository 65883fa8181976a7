package types

// Token is a single per-token value. Token ids, attention mask bits and
// token type ids all share this representation so that every field can be
// concatenated and sliced the same way.
type Token uint32
type Tokens []Token

const (
	TokenSize16 = 2
	TokenSize32 = 4
)

// Clone returns a copy of tokens that shares no backing storage.
func (tokens Tokens) Clone() Tokens {
	if tokens == nil {
		return nil
	}
	cloned := make(Tokens, len(tokens))
	copy(cloned, tokens)
	return cloned
}

// Repeat returns a sequence of n copies of token.
func Repeat(token Token, n int) Tokens {
	repeated := make(Tokens, n)
	for idx := range repeated {
		repeated[idx] = token
	}
	return repeated
}
