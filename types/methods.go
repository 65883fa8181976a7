package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ToBin serializes tokens as little-endian unsigned integers, 16 or 32
// bits wide.
func (tokens Tokens) ToBin(useUint32 bool) ([]byte, error) {
	if useUint32 {
		return tokens.ToBinUint32(), nil
	}
	return tokens.ToBinUint16()
}

func (tokens Tokens) ToBinUint16() ([]byte, error) {
	buf := make([]byte, len(tokens)*TokenSize16)
	for idx, token := range tokens {
		if token > 65535 {
			return nil, fmt.Errorf("integer overflow: tried to write "+
				"token %d as unsigned 16-bit", token)
		}
		binary.LittleEndian.PutUint16(buf[idx*TokenSize16:], uint16(token))
	}
	return buf, nil
}

func (tokens Tokens) ToBinUint32() []byte {
	buf := make([]byte, len(tokens)*TokenSize32)
	for idx, token := range tokens {
		binary.LittleEndian.PutUint32(buf[idx*TokenSize32:], uint32(token))
	}
	return buf
}

// TokensFromBin reads 16-bit little-endian tokens. A trailing odd byte is
// ignored.
func TokensFromBin(bin []byte) Tokens {
	tokens := make(Tokens, 0, len(bin)/TokenSize16)
	buf := bytes.NewReader(bin)
	for {
		var token uint16
		if err := binary.Read(buf, binary.LittleEndian, &token); err != nil {
			break
		}
		tokens = append(tokens, Token(token))
	}
	return tokens
}

// TokensFromBin32 reads 32-bit little-endian tokens.
func TokensFromBin32(bin []byte) Tokens {
	tokens := make(Tokens, 0, len(bin)/TokenSize32)
	buf := bytes.NewReader(bin)
	for {
		var token uint32
		if err := binary.Read(buf, binary.LittleEndian, &token); err != nil {
			break
		}
		tokens = append(tokens, Token(token))
	}
	return tokens
}
