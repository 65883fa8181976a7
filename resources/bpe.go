package resources

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
)

// BpeLoader resolves tiktoken rank files through a Resolver, so that they
// are downloaded once into the cache and memory mapped on later runs.
type BpeLoader struct {
	Resolver *Resolver
}

// LoadTiktokenBpe
// Resolves the rank file at the given location (URL or local path) and
// parses it into a map of token bytes to rank.
func (loader *BpeLoader) LoadTiktokenBpe(tiktokenBpeFile string) (
	map[string]int, error) {
	base, rsrc := path.Dir(tiktokenBpeFile), path.Base(tiktokenBpeFile)
	if isValidUrl(tiktokenBpeFile) {
		// path.Dir collapses the `//` after the scheme.
		base = tiktokenBpeFile[:len(tiktokenBpeFile)-len(rsrc)-1]
	}
	entry, err := loader.Resolver.Resolve(base, rsrc)
	if err != nil {
		return nil, err
	}
	defer entry.Close()
	return ParseTiktokenBpe(entry.Data)
}

// ParseTiktokenBpe
// Parses the `<base64 token> <rank>` line format of tiktoken rank files.
func ParseTiktokenBpe(data []byte) (map[string]int, error) {
	ranks := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sep := bytes.IndexByte(line, ' ')
		if sep < 0 {
			return nil, fmt.Errorf("rank file line %d: missing rank",
				lineNum)
		}
		token, decodeErr := base64.StdEncoding.DecodeString(
			string(line[:sep]))
		if decodeErr != nil {
			return nil, fmt.Errorf("rank file line %d: %w", lineNum,
				decodeErr)
		}
		rank, rankErr := strconv.Atoi(string(line[sep+1:]))
		if rankErr != nil {
			return nil, fmt.Errorf("rank file line %d: %w", lineNum, rankErr)
		}
		ranks[string(token)] = rank
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ranks, nil
}
