package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/tokenizer"
)

func main() {
	savePath := flag.String("save_path", "data",
		"path of the processed dataset")
	tokenizerId := flag.String("tokenizer", "",
		"tokenizer to decode with, defaults to the one in the manifest")
	numChunks := flag.Int("n", 4, "number of chunks to decode, -1 for all")
	outputFile := flag.String("output", "",
		"file to write decoded chunks to, defaults to stdout")
	raw := flag.Bool("raw", false, "print token ids instead of text")
	cacheDir := flag.String("cache_dir", "",
		"directory to cache downloads in, defaults to the user cache")
	flag.Parse()

	info, chunks, err := LoadChunks(*savePath, *numChunks)
	if err != nil {
		log.Fatal(err)
	}
	if verifyErr := VerifyChunks(info, chunks); verifyErr != nil {
		log.Fatal(verifyErr)
	}
	log.Printf("%s: %d rows of %d tokens, fields %v, %d tokens dropped",
		*savePath, info.Rows, info.ChunkLength, info.Fields,
		info.DroppedTokens)

	if *tokenizerId == "" {
		*tokenizerId = info.Tokenizer
	}
	var encoder *tokenizer.Encoder
	if !*raw {
		resolver, resolverErr := resources.NewResolver(*cacheDir,
			resources.RepoModel, resources.HuggingFaceToken())
		if resolverErr != nil {
			log.Fatal(resolverErr)
		}
		config := tokenizer.DefaultConfig()
		config.Name = *tokenizerId
		config.CacheSize = 0
		config.Resolver = resolver
		if encoder, err = tokenizer.New(config); err != nil {
			log.Fatal(err)
		}
	}

	output := os.Stdout
	if *outputFile != "" {
		if output, err = os.Create(*outputFile); err != nil {
			log.Fatal(err)
		}
		defer output.Close()
	}
	writer := bufio.NewWriter(output)
	defer writer.Flush()
	for idx, chunk := range chunks {
		fmt.Fprintf(writer, "=== chunk %d ===\n", idx)
		if *raw {
			fmt.Fprintln(writer, chunk.InputIDs)
			continue
		}
		fmt.Fprintln(writer, encoder.Decode(chunk.InputIDs))
	}
}
