package main

import (
	"flag"
	"log"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/tokenizer"
)

// Fetches the dataset file and the tokenizer files into the cache, so that
// later runs of dolly_dataset work offline.
func main() {
	datasetId := flag.String("dataset", "databricks/databricks-dolly-15k",
		"dataset URL, path, or huggingface id to fetch")
	datasetFile := flag.String("dataset_file", "databricks-dolly-15k.jsonl",
		"dataset file to fetch")
	modelId := flag.String("model_id", "cl100k_base",
		"tokenizer encoding, model name or hub model id to fetch, empty to skip")
	cacheDir := flag.String("cache_dir", "",
		"directory to cache downloads in, defaults to the user cache")
	hfToken := flag.String("hf_token", "",
		"Hugging Face token, defaults to HF_TOKEN or the cached login")
	flag.Parse()

	auth := *hfToken
	if auth == "" {
		auth = resources.HuggingFaceToken()
	}
	if *datasetId != "" {
		resolver, err := resources.NewResolver(*cacheDir,
			resources.RepoDataset, auth)
		if err != nil {
			log.Fatal(err)
		}
		entry, rsrcErr := resolver.Resolve(*datasetId, *datasetFile)
		if rsrcErr != nil {
			log.Fatalf("Error fetching dataset: %s", rsrcErr)
		}
		log.Printf("%s: %s", entry.Path, humanize.Bytes(uint64(len(entry.Data))))
		entry.Close()
	}
	if *modelId != "" {
		resolver, err := resources.NewResolver(*cacheDir, resources.RepoModel,
			auth)
		if err != nil {
			log.Fatal(err)
		}
		config := tokenizer.DefaultConfig()
		config.Name = *modelId
		config.CacheSize = 0
		config.Resolver = resolver
		encoder, tokErr := tokenizer.New(config)
		if tokErr != nil {
			log.Fatalf("Error fetching tokenizer: %s", tokErr)
		}
		log.Printf("%s: %s tokens", encoder.Name,
			humanize.Comma(int64(encoder.VocabSize())))
	}
}
