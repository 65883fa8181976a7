package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/lm_chunker"
	"github.com/wbrown/lm_chunker/dolly"
	"github.com/wbrown/lm_chunker/resources"
	"github.com/wbrown/lm_chunker/tokenizer"
)

func main() {
	defaults := NewDatasetBuilder()
	modelId := flag.String("model_id", defaults.Tokenizer,
		"tokenizer: tiktoken encoding or model name [cl100k_base, "+
			"o200k_base, gpt-4, ...], or a hub model id, URL or directory "+
			"[tiiuae/falcon-7b, google/flan-t5-xl, ...]")
	datasetId := flag.String("dataset", defaults.Source,
		"dataset source: hub dataset id, URL, local .jsonl file or "+
			"directory, or s3://bucket/prefix")
	datasetFile := flag.String("dataset_file", "databricks-dolly-15k.jsonl",
		"file to fetch when -dataset is a hub id or URL")
	savePath := flag.String("save_path", defaults.SavePath,
		"path to save the processed dataset")
	modelMaxLength := flag.Int("model_max_length", defaults.ChunkLength,
		"length of every chunk in tokens")
	batchSize := flag.Int("batch_size", defaults.BatchSize,
		"number of records tokenized and chunked together")
	hfToken := flag.String("hf_token", "",
		"Hugging Face token, defaults to HF_TOKEN or the cached login")
	cacheDir := flag.String("cache_dir", "",
		"directory to cache downloads in, defaults to the user cache")
	s3Region := flag.String("s3_region", "",
		"region of the S3 bucket for s3:// sources")
	formatName := flag.String("format", string(defaults.Format),
		"output format [jsonl, bin]")
	tokenTypeIds := flag.Bool("token_type_ids", false,
		"emit token_type_ids alongside input_ids and attention_mask")
	padRemainder := flag.Bool("pad_remainder", false,
		"pad and keep the final partial chunk instead of dropping it")
	forceRetokenization := flag.Bool("retokenize", false,
		"force retokenization even if the saved dataset is newer")
	showSample := flag.Bool("show_sample", false,
		"decode and log the first chunk")
	flag.Parse()

	if *modelMaxLength < 1 {
		log.Fatal("-model_max_length must be positive")
	}
	if *batchSize < 1 {
		log.Fatal("-batch_size must be positive")
	}
	format, formatErr := lm_chunker.ParseFormat(*formatName)
	if formatErr != nil {
		log.Fatal(formatErr)
	}
	auth := *hfToken
	if auth == "" {
		auth = resources.HuggingFaceToken()
	}

	log.Printf("Tokenizer definition: %s\n", *modelId)
	log.Printf("Dataset source: %s\n", *datasetId)
	log.Printf("Dataset output: %s (%s)\n", *savePath, format)
	log.Printf("Chunk length: %d, batch size: %d\n", *modelMaxLength,
		*batchSize)

	datasetResolver, resolverErr := resources.NewResolver(*cacheDir,
		resources.RepoDataset, auth)
	if resolverErr != nil {
		log.Fatal(resolverErr)
	}
	var s3Client dolly.S3Client
	if strings.HasPrefix(*datasetId, "s3://") {
		var s3Err error
		if s3Client, s3Err = dolly.NewS3Client(*s3Region); s3Err != nil {
			log.Fatal(s3Err)
		}
	}
	source, sourceErr := LoadSource(*datasetId, *datasetFile, s3Client,
		datasetResolver)
	if sourceErr != nil {
		log.Fatal(sourceErr)
	}

	builder := NewDatasetBuilder()
	builder.Tokenizer = *modelId
	builder.Source = source.Name
	builder.SavePath = *savePath
	builder.ChunkLength = *modelMaxLength
	builder.BatchSize = *batchSize
	builder.Format = format
	builder.PadRemainder = *padRemainder
	builder.ShowSample = *showSample

	config := tokenizer.DefaultConfig()
	config.Name = *modelId
	config.TokenTypeIDs = *tokenTypeIds
	if !*forceRetokenization {
		if upToDate, err := builder.UpToDate(source.Newest,
			config.Fields()); err != nil {
			log.Fatal(err)
		} else if upToDate {
			log.Printf("Newest source `%s` is older than `%s`, "+
				"not retokenizing. "+
				"Use -retokenize to force retokenization.", source.Name,
				*savePath)
			os.Exit(0)
		}
	}

	LogSample(source.Records, rand.New(rand.NewSource(time.Now().UnixNano())))
	categories := dolly.CategoryCounts(source.Records)
	log.Printf("%d categories", len(categories))

	modelResolver, modelResolverErr := resources.NewResolver(*cacheDir,
		resources.RepoModel, auth)
	if modelResolverErr != nil {
		log.Fatal(modelResolverErr)
	}
	config.Resolver = modelResolver
	encoder, tokErr := tokenizer.New(config)
	if tokErr != nil {
		log.Fatal(tokErr)
	}
	log.Printf("Tokenizer %s: %s tokens, fields %s", encoder.Name,
		humanize.Comma(int64(encoder.VocabSize())), encoder.Fields())

	if _, buildErr := builder.Build(source.Records, encoder); buildErr != nil {
		log.Fatal(buildErr)
	}
	log.Printf("Tokenizer cache: %d hits, %d misses", encoder.LruHits,
		encoder.LruMisses)
}
