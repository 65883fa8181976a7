package dolly

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/yargevad/filepathx"
)

type PathInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// GlobRecords
// Given a directory path, recursively finds all `.jsonl` files, returning a
// slice of PathInfo sorted by path so that the dataset order is stable.
func GlobRecords(dirPath string) ([]PathInfo, error) {
	matches, err := filepathx.Glob(dirPath + "/**/*.jsonl")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	pathInfos := make([]PathInfo, 0, len(matches))
	for idx, match := range matches {
		if idx > 0 && match == matches[idx-1] {
			continue
		}
		stat, statErr := os.Stat(match)
		if statErr != nil {
			return nil, statErr
		}
		if stat.IsDir() {
			continue
		}
		pathInfos = append(pathInfos, PathInfo{
			Path:    match,
			Size:    stat.Size(),
			ModTime: stat.ModTime(),
		})
	}
	if len(pathInfos) == 0 {
		return nil, fmt.Errorf("%s does not contain any .jsonl files",
			dirPath)
	}
	return pathInfos, nil
}

// FindNewest
// Returns the most recently modified of paths; ok is false when paths is
// empty.
func FindNewest(paths []PathInfo) (newest PathInfo, ok bool) {
	for _, pathInfo := range paths {
		if !ok || newest.ModTime.Before(pathInfo.ModTime) {
			newest = pathInfo
			ok = true
		}
	}
	return newest, ok
}

// ReadDir reads the records of every `.jsonl` file under dirPath, in path
// order.
func ReadDir(dirPath string) ([]Record, error) {
	matches, err := GlobRecords(dirPath)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	for _, match := range matches {
		fileRecords, readErr := ReadRecordsFile(match.Path)
		if readErr != nil {
			return nil, readErr
		}
		records = append(records, fileRecords...)
	}
	return records, nil
}

// S3Client is the subset of the S3 API used to read datasets.
type S3Client interface {
	ListObjectsV2(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	GetObject(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
}

// NewS3Client creates an S3 client from the default credential chain.
func NewS3Client(region string) (S3Client, error) {
	config := aws.NewConfig()
	if region != "" {
		config = config.WithRegion(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *config,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// ParseS3URI splits `s3://bucket/prefix` into its bucket and key prefix.
func ParseS3URI(uri string) (bucket string, prefix string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, prefix, bucket != ""
}

// ListS3Objects
// Lists every object under prefix, following continuation tokens.
func ListS3Objects(client S3Client, bucket string, prefix string) (
	[]*s3.Object, error) {
	objects := make([]*s3.Object, 0)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		output, err := client.ListObjectsV2(input)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix,
				err)
		}
		objects = append(objects, output.Contents...)
		if !aws.BoolValue(output.IsTruncated) ||
			output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}
	return objects, nil
}

// FetchRecordsS3
// Reads the records of a single JSONL object.
func FetchRecordsS3(client S3Client, bucket string, key string) ([]Record,
	error) {
	output, err := client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
	}
	if output.Body == nil {
		return nil, errors.New("empty body for s3://" + bucket + "/" + key)
	}
	defer output.Body.Close()
	records, readErr := ReadRecords(output.Body)
	if readErr != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, readErr)
	}
	return records, nil
}

// ReadS3
// Reads the records of every `.jsonl` object under prefix, in key order.
// The newest modification time among them is returned for staleness checks.
func ReadS3(client S3Client, bucket string, prefix string) ([]Record,
	time.Time, error) {
	objects, err := ListS3Objects(client, bucket, prefix)
	if err != nil {
		return nil, time.Time{}, err
	}
	keys := make([]string, 0, len(objects))
	var newest time.Time
	for _, object := range objects {
		key := aws.StringValue(object.Key)
		if path.Ext(key) != ".jsonl" {
			continue
		}
		keys = append(keys, key)
		if modified := aws.TimeValue(object.LastModified); modified.After(
			newest) {
			newest = modified
		}
	}
	if len(keys) == 0 {
		return nil, newest, fmt.Errorf("s3://%s/%s does not contain any "+
			".jsonl objects", bucket, prefix)
	}
	sort.Strings(keys)
	records := make([]Record, 0)
	for _, key := range keys {
		objectRecords, fetchErr := FetchRecordsS3(client, bucket, key)
		if fetchErr != nil {
			return nil, newest, fetchErr
		}
		records = append(records, objectRecords...)
	}
	return records, newest, nil
}
