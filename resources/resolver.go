package resources

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ResourceEntry is a resolved resource, memory mapped read-only.
type ResourceEntry struct {
	Path  string
	Data  []byte
	file  *os.File
	unmap func() error
}

// Close unmaps the data and closes the backing file. Data must not be used
// afterwards.
func (entry *ResourceEntry) Close() error {
	var unmapErr error
	if entry.unmap != nil {
		unmapErr = entry.unmap()
		entry.unmap = nil
	}
	entry.Data = nil
	if entry.file != nil {
		closeErr := entry.file.Close()
		entry.file = nil
		if unmapErr == nil {
			unmapErr = closeErr
		}
	}
	return unmapErr
}

// OpenEntry
// Opens a local file and maps it into memory.
func OpenEntry(filePath string) (*ResourceEntry, error) {
	file, openErr := os.Open(filePath)
	if openErr != nil {
		return nil, openErr
	}
	stat, statErr := file.Stat()
	if statErr != nil {
		file.Close()
		return nil, statErr
	}
	entry := &ResourceEntry{Path: filePath, file: file}
	// Empty files cannot be mapped.
	if stat.Size() == 0 {
		entry.Data = []byte{}
		return entry, nil
	}
	data, unmap, mmapErr := readMmap(file)
	if mmapErr != nil {
		file.Close()
		return nil, fmt.Errorf("error trying to mmap file: %w", mmapErr)
	}
	entry.Data = data
	entry.unmap = unmap
	return entry, nil
}

// CacheKey turns a resource base uri into a directory name, in the style of
// the hub cache (`datasets--owner--name`).
func CacheKey(uri string, repoType RepoType) string {
	var key string
	if u, err := url.Parse(uri); err == nil && isValidUrl(uri) {
		key = u.Host + u.Path
	} else {
		key = string(repoType) + "/" + uri
	}
	key = strings.Trim(key, "/")
	return strings.NewReplacer("/", "--", ":", "-").Replace(key)
}

// Resolver resolves resources into a local cache directory.
type Resolver struct {
	CacheDir string
	Auth     string
	RepoType RepoType
}

// NewResolver
// Creates a Resolver caching under dir, or under the user cache directory
// when dir is empty.
func NewResolver(dir string, repoType RepoType, auth string) (*Resolver,
	error) {
	if dir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = path.Join(userCache, "lm_chunker")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Resolver{CacheDir: dir, Auth: auth, RepoType: repoType}, nil
}

// CachePath is where a remote resource is stored once downloaded.
func (resolver *Resolver) CachePath(uri string, rsrc string) string {
	return path.Join(resolver.CacheDir, CacheKey(uri, resolver.RepoType),
		rsrc)
}

// Resolve
// Resolves a resource, and returns it memory mapped. Local files are mapped
// in place. Remote files are downloaded into the cache unless a copy of the
// same size is already there; if the remote cannot be reached, an existing
// cached copy is used.
func (resolver *Resolver) Resolve(uri string, rsrc string) (*ResourceEntry,
	error) {
	if isLocal(uri, rsrc) || isLocalDir(uri) {
		return OpenEntry(path.Join(uri, rsrc))
	}
	log.Printf("Resolving %s/%s... ", uri, rsrc)
	targetPath := resolver.CachePath(uri, rsrc)
	targetStat, targetStatErr := os.Stat(targetPath)

	rsrcSize, rsrcSizeErr := Size(uri, rsrc, resolver.RepoType,
		resolver.Auth)
	if rsrcSizeErr != nil {
		if targetStatErr == nil {
			log.Printf("Cannot reach %s/%s (%v), using cached %s",
				uri, rsrc, rsrcSizeErr, targetPath)
			return OpenEntry(targetPath)
		}
		return nil, fmt.Errorf("cannot retrieve `%s` from `%s`: %w",
			rsrc, uri, rsrcSizeErr)
	}
	if targetStatErr == nil && uint64(targetStat.Size()) == rsrcSize {
		log.Printf("Skipping %s/%s... already exists, "+
			"and of the correct size.", uri, rsrc)
		return OpenEntry(targetPath)
	}
	if err := resolver.download(uri, rsrc, targetPath, rsrcSize); err != nil {
		return nil, err
	}
	return OpenEntry(targetPath)
}

// download copies a remote resource to targetPath through a temporary file
// so that an interrupted download never leaves a partial cache entry.
func (resolver *Resolver) download(uri string, rsrc string,
	targetPath string, rsrcSize uint64) error {
	rsrcReader, rsrcErr := Fetch(uri, rsrc, resolver.RepoType, resolver.Auth)
	if rsrcErr != nil {
		return fmt.Errorf("cannot retrieve `%s` from `%s`: %w",
			rsrc, uri, rsrcErr)
	}
	defer rsrcReader.Close()

	if err := os.MkdirAll(path.Dir(targetPath), 0755); err != nil {
		return err
	}
	tmpPath := fmt.Sprintf("%s.%d.tmp", targetPath, os.Getpid())
	rsrcFile, rsrcFileErr := os.OpenFile(tmpPath,
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0644)
	if rsrcFileErr != nil {
		return fmt.Errorf("error opening '%s' for write: %w",
			tmpPath, rsrcFileErr)
	}
	counter := &WriteCounter{
		Last: time.Now(),
		Path: fmt.Sprintf("%s/%s", uri, rsrc),
		Size: rsrcSize,
	}
	bytesDownloaded, ioErr := io.Copy(rsrcFile,
		io.TeeReader(rsrcReader, counter))
	closeErr := rsrcFile.Close()
	if ioErr == nil {
		ioErr = closeErr
	}
	if ioErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("error downloading '%s': %w", rsrc, ioErr)
	}
	if renameErr := os.Rename(tmpPath, targetPath); renameErr != nil {
		os.Remove(tmpPath)
		return renameErr
	}
	log.Printf("Downloaded %s/%s... %s completed.", uri, rsrc,
		humanize.Bytes(uint64(bytesDownloaded)))
	return nil
}
