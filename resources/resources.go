package resources

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const HuggingFaceURL = "https://huggingface.co"

// RepoType selects the Hugging Face hub namespace a repository id lives in.
type RepoType string

const (
	RepoModel   RepoType = "models"
	RepoDataset RepoType = "datasets"
)

// HubURL
// Returns the base URL that files of the given hub repository resolve
// under.
func HubURL(id string, repoType RepoType) string {
	if repoType == RepoDataset {
		return HuggingFaceURL + "/datasets/" + id + "/resolve/main"
	}
	return HuggingFaceURL + "/" + id + "/resolve/main"
}

// WriteCounter counts the number of bytes written to it, and every 10 seconds,
// it prints a message reporting the number of bytes written so far.
type WriteCounter struct {
	Total    uint64
	Last     time.Time
	Reported bool
	Path     string
	Size     uint64
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Total += uint64(n)
	if time.Since(wc.Last).Seconds() > 10 {
		wc.Reported = true
		wc.Last = time.Now()
		log.Printf("Downloading %s... %s / %s completed.",
			wc.Path, humanize.Bytes(wc.Total), humanize.Bytes(wc.Size))
	}
	return n, nil
}

func newRequest(method string, uri string, rsrc string,
	auth string) (*http.Request, error) {
	target := uri
	if rsrc != "" {
		target = strings.TrimSuffix(uri, "/") + "/" + rsrc
	}
	req, reqErr := http.NewRequest(method, target, nil)
	if reqErr != nil {
		return nil, reqErr
	}
	if auth != "" {
		req.Header.Add("Authorization", "Bearer "+auth)
	}
	return req, nil
}

// FetchHTTP
// Fetch a resource from a remote HTTP server with bearer token auth.
func FetchHTTP(uri string, rsrc string, auth string) (io.ReadCloser, error) {
	req, reqErr := newRequest(http.MethodGet, uri, rsrc, auth)
	if reqErr != nil {
		return nil, reqErr
	}
	resp, remoteErr := http.DefaultClient.Do(req)
	if remoteErr != nil {
		return nil, remoteErr
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: HTTP status code %d",
			req.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

// SizeHTTP
// Get the size of a resource from a remote HTTP server with bearer token auth.
func SizeHTTP(uri string, rsrc string, auth string) (uint64, error) {
	req, reqErr := newRequest(http.MethodHead, uri, rsrc, auth)
	if reqErr != nil {
		return 0, reqErr
	}
	resp, remoteErr := http.DefaultClient.Do(req)
	if remoteErr != nil {
		return 0, remoteErr
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HEAD %s: HTTP status code %d",
			req.URL, resp.StatusCode)
	}
	// The hub reports the size of LFS files separately from the redirect.
	if linked := resp.Header.Get("X-Linked-Size"); linked != "" {
		if size, err := strconv.ParseUint(linked, 10, 64); err == nil {
			return size, nil
		}
	}
	if resp.ContentLength < 0 {
		return 0, errors.New("HEAD " + req.URL.String() +
			": no content length")
	}
	return uint64(resp.ContentLength), nil
}

func isValidUrl(toTest string) bool {
	_, err := url.ParseRequestURI(toTest)
	if err != nil {
		return false
	}

	u, err := url.Parse(toTest)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	return true
}

// isLocal reports whether uri/rsrc names a file on the local filesystem.
func isLocal(uri string, rsrc string) bool {
	if isValidUrl(uri) {
		return false
	}
	_, err := os.Stat(path.Join(uri, rsrc))
	return err == nil
}

// isLocalDir reports whether uri is a local directory, in which case its
// resources are never looked up remotely.
func isLocalDir(uri string) bool {
	if isValidUrl(uri) {
		return false
	}
	stat, err := os.Stat(uri)
	return err == nil && stat.IsDir()
}

// remoteBase maps a uri to the HTTP base a resource is fetched from: uris
// that are already URLs are used as is, anything else is taken to be a hub
// repository id.
func remoteBase(uri string, repoType RepoType) string {
	if isValidUrl(uri) {
		return uri
	}
	return HubURL(uri, repoType)
}

// Fetch
// Given a base URI and a resource name, determines if the resource is local,
// remote, or from huggingface.co. If the resource is local, it returns a
// file handle to the resource. Otherwise it returns a ReadCloser on the
// remote body.
func Fetch(uri string, rsrc string, repoType RepoType,
	auth string) (io.ReadCloser, error) {
	if isLocal(uri, rsrc) {
		handle, fileErr := os.Open(path.Join(uri, rsrc))
		if fileErr != nil {
			return nil, fmt.Errorf("error opening %s/%s: %w",
				uri, rsrc, fileErr)
		}
		return handle, nil
	}
	return FetchHTTP(remoteBase(uri, repoType), rsrc, auth)
}

// Size
// Given a base URI and a resource name, determine the size of the resource.
func Size(uri string, rsrc string, repoType RepoType,
	auth string) (uint64, error) {
	if isLocal(uri, rsrc) {
		fsz, err := os.Stat(path.Join(uri, rsrc))
		if err != nil {
			return 0, err
		}
		return uint64(fsz.Size()), nil
	}
	return SizeHTTP(remoteBase(uri, repoType), rsrc, auth)
}

// HuggingFaceToken
// Returns the hub access token from the environment, or from the token file
// the huggingface-cli login writes. Empty when neither is set.
func HuggingFaceToken() string {
	for _, env := range []string{"HF_TOKEN", "HUGGING_FACE_HUB_TOKEN"} {
		if token := strings.TrimSpace(os.Getenv(env)); token != "" {
			return token
		}
	}
	hfHome := os.Getenv("HF_HOME")
	if hfHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		hfHome = path.Join(home, ".cache", "huggingface")
	}
	tokenBytes, err := os.ReadFile(path.Join(hfHome, "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(tokenBytes))
}
