package vectorsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	googleDocID = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)
	jsonObject  = regexp.MustCompile(`(?s)({.*})`)
)

// GoogleDocsBase is the host used for Google Docs and Sheets exports.
const GoogleDocsBase = "https://docs.google.com"

// Fetcher reads manifest sources: http(s) URLs, Google Docs links and local paths.
type Fetcher struct {
	HTTPClient *http.Client
	// GoogleBase overrides GoogleDocsBase in export URLs.
	GoogleBase string
}

// NewFetcher creates a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{HTTPClient: &http.Client{Timeout: timeout}}
}

// Source is fetched content. LocalPath is set when the content came from a local file
// that can be uploaded as is.
type Source struct {
	Content   []byte
	LocalPath string
}

// Fetch returns the current content of source. fileType selects the Google export
// format ("json" for spreadsheets, anything else for plain text).
func (f *Fetcher) Fetch(ctx context.Context, source, fileType string) (*Source, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return f.fetchLocal(source)
	}

	if strings.Contains(u.Host, "docs.google.com") {
		if m := googleDocID.FindStringSubmatch(u.Path); m != nil {
			return f.fetchGoogle(ctx, m[1], fileType)
		}
	}

	body, err := f.get(ctx, source)
	if err != nil {
		return nil, err
	}
	return &Source{Content: body}, nil
}

func (f *Fetcher) fetchLocal(path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source %s is neither a URL nor a readable file: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", path)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Source{Content: body, LocalPath: path}, nil
}

func (f *Fetcher) fetchGoogle(ctx context.Context, docID, fileType string) (*Source, error) {
	base := f.GoogleBase
	if base == "" {
		base = GoogleDocsBase
	}
	base = strings.TrimRight(base, "/")

	if fileType == "json" {
		body, err := f.get(ctx, base+"/spreadsheets/d/"+docID+"/gviz/tq?tqx=out:json")
		if err != nil {
			return nil, err
		}
		m := jsonObject.FindSubmatch(body)
		if m == nil {
			return nil, fmt.Errorf("spreadsheet %s export has no JSON object", docID)
		}
		return &Source{Content: m[1]}, nil
	}

	q := url.Values{"id": {docID}, "exportFormat": {"txt"}}
	body, err := f.get(ctx, base+"/feeds/download/documents/export/Export?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return &Source{Content: body}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close error can be ignored

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return body, nil
}
