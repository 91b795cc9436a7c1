package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-model-fetch/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom error types.
var (
	ErrRateLimited  = errors.New("hub rate limit exceeded")
	ErrUnauthorized = errors.New("hub request unauthorized (check token)")
	ErrNotFound     = errors.New("hub resource not found")
	ErrServerError  = errors.New("hub server error")
	ErrBadResponse  = errors.New("malformed hub response")
)

const (
	DefaultBaseURL  = "https://huggingface.co"
	DefaultRevision = "main"
)

// treeEntry mirrors one record of the hub's repo tree API. For LFS files the
// lfs oid is the sha256 of the content and the lfs size is authoritative.
type treeEntry struct {
	Type string   `json:"type"`
	Path string   `json:"path"`
	Size int64    `json:"size"`
	Oid  string   `json:"oid"`
	Lfs  *lfsInfo `json:"lfs,omitempty"`
}

type lfsInfo struct {
	Oid         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int    `json:"pointerSize"`
}

// Client talks to the model hub: file listings, size lookups, ranged
// downloads and token validation.
type Client struct {
	BaseURL    string
	Token      string
	Revision   string
	HttpClient *http.Client
}

// NewClient creates a hub client. A nil httpClient gets a sensible default.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		Revision:   DefaultRevision,
		HttpClient: httpClient,
	}
}

func (c *Client) revision() string {
	if c.Revision == "" {
		return DefaultRevision
	}
	return c.Revision
}

func (c *Client) newRequest(ctx context.Context, method, reqURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", reqURL, err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// statusError maps a non-2xx response to one of the sentinel errors.
func statusError(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return fmt.Errorf("%w (status code %d)", ErrServerError, code)
	default:
		return fmt.Errorf("hub request failed with status %d", code)
	}
}

// ListFiles fetches the recursive file tree for a model and returns the
// regular-file entries in the order the hub reports them.
func (c *Client) ListFiles(ctx context.Context, id models.ModelIdentifier) ([]string, error) {
	entries, err := c.tree(ctx, id)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Path)
	}
	return names, nil
}

// Manifest builds the declared-size manifest for a model from the tree
// listing. LFS entries contribute their sha256 digest.
func (c *Client) Manifest(ctx context.Context, id models.ModelIdentifier) (models.Manifest, error) {
	entries, err := c.tree(ctx, id)
	if err != nil {
		return models.Manifest{}, err
	}
	m := models.Manifest{FetchedAt: time.Now().UTC()}
	for _, e := range entries {
		mf := models.ManifestFile{Name: e.Path, Size: e.Size}
		if e.Lfs != nil {
			mf.Size = e.Lfs.Size
			mf.Hashes.SHA256 = e.Lfs.Oid
		}
		m.Files = append(m.Files, mf)
	}
	return m, nil
}

func (c *Client) tree(ctx context.Context, id models.ModelIdentifier) ([]treeEntry, error) {
	reqURL := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true", c.BaseURL, id.String(), url.PathEscape(c.revision()))
	req, err := c.newRequest(ctx, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing files for %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tree response for %s: %w", id, err)
	}

	var entries []treeEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		log.WithError(err).Debugf("Tree response body for %s: %s", id, snippet(body))
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	files := entries[:0]
	for _, e := range entries {
		if e.Type == "file" {
			files = append(files, e)
		}
	}
	return files, nil
}

// DownloadURL returns the resolve URL for a file of a model.
func (c *Client) DownloadURL(id models.ModelIdentifier, name string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.BaseURL, id.String(), url.PathEscape(c.revision()), name)
}

// FileSize asks the hub for a file's declared size via a HEAD request.
func (c *Client) FileSize(ctx context.Context, id models.ModelIdentifier, name string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.DownloadURL(id, name))
	if err != nil {
		return -1, err
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return -1, fmt.Errorf("sizing %s/%s: %w", id, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return -1, statusError(resp.StatusCode)
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	return -1, fmt.Errorf("%w: no content length for %s/%s", ErrBadResponse, id, name)
}

// Download opens a byte stream for a file, optionally starting at
// rangeStart. The returned stream reports the offset the server actually
// honoured and the full file size when declared; callers must close Body.
func (c *Client) Download(ctx context.Context, id models.ModelIdentifier, name string, rangeStart int64) (*models.ByteStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.DownloadURL(id, name))
	if err != nil {
		return nil, err
	}
	if rangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s/%s: %w", id, name, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored (or was not sent) the range request.
		total := resp.ContentLength
		if total < 0 {
			total = -1
		}
		return &models.ByteStream{Body: resp.Body, Offset: 0, Total: total}, nil
	case http.StatusPartialContent:
		total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if total < 0 && resp.ContentLength >= 0 {
			total = rangeStart + resp.ContentLength
		}
		return &models.ByteStream{Body: resp.Body, Offset: rangeStart, Total: total}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: range %d not satisfiable for %s/%s", ErrBadResponse, rangeStart, id, name)
	default:
		code := resp.StatusCode
		resp.Body.Close()
		return nil, statusError(code)
	}
}

// parseContentRangeTotal extracts the total from "bytes start-end/total".
// Returns -1 when absent or unparseable.
func parseContentRangeTotal(header string) int64 {
	if header == "" {
		return -1
	}
	slash := strings.LastIndex(header, "/")
	if slash < 0 || slash == len(header)-1 {
		return -1
	}
	totalStr := header[slash+1:]
	if totalStr == "*" {
		return -1
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return -1
	}
	return total
}

// ValidateToken checks a token against the hub's whoami endpoint and returns
// the associated username. Failures degrade to anonymous access; callers
// should treat an error as "use no token", not as fatal.
func (c *Client) ValidateToken(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/whoami-v2", nil)
	if err != nil {
		return "", fmt.Errorf("creating whoami request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("validating token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode)
	}

	var who struct {
		Name string `json:"name"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading whoami response: %w", err)
	}
	if err := json.Unmarshal(body, &who); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if who.Name == "" {
		return "", fmt.Errorf("%w: whoami response carried no username", ErrBadResponse)
	}
	return who.Name, nil
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
