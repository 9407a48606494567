package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI file and vector store errors don't expose retry-after headers.
const defaultRetryAfter = 60 * time.Second

const (
	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultTimeout       = 60 * time.Second
	DefaultUploadTimeout = 300 * time.Second
)

// Options configures a Client.
type Options struct {
	APIKey        string
	BaseURL       string
	Organization  string
	Timeout       time.Duration
	UploadTimeout time.Duration
	MaxRetries    uint64
}

// Client implements llm.Client against an OpenAI-compatible API. Files and vector
// stores go through go-openai; responses and conversations are plain JSON calls
// because the SDK does not cover those endpoints.
type Client struct {
	api        *openai.Client
	uploads    *openai.Client
	http       *http.Client
	baseURL    string
	apiKey     string
	org        string
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient creates a new Client.
// If APIKey is empty, it will return an error.
// If BaseURL is empty, it will use the default OpenAI API endpoint.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = DefaultUploadTimeout
	}

	newSDK := func(timeout time.Duration) *openai.Client {
		config := openai.DefaultConfig(opts.APIKey)
		config.BaseURL = strings.TrimRight(opts.BaseURL, "/")
		if opts.Organization != "" {
			config.OrgID = opts.Organization
		}
		config.HTTPClient = &http.Client{Timeout: timeout}
		return openai.NewClientWithConfig(config)
	}

	return &Client{
		api:        newSDK(opts.Timeout),
		uploads:    newSDK(opts.UploadTimeout),
		http:       &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		org:        opts.Organization,
		maxRetries: opts.MaxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     logger.With().Str("component", "openai").Logger(),
	}, nil
}

// CreateResponse implements llm.Responder.
func (c *Client) CreateResponse(ctx context.Context, req *llm.ResponseRequest) (*llm.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	body, err := c.Request(ctx, http.MethodPost, "responses", req)
	if err != nil {
		return nil, err
	}

	var resp llm.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.NewDecodeError(body, err)
	}
	resp.Raw = body
	return &resp, nil
}

type conversationItem struct {
	Type    string   `json:"type"`
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

// CreateConversation implements llm.Responder. The conversation is seeded with the
// optional system instructions and a "Start conversation" user message.
func (c *Client) CreateConversation(ctx context.Context, instructions string) (string, error) {
	items := make([]conversationItem, 0, 2)
	if instructions != "" {
		items = append(items, conversationItem{Type: llm.ItemMessage, Role: llm.RoleSystem, Content: instructions})
	}
	items = append(items, conversationItem{Type: llm.ItemMessage, Role: llm.RoleUser, Content: "Start conversation"})

	body, err := c.Request(ctx, http.MethodPost, "conversations", map[string]any{"items": items})
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", llm.NewDecodeError(body, err)
	}
	if created.ID == "" {
		return "", llm.NewDecodeError(body, errors.New("conversation id missing"))
	}
	c.logger.Debug().Str("conversation_id", created.ID).Msg("conversation created")
	return created.ID, nil
}

// UploadFile implements llm.FileUploader.
func (c *Client) UploadFile(ctx context.Context, localPath, purpose string) (*llm.File, error) {
	var file openai.File
	err := c.retry(ctx, "upload file", func() error {
		var err error
		file, err = c.uploads.CreateFile(ctx, openai.FileRequest{
			FileName: filepath.Base(localPath),
			FilePath: localPath,
			Purpose:  purpose,
		})
		return convertOpenAIError(err)
	})
	if err != nil {
		return nil, err
	}
	return &llm.File{ID: file.ID, FileName: file.FileName, Bytes: file.Bytes, Purpose: file.Purpose}, nil
}

// CreateIndex implements llm.IndexManager.
func (c *Client) CreateIndex(ctx context.Context, name string) (*llm.Index, error) {
	var store openai.VectorStore
	err := c.retry(ctx, "create vector store", func() error {
		var err error
		store, err = c.api.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
		return convertOpenAIError(err)
	})
	if err != nil {
		return nil, err
	}
	return &llm.Index{ID: store.ID, Name: store.Name}, nil
}

// GetIndex implements llm.IndexManager.
func (c *Client) GetIndex(ctx context.Context, id string) (*llm.Index, error) {
	var store openai.VectorStore
	err := c.retry(ctx, "retrieve vector store", func() error {
		var err error
		store, err = c.api.RetrieveVectorStore(ctx, id)
		return convertOpenAIError(err)
	})
	if err != nil {
		return nil, err
	}
	return &llm.Index{ID: store.ID, Name: store.Name}, nil
}

// ListIndexFiles implements llm.IndexManager. All pages are followed.
func (c *Client) ListIndexFiles(ctx context.Context, id string) ([]llm.IndexFile, error) {
	limit := 100
	var (
		files []llm.IndexFile
		after *string
	)
	for {
		var page openai.VectorStoreFilesList
		err := c.retry(ctx, "list vector store files", func() error {
			var err error
			page, err = c.api.ListVectorStoreFiles(ctx, id, openai.Pagination{Limit: &limit, After: after})
			return convertOpenAIError(err)
		})
		if err != nil {
			return nil, err
		}
		for _, f := range page.VectorStoreFiles {
			files = append(files, llm.IndexFile{ID: f.ID, Status: f.Status})
		}
		if !page.HasMore || len(page.VectorStoreFiles) == 0 {
			return files, nil
		}
		last := page.VectorStoreFiles[len(page.VectorStoreFiles)-1].ID
		after = &last
	}
}

// AddFileToIndex implements llm.IndexManager.
func (c *Client) AddFileToIndex(ctx context.Context, indexID, fileID string) error {
	return c.retry(ctx, "add vector store file", func() error {
		_, err := c.api.CreateVectorStoreFile(ctx, indexID, openai.VectorStoreFileRequest{FileID: fileID})
		return convertOpenAIError(err)
	})
}

// RemoveFileFromIndex implements llm.IndexManager.
func (c *Client) RemoveFileFromIndex(ctx context.Context, indexID, fileID string) error {
	return c.retry(ctx, "delete vector store file", func() error {
		return convertOpenAIError(c.api.DeleteVectorStoreFile(ctx, indexID, fileID))
	})
}

// Request implements llm.Client. endpoint is relative to the base URL.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
		}
	}

	url := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	var out json.RawMessage
	err := c.retry(ctx, method+" "+endpoint, func() error {
		var err error
		out, err = c.do(ctx, method, url, payload)
		return err
	})
	return out, err
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.org != "" {
		req.Header.Set("OpenAI-Organization", c.org)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &llm.Error{Type: llm.ErrorTypeTimeout, Message: "request cancelled", ProviderErr: err}
		}
		return nil, llm.NewNetworkError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // Body close error can be ignored

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewNetworkError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, llm.FromResponse(resp.StatusCode, respBytes, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return json.RawMessage(respBytes), nil
}

// retry runs op until it succeeds, fails with a non-retryable error, or the retry
// budget is spent.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !llm.IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.WithMaxRetries(c.newBackOff(), c.maxRetries)
	b = backoff.WithContext(b, ctx)
	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		c.logger.Warn().
			Err(err).
			Str("operation", what).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("retrying remote call")
	})
}

func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

// convertOpenAIError converts go-openai errors to llm.Error types.
func convertOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return llm.FromResponse(reqErr.HTTPStatusCode, reqErr.Body, nil)
		}
		return llm.NewNetworkError(err)
	}

	code := ""
	switch v := apiErr.Code.(type) {
	case string:
		code = v
	case nil:
		code = apiErr.Type
	default:
		code = fmt.Sprint(v)
	}

	e := &llm.Error{
		Code:        code,
		Message:     apiErr.Message,
		StatusCode:  apiErr.HTTPStatusCode,
		ProviderErr: err,
	}
	switch apiErr.HTTPStatusCode {
	case http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		e.Type = llm.ErrorTypeRateLimit
		e.Retryable = true
		e.RetryAfter = &retryAfter
	case http.StatusRequestEntityTooLarge:
		e.Type = llm.ErrorTypeRequestTooLarge
	case http.StatusNotFound:
		e.Type = llm.ErrorTypeNotFound
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
		e.Type = llm.ErrorTypeInvalidRequest
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		e.Type = llm.ErrorTypeProvider
		e.Retryable = true
	default:
		e.Type = llm.ErrorTypeProvider
	}
	return e
}
