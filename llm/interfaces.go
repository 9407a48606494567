package llm

import (
	"context"
	"encoding/json"
)

// Responder creates model responses and conversation contexts.
type Responder interface {
	// CreateResponse sends one request and returns the decoded response.
	CreateResponse(ctx context.Context, req *ResponseRequest) (*Response, error)

	// CreateConversation opens a remote conversation context. When instructions is
	// non-empty it is stored as the conversation's system message.
	CreateConversation(ctx context.Context, instructions string) (string, error)
}

// FileUploader uploads local files.
type FileUploader interface {
	UploadFile(ctx context.Context, localPath, purpose string) (*File, error)
}

// IndexManager manages remote vector indexes and their file sets.
type IndexManager interface {
	CreateIndex(ctx context.Context, name string) (*Index, error)
	// GetIndex returns an *Error with Type ErrorTypeNotFound when the index is gone.
	GetIndex(ctx context.Context, id string) (*Index, error)
	ListIndexFiles(ctx context.Context, id string) ([]IndexFile, error)
	AddFileToIndex(ctx context.Context, indexID, fileID string) error
	RemoveFileFromIndex(ctx context.Context, indexID, fileID string) error
}

// Client is the full remote API surface.
type Client interface {
	Responder
	FileUploader
	IndexManager

	// Request is an escape hatch for endpoints not covered above. body is encoded as
	// JSON when non-nil.
	Request(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error)
}
