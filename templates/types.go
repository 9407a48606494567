package templates

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a template or template file does not exist.
var ErrNotFound = errors.New("template not found")

// ResponseFormat constrains the shape of the model's answer.
type ResponseFormat string

const (
	FormatText       ResponseFormat = "text"
	FormatJSONObject ResponseFormat = "json_object"
	FormatJSONSchema ResponseFormat = "json_schema"
)

// Valid reports whether f is a known format. The empty value means text.
func (f ResponseFormat) Valid() bool {
	switch f {
	case "", FormatText, FormatJSONObject, FormatJSONSchema:
		return true
	}
	return false
}

// Template is a named request preset that owns a file manifest.
type Template struct {
	ID             int64           `yaml:"-" json:"id"`
	Name           string          `yaml:"name" json:"name"`
	Instructions   string          `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Model          string          `yaml:"model,omitempty" json:"model,omitempty"`
	Tools          json.RawMessage `yaml:"-" json:"tools,omitempty"`
	Temperature    *float64        `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	ResponseFormat ResponseFormat  `yaml:"response_format,omitempty" json:"response_format,omitempty"`
	JSONSchema     json.RawMessage `yaml:"-" json:"json_schema,omitempty"`
	CreatedAt      time.Time       `yaml:"-" json:"created_at"`
	UpdatedAt      time.Time       `yaml:"-" json:"updated_at"`
}

// Revision is a snapshot of a template taken on every create and update.
type Revision struct {
	ID             int64
	TemplateID     int64
	Name           string
	Instructions   string
	Model          string
	Tools          json.RawMessage
	Temperature    *float64
	ResponseFormat ResponseFormat
	JSONSchema     json.RawMessage
	CreatedAt      time.Time
}

// UploadStatus tracks a manifest entry through synchronization.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// File is one manifest entry: a source document that should be present in the
// template's remote index.
type File struct {
	ID            int64        `json:"id"`
	TemplateID    int64        `json:"template_id"`
	SourceURL     string       `json:"source_url"`
	FileName      string       `json:"file_name"`
	FileType      string       `json:"file_type"`
	FileSize      int64        `json:"file_size,omitempty"`
	ContentHash   string       `json:"content_hash,omitempty"`
	RemoteIndexID string       `json:"remote_index_id,omitempty"`
	RemoteFileID  string       `json:"remote_file_id,omitempty"`
	UploadStatus  UploadStatus `json:"upload_status"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// InSync reports whether the entry is already uploaded into indexID with content hash.
func (f File) InSync(indexID, hash string) bool {
	return f.ContentHash == hash && f.RemoteIndexID == indexID && f.RemoteFileID != ""
}
