package llm

import (
	"encoding/json"
	"fmt"
)

// Role is the author of an input message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Input and output item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemToolCall           = "tool_call"
	ItemFunctionCallOutput = "function_call_output"
)

// Content part types for user message content.
const (
	PartInputText  = "input_text"
	PartInputImage = "input_image"
	PartInputFile  = "input_file"
)

// ContentPart is one structured element of a message's content.
type ContentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// InputItem is one element of a request's input: either a role message or the
// output of a function call.
type InputItem struct {
	Type   string
	Role   Role
	Text   string        // Plain string content
	Parts  []ContentPart // Structured content; takes precedence over Text when set
	CallID string
	Output string
}

// NewMessage creates a plain text role message.
func NewMessage(role Role, text string) InputItem {
	return InputItem{Role: role, Text: text}
}

// NewFunctionCallOutput creates the input item answering one function call.
func NewFunctionCallOutput(callID, output string) InputItem {
	return InputItem{Type: ItemFunctionCallOutput, CallID: callID, Output: output}
}

// IsFunctionCallOutput reports whether the item answers a function call.
func (i InputItem) IsFunctionCallOutput() bool {
	return i.Type == ItemFunctionCallOutput
}

// MarshalJSON renders messages as {"role","content"} and function outputs as
// {"type","call_id","output"}.
func (i InputItem) MarshalJSON() ([]byte, error) {
	if i.IsFunctionCallOutput() {
		return json.Marshal(struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		}{i.Type, i.CallID, i.Output})
	}

	var content any = i.Text
	if len(i.Parts) > 0 {
		content = i.Parts
	}
	return json.Marshal(struct {
		Type    string `json:"type,omitempty"`
		Role    Role   `json:"role"`
		Content any    `json:"content"`
	}{i.Type, i.Role, content})
}

// UnmarshalJSON accepts message content either as a string or as a list of parts.
func (i *InputItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    string          `json:"type"`
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
		CallID  string          `json:"call_id"`
		Output  string          `json:"output"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = InputItem{Type: raw.Type, Role: raw.Role, CallID: raw.CallID, Output: raw.Output}
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	if raw.Content[0] == '"' {
		return json.Unmarshal(raw.Content, &i.Text)
	}
	if err := json.Unmarshal(raw.Content, &i.Parts); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	return nil
}

// Tool is a tool definition passed through to the remote side verbatim.
type Tool map[string]any

// Type returns the tool's "type" field.
func (t Tool) Type() string {
	s, _ := t["type"].(string)
	return s
}

// Tool types.
const (
	ToolTypeFunction   = "function"
	ToolTypeFileSearch = "file_search"
)

// NewFileSearchTool builds the retrieval tool bound to the given indexes.
func NewFileSearchTool(indexIDs []string) Tool {
	return Tool{
		"type":             ToolTypeFileSearch,
		"vector_store_ids": indexIDs,
	}
}

// ParseTools decodes a tool list stored as JSON. A single tool object is accepted and
// wrapped into a list.
func ParseTools(raw json.RawMessage) ([]Tool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []Tool
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single Tool
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parse tools: %w", err)
	}
	return []Tool{single}, nil
}

// TextFormat selects the response format. For json_schema, Schema carries the
// {"name", "schema", "strict"} definition which is flattened into the format object.
type TextFormat struct {
	Type   string
	Schema json.RawMessage
}

// Text format types.
const (
	FormatText       = "text"
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// MarshalJSON flattens the schema definition next to "type".
func (f TextFormat) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if f.Type == FormatJSONSchema && len(f.Schema) > 0 {
		if err := json.Unmarshal(f.Schema, &out); err != nil {
			return nil, fmt.Errorf("json schema: %w", err)
		}
	}
	out["type"] = f.Type
	return json.Marshal(out)
}

// TextOptions wraps the response format.
type TextOptions struct {
	Format TextFormat `json:"format"`
}

// ResponseRequest is the payload of a create-response call.
type ResponseRequest struct {
	Model              string       `json:"model"`
	Input              []InputItem  `json:"input"`
	Temperature        *float64     `json:"temperature,omitempty"`
	Text               *TextOptions `json:"text,omitempty"`
	Tools              []Tool       `json:"tools,omitempty"`
	Conversation       string       `json:"conversation,omitempty"`
	PreviousResponseID string       `json:"previous_response_id,omitempty"`
}

// OutputContent is one content element of an output message.
type OutputContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Parsed json.RawMessage `json:"parsed,omitempty"`
}

// OutputItem is one element of a response's output. Raw keeps the full item so that
// callers can read fields this type does not model.
type OutputItem struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the modelled fields and keeps the raw item.
func (o *OutputItem) UnmarshalJSON(data []byte) error {
	type plain OutputItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = OutputItem(p)
	o.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the raw item back when available.
func (o OutputItem) MarshalJSON() ([]byte, error) {
	if len(o.Raw) > 0 {
		return o.Raw, nil
	}
	type plain OutputItem
	return json.Marshal(plain(o))
}

// IsCall reports whether the item asks the caller to run a function.
func (o OutputItem) IsCall() bool {
	return o.Type == ItemFunctionCall || o.Type == ItemToolCall
}

// Usage reports token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the decoded result of a create-response call. Raw holds the body as
// received.
type Response struct {
	ID     string          `json:"id"`
	Model  string          `json:"model,omitempty"`
	Status string          `json:"status,omitempty"`
	Output []OutputItem    `json:"output"`
	Usage  *Usage          `json:"usage,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// Calls returns the output items that request a function call.
func (r *Response) Calls() []OutputItem {
	var calls []OutputItem
	for _, item := range r.Output {
		if item.IsCall() {
			calls = append(calls, item)
		}
	}
	return calls
}

// File is an uploaded remote file.
type File struct {
	ID       string `json:"id"`
	FileName string `json:"filename"`
	Bytes    int    `json:"bytes"`
	Purpose  string `json:"purpose"`
}

// Upload purposes.
const (
	PurposeAssistants = "assistants"
	PurposeUserData   = "user_data"
)

// Index is a remote vector index.
type Index struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IndexFile is a file attached to a remote vector index.
type IndexFile struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
