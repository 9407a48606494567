package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/templates"
)

// ErrNoInput is returned by Execute when a request carries neither a message nor a
// message list.
var ErrNoInput = errors.New("either a message or a message list must be set")

// Request is an immutable description of one logical call. Build it with NewRequest;
// every option copies what it is given.
type Request struct {
	correlationKey   string
	message          string
	messages         []llm.InputItem
	model            string
	instructions     string
	tools            []llm.Tool
	format           string
	schema           json.RawMessage
	temperature      *float64
	conversationUser string
	attachments      []Attachment
	indexIDs         []string
	template         string
	registeredTools  bool
}

// Option configures a Request.
type Option func(*Request)

// NewRequest builds a request for correlationKey. Options apply in order, so an
// option placed after FromTemplate overrides the template's value.
func NewRequest(correlationKey string, opts ...Option) Request {
	r := Request{correlationKey: correlationKey}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// CorrelationKey returns the key used for admission.
func (r Request) CorrelationKey() string { return r.correlationKey }

// ConversationUser returns the user bound to conversation mode, if any.
func (r Request) ConversationUser() string { return r.conversationUser }

// Template returns the name of the template the request was built from.
func (r Request) Template() string { return r.template }

// With returns a copy of r with opts applied.
func (r Request) With(opts ...Option) Request {
	c := r.clone()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (r Request) clone() Request {
	c := r
	c.messages = slices.Clone(r.messages)
	c.tools = cloneTools(r.tools)
	c.schema = slices.Clone(r.schema)
	c.attachments = slices.Clone(r.attachments)
	c.indexIDs = slices.Clone(r.indexIDs)
	if r.temperature != nil {
		t := *r.temperature
		c.temperature = &t
	}
	return c
}

func (r Request) validate() error {
	if r.message == "" && len(r.messages) == 0 {
		return ErrNoInput
	}
	for _, a := range r.attachments {
		if _, err := a.part(); err != nil {
			return err
		}
	}
	return nil
}

// WithMessage sets the user message.
func WithMessage(text string) Option {
	return func(r *Request) { r.message = text }
}

// WithMessages sets a pre-built input list. It takes precedence over WithMessage and
// the instructions are not prepended to it.
func WithMessages(items ...llm.InputItem) Option {
	return func(r *Request) { r.messages = slices.Clone(items) }
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(r *Request) { r.model = model }
}

// WithInstructions sets the system instructions.
func WithInstructions(text string) Option {
	return func(r *Request) { r.instructions = text }
}

// WithTools sets the tool definitions passed to the remote side.
func WithTools(tools ...llm.Tool) Option {
	return func(r *Request) { r.tools = cloneTools(tools) }
}

// WithRegisteredTools also advertises the executor's own function definitions.
func WithRegisteredTools() Option {
	return func(r *Request) { r.registeredTools = true }
}

// WithResponseFormat selects text, json_object or json_schema. schema is only used
// for json_schema.
func WithResponseFormat(format string, schema json.RawMessage) Option {
	return func(r *Request) {
		r.format = format
		r.schema = slices.Clone(schema)
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Request) { r.temperature = &t }
}

// WithConversation enables conversation mode for user.
func WithConversation(user string) Option {
	return func(r *Request) { r.conversationUser = user }
}

// WithAttachments adds uploaded files to the last user message.
func WithAttachments(atts ...Attachment) Option {
	return func(r *Request) { r.attachments = append(r.attachments, atts...) }
}

// WithIndexes binds vector indexes; a file_search tool over them is added unless the
// tool list already has one.
func WithIndexes(ids ...string) Option {
	return func(r *Request) { r.indexIDs = slices.Clone(ids) }
}

// WithTemplate applies a template's settings. Empty template fields leave the
// request unchanged.
func WithTemplate(t *templates.Template, indexIDs []string) (Option, error) {
	tools, err := llm.ParseTools(t.Tools)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", t.Name, err)
	}
	return func(r *Request) {
		r.template = t.Name
		if t.Instructions != "" {
			r.instructions = t.Instructions
		}
		if t.Model != "" {
			r.model = t.Model
		}
		if len(tools) > 0 {
			r.tools = cloneTools(tools)
		}
		if t.Temperature != nil {
			temp := *t.Temperature
			r.temperature = &temp
		}
		if t.ResponseFormat != "" {
			r.format = string(t.ResponseFormat)
		}
		if len(t.JSONSchema) > 0 {
			r.schema = slices.Clone(t.JSONSchema)
		}
		r.indexIDs = slices.Clone(indexIDs)
	}, nil
}

// TemplateSource resolves templates and their indexes.
type TemplateSource interface {
	Resolve(ctx context.Context, ref string) (*templates.Template, error)
	IndexIDs(ctx context.Context, templateID int64) ([]string, error)
}

// FromTemplate loads the template named or numbered ref and returns an option
// applying it.
func FromTemplate(ctx context.Context, src TemplateSource, ref string) (Option, error) {
	t, err := src.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	ids, err := src.IndexIDs(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("template %q indexes: %w", t.Name, err)
	}
	return WithTemplate(t, ids)
}

func cloneTools(tools []llm.Tool) []llm.Tool {
	if tools == nil {
		return nil
	}
	out := make([]llm.Tool, len(tools))
	for i, t := range tools {
		c := make(llm.Tool, len(t))
		for k, v := range t {
			c[k] = v
		}
		out[i] = c
	}
	return out
}
