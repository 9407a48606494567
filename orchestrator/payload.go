package orchestrator

import (
	"encoding/json"
	"slices"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/samber/lo"
)

// ToolCatalog supplies function definitions registered locally.
type ToolCatalog interface {
	Definitions() []llm.Tool
}

// inputItems returns the initial input list. Instructions are only sent as a system
// message outside conversation mode; a conversation carries them from creation.
func (r Request) inputItems(inConversation bool) []llm.InputItem {
	if len(r.messages) > 0 {
		return slices.Clone(r.messages)
	}
	items := make([]llm.InputItem, 0, 2)
	if r.instructions != "" && !inConversation {
		items = append(items, llm.NewMessage(llm.RoleSystem, r.instructions))
	}
	return append(items, llm.NewMessage(llm.RoleUser, r.message))
}

// auditPayload is what the audit record stores as the request.
func (r Request) auditPayload() string {
	b, err := json.Marshal(r.inputItems(r.conversationUser != ""))
	if err != nil {
		return r.message
	}
	return string(b)
}

// textFormat maps the response format onto the payload. json_schema without a schema
// falls back to text.
func (r Request) textFormat() *llm.TextOptions {
	switch {
	case r.format == llm.FormatJSONSchema && len(r.schema) > 0:
		return &llm.TextOptions{Format: llm.TextFormat{Type: llm.FormatJSONSchema, Schema: slices.Clone(r.schema)}}
	case r.format == llm.FormatJSONObject:
		return &llm.TextOptions{Format: llm.TextFormat{Type: llm.FormatJSONObject}}
	}
	return &llm.TextOptions{Format: llm.TextFormat{Type: llm.FormatText}}
}

func (r Request) toolList(catalog ToolCatalog) []llm.Tool {
	tools := cloneTools(r.tools)
	if r.registeredTools && catalog != nil {
		for _, def := range catalog.Definitions() {
			name, _ := def["name"].(string)
			exists := lo.ContainsBy(tools, func(t llm.Tool) bool {
				n, _ := t["name"].(string)
				return t.Type() == llm.ToolTypeFunction && n == name
			})
			if !exists {
				tools = append(tools, def)
			}
		}
	}
	if len(r.indexIDs) > 0 {
		hasSearch := lo.ContainsBy(tools, func(t llm.Tool) bool { return t.Type() == llm.ToolTypeFileSearch })
		if !hasSearch {
			tools = append(tools, llm.NewFileSearchTool(slices.Clone(r.indexIDs)))
		}
	}
	return tools
}

// withAttachments appends the attachment parts to the last user message.
func withAttachments(items []llm.InputItem, atts []Attachment) ([]llm.InputItem, error) {
	if len(atts) == 0 {
		return items, nil
	}
	parts := make([]llm.ContentPart, 0, len(atts))
	for _, a := range atts {
		p, err := a.part()
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	_, idx, found := lo.FindLastIndexOf(items, func(i llm.InputItem) bool {
		return !i.IsFunctionCallOutput() && i.Role == llm.RoleUser
	})
	if !found {
		return append(items, llm.InputItem{Role: llm.RoleUser, Parts: parts}), nil
	}

	last := items[idx]
	content := slices.Clone(last.Parts)
	if len(content) == 0 && last.Text != "" {
		content = []llm.ContentPart{{Type: llm.PartInputText, Text: last.Text}}
	}
	last.Parts = append(content, parts...)
	last.Text = ""
	items[idx] = last
	return items, nil
}

// buildPayload assembles the first request of an attempt.
func (o *Orchestrator) buildPayload(req Request, conversationID string) (*llm.ResponseRequest, error) {
	input, err := withAttachments(req.inputItems(conversationID != ""), req.attachments)
	if err != nil {
		return nil, err
	}
	model := req.model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	payload := &llm.ResponseRequest{
		Model:        model,
		Input:        input,
		Text:         req.textFormat(),
		Tools:        req.toolList(o.catalog),
		Conversation: conversationID,
	}
	if req.temperature != nil {
		t := *req.temperature
		payload.Temperature = &t
	}
	return payload, nil
}

// continuation builds the request that returns tool outputs for prev.
func continuation(base *llm.ResponseRequest, prev *llm.Response, outputs []llm.InputItem) *llm.ResponseRequest {
	next := *base
	next.Input = outputs
	next.PreviousResponseID = ""
	if next.Conversation == "" {
		next.PreviousResponseID = prev.ID
	}
	return &next
}
