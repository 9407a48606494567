package orchestrator

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// Kind is the outcome class of an execution.
type Kind string

const (
	KindSuccess    Kind = "success"
	KindFailure    Kind = "failure"
	KindInProgress Kind = "in_progress"
)

// StatusInProgress is the status text of a duplicate that was not run.
const StatusInProgress = "Already in work"

// Result is what Execute returns for every expected outcome.
type Result struct {
	Kind           Kind          `json:"kind"`
	Response       *llm.Response `json:"response,omitempty"`
	Error          string        `json:"error,omitempty"`
	Code           string        `json:"code,omitempty"`
	Status         string        `json:"status,omitempty"`
	AttemptID      string        `json:"attempt_id,omitempty"`
	RequestLogID   int64         `json:"request_log_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

func success(resp *llm.Response) *Result {
	return &Result{Kind: KindSuccess, Response: resp}
}

func failure(msg, code string) *Result {
	return &Result{Kind: KindFailure, Error: msg, Code: code}
}

func inProgress() *Result {
	return &Result{Kind: KindInProgress, Status: StatusInProgress}
}

// Successful reports whether a final response was received.
func (r *Result) Successful() bool { return r != nil && r.Kind == KindSuccess }

// InProgress reports whether another attempt already owned the correlation key.
func (r *Result) InProgress() bool { return r != nil && r.Kind == KindInProgress }

// Output returns the response's output items.
func (r *Result) Output() []llm.OutputItem {
	if r.Response == nil {
		return nil
	}
	return r.Response.Output
}

// Usage returns token accounting, if reported.
func (r *Result) Usage() *llm.Usage {
	if r.Response == nil {
		return nil
	}
	return r.Response.Usage
}

// Model returns the model that produced the response.
func (r *Result) Model() string {
	if r.Response == nil {
		return ""
	}
	return r.Response.Model
}

// FunctionCalls returns the function_call items of the response.
func (r *Result) FunctionCalls() []llm.OutputItem {
	return lo.Filter(r.Output(), func(item llm.OutputItem, _ int) bool {
		return item.Type == llm.ItemFunctionCall
	})
}

func (r *Result) firstMessage() (llm.OutputItem, bool) {
	return lo.Find(r.Output(), func(item llm.OutputItem) bool {
		return item.Type == llm.ItemMessage && len(item.Content) > 0
	})
}

// Text returns the text of the first message output.
func (r *Result) Text() string {
	msg, ok := r.firstMessage()
	if !ok {
		return ""
	}
	return msg.Content[0].Text
}

// JSON returns the structured answer: the parsed content when the remote side
// supplied it, otherwise the text decoded as a JSON object.
func (r *Result) JSON() (map[string]any, bool) {
	msg, ok := r.firstMessage()
	if !ok {
		return nil, false
	}
	raw := []byte(msg.Content[0].Parsed)
	if len(raw) == 0 || !gjson.ParseBytes(raw).IsObject() {
		raw = []byte(msg.Content[0].Text)
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
