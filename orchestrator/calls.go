package orchestrator

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/tidwall/gjson"
)

// Field paths tried in order when reading a function call item.
var (
	callNamePaths = []string{"name", "function.name", "tool_name"}
	callArgsPaths = []string{"arguments", "function.arguments"}
	callIDPaths   = []string{"call_id", "id", "tool_call_id"}
)

// FunctionCall is a function call item reduced to what the executor needs.
type FunctionCall struct {
	Name      string
	Arguments json.RawMessage
	CallID    string
}

// ResolveCall reads a function call item. ok is false when the name or call id is
// missing. Arguments given as a JSON string are decoded; anything unusable becomes an
// empty object.
func ResolveCall(item llm.OutputItem) (FunctionCall, bool) {
	raw := item.Raw
	if len(raw) == 0 {
		b, err := json.Marshal(item)
		if err != nil {
			return FunctionCall{}, false
		}
		raw = b
	}
	if !gjson.ValidBytes(raw) {
		return FunctionCall{}, false
	}

	call := FunctionCall{
		Name:      firstString(raw, callNamePaths),
		CallID:    firstString(raw, callIDPaths),
		Arguments: json.RawMessage("{}"),
	}
	if call.Name == "" || call.CallID == "" {
		return call, false
	}

	if v, ok := firstExisting(raw, callArgsPaths); ok {
		switch {
		case v.IsObject():
			call.Arguments = json.RawMessage(v.Raw)
		case v.Type == gjson.String && gjson.Valid(v.Str) && gjson.Parse(v.Str).IsObject():
			call.Arguments = json.RawMessage(v.Str)
		}
	}
	return call, true
}

func firstExisting(raw []byte, paths []string) (gjson.Result, bool) {
	for _, path := range paths {
		if v := gjson.GetBytes(raw, path); v.Exists() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func firstString(raw []byte, paths []string) string {
	for _, path := range paths {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
