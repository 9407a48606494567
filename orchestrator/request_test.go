package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(t *testing.T, body string) llm.OutputItem {
	t.Helper()
	var it llm.OutputItem
	require.NoError(t, json.Unmarshal([]byte(body), &it))
	return it
}

func TestResolveCall(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   FunctionCall
		wantOK bool
	}{
		{
			name:   "responses shape with string arguments",
			body:   `{"type":"function_call","id":"fc_1","call_id":"call_1","name":"lookup","arguments":"{\"q\":\"x\"}"}`,
			want:   FunctionCall{Name: "lookup", CallID: "call_1", Arguments: json.RawMessage(`{"q":"x"}`)},
			wantOK: true,
		},
		{
			name:   "nested function with object arguments",
			body:   `{"type":"tool_call","id":"tc_1","function":{"name":"lookup","arguments":{"q":1}}}`,
			want:   FunctionCall{Name: "lookup", CallID: "tc_1", Arguments: json.RawMessage(`{"q":1}`)},
			wantOK: true,
		},
		{
			name:   "tool_name and tool_call_id synonyms",
			body:   `{"type":"function_call","tool_name":"lookup","tool_call_id":"c9"}`,
			want:   FunctionCall{Name: "lookup", CallID: "c9", Arguments: json.RawMessage(`{}`)},
			wantOK: true,
		},
		{
			name:   "name wins over function.name",
			body:   `{"type":"function_call","call_id":"c1","name":"outer","function":{"name":"inner"}}`,
			want:   FunctionCall{Name: "outer", CallID: "c1", Arguments: json.RawMessage(`{}`)},
			wantOK: true,
		},
		{
			name:   "invalid argument string becomes empty object",
			body:   `{"type":"function_call","call_id":"c1","name":"lookup","arguments":"not json"}`,
			want:   FunctionCall{Name: "lookup", CallID: "c1", Arguments: json.RawMessage(`{}`)},
			wantOK: true,
		},
		{
			name: "missing name",
			body: `{"type":"function_call","call_id":"c1","arguments":"{}"}`,
		},
		{
			name: "missing call id",
			body: `{"type":"function_call","name":"lookup"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveCall(item(t, tt.body))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want.Name, got.Name)
				assert.Equal(t, tt.want.CallID, got.CallID)
				assert.JSONEq(t, string(tt.want.Arguments), string(got.Arguments))
			}
		})
	}
}

func TestResultAccessors(t *testing.T) {
	var resp llm.Response
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":"resp_1","model":"gpt-4o",
		"output":[
			{"type":"reasoning","id":"rs_1"},
			{"type":"function_call","call_id":"c1","name":"lookup","arguments":"{}"},
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"{\"answer\":42}"}]}
		]}`), &resp))
	res := success(&resp)

	assert.Equal(t, `{"answer":42}`, res.Text())
	assert.Equal(t, "gpt-4o", res.Model())
	assert.Nil(t, res.Usage())
	assert.Len(t, res.Output(), 3)
	require.Len(t, res.FunctionCalls(), 1)
	assert.Equal(t, llm.ItemFunctionCall, res.FunctionCalls()[0].Type)

	got, ok := res.JSON()
	require.True(t, ok)
	assert.Equal(t, float64(42), got["answer"])

	resp.Output[2].Content[0].Parsed = json.RawMessage(`{"answer":"parsed"}`)
	got, ok = res.JSON()
	require.True(t, ok)
	assert.Equal(t, "parsed", got["answer"])

	resp.Output[2].Content[0] = llm.OutputContent{Type: "output_text", Text: "plain words"}
	_, ok = res.JSON()
	assert.False(t, ok)

	empty := failure("nope", "")
	assert.Empty(t, empty.Text())
	assert.Nil(t, empty.Output())
	assert.False(t, empty.Successful())
}

type fakeUploader struct {
	path, purpose string
}

func (f *fakeUploader) UploadFile(_ context.Context, path, purpose string) (*llm.File, error) {
	f.path, f.purpose = path, purpose
	return &llm.File{ID: "file_" + filepath.Base(path), Purpose: purpose}, nil
}

func TestAttachLocalFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o600))
		return p
	}

	png := write("a.png", append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...))
	pdf := write("a.pdf", []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"))
	txt := write("a.txt", []byte("just some text"))
	empty := write("empty.png", nil)

	up := &fakeUploader{}
	att, err := AttachLocalFile(context.Background(), up, png)
	require.NoError(t, err)
	assert.Equal(t, Attachment{FileID: "file_a.png", Kind: AttachmentImage}, att)
	assert.Equal(t, llm.PurposeUserData, up.purpose)

	att, err = AttachLocalFile(context.Background(), up, pdf)
	require.NoError(t, err)
	assert.Equal(t, AttachmentPDF, att.Kind)

	_, err = AttachLocalFile(context.Background(), up, txt)
	assert.ErrorIs(t, err, ErrUnsupportedAttachment)

	_, err = AttachLocalFile(context.Background(), up, empty)
	assert.Error(t, err)

	_, err = AttachLocalFile(context.Background(), up, filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestFromTemplate(t *testing.T) {
	ctx := context.Background()
	store := templates.NewStore(setupTestDB(t), zerolog.Nop())

	temp := 0.3
	tpl := &templates.Template{
		Name:           "support",
		Instructions:   "You answer support tickets.",
		Model:          "gpt-4o",
		Tools:          json.RawMessage(`{"type":"function","name":"lookup"}`),
		Temperature:    &temp,
		ResponseFormat: templates.FormatJSONSchema,
		JSONSchema:     json.RawMessage(`{"name":"ticket","schema":{"type":"object"}}`),
	}
	require.NoError(t, store.Create(ctx, tpl))

	f := &templates.File{TemplateID: tpl.ID, SourceURL: "https://example.com/faq.txt"}
	require.NoError(t, store.AddFile(ctx, f))
	require.NoError(t, store.MarkCompleted(ctx, f.ID, "vs_1", "file_1", "abc", 10))

	opt, err := FromTemplate(ctx, store, "support")
	require.NoError(t, err)
	req := NewRequest("k", WithMessage("hi"), opt, WithModel("gpt-4o-mini"))

	assert.Equal(t, "support", req.Template())
	assert.Equal(t, "You answer support tickets.", req.instructions)
	assert.Equal(t, "gpt-4o-mini", req.model, "later options override the template")
	assert.Equal(t, []string{"vs_1"}, req.indexIDs)
	require.Len(t, req.tools, 1)
	assert.Equal(t, "lookup", req.tools[0]["name"])
	assert.Equal(t, llm.FormatJSONSchema, req.textFormat().Format.Type)

	_, err = FromTemplate(ctx, store, "missing")
	assert.ErrorIs(t, err, templates.ErrNotFound)
}
