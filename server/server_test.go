package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/orchestrator"
	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/aschepis/backscratcher/relay/vectorsync"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type stubExecutor struct {
	got    orchestrator.Request
	result *orchestrator.Result
	err    error
}

func (s *stubExecutor) Execute(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	s.got = req
	return s.result, s.err
}

type stubTemplates struct{}

func (stubTemplates) Resolve(_ context.Context, ref string) (*templates.Template, error) {
	if ref != "support" {
		return nil, templates.ErrNotFound
	}
	return &templates.Template{ID: 1, Name: "support", Instructions: "help"}, nil
}

func (stubTemplates) IndexIDs(context.Context, int64) ([]string, error) {
	return []string{"vs_1"}, nil
}

type stubSyncer struct{}

func (stubSyncer) SyncRef(_ context.Context, ref string) (*vectorsync.Report, error) {
	switch ref {
	case "kb":
		return &vectorsync.Report{Template: "kb", IndexID: "vs_1", Uploaded: 2}, nil
	case "broken":
		return nil, errors.New("create index: boom")
	}
	return nil, templates.ErrNotFound
}

type stubCatalog []llm.Tool

func (c stubCatalog) Definitions() []llm.Tool { return c }

func setupRouter(t *testing.T, exec *stubExecutor) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := New(Config{Version: "test", Logger: zerolog.Nop()}, Deps{
		Executor:  exec,
		Templates: stubTemplates{},
		Syncer:    stubSyncer{},
		Tools:     stubCatalog{{"type": "function", "name": "lookup", "description": "Look up"}},
	})
	return s.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func successResult(t *testing.T) *orchestrator.Result {
	t.Helper()
	var resp llm.Response
	body := `{"id":"resp_1","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"{\"ok\":true}"}]}]}`
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	return &orchestrator.Result{Kind: orchestrator.KindSuccess, Response: &resp}
}

func TestRequestStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		result *orchestrator.Result
		err    error
		want   int
	}{
		{name: "success", result: successResult(t), want: http.StatusOK},
		{name: "duplicate", result: &orchestrator.Result{Kind: orchestrator.KindInProgress, Status: orchestrator.StatusInProgress}, want: http.StatusAccepted},
		{name: "unsupported", result: &orchestrator.Result{Kind: orchestrator.KindFailure, Code: llm.CodeUnsupportedFileFormat}, want: http.StatusUnprocessableEntity},
		{name: "failure", result: &orchestrator.Result{Kind: orchestrator.KindFailure, Error: "API Error: boom"}, want: http.StatusBadGateway},
		{name: "no input", err: orchestrator.ErrNoInput, want: http.StatusBadRequest},
		{name: "unknown attachment", err: fmt.Errorf("%w: %q", orchestrator.ErrUnsupportedAttachment, "audio"), want: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupRouter(t, &stubExecutor{result: tt.result, err: tt.err})
			rec := doReq(t, h, http.MethodPost, "/v1/requests", map[string]any{"correlation_key": "job-42", "message": "hi"})
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequestSuccessBody(t *testing.T) {
	exec := &stubExecutor{result: successResult(t)}
	h := setupRouter(t, exec)

	rec := doReq(t, h, http.MethodPost, "/v1/requests", map[string]any{
		"correlation_key":   "job-1",
		"message":           "hi",
		"template":          "support",
		"model":             "gpt-4o",
		"conversation_user": "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Kind string         `json:"kind"`
		Text string         `json:"text"`
		JSON map[string]any `json:"json"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != "success" || out.Text != `{"ok":true}` || out.JSON["ok"] != true {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if exec.got.CorrelationKey() != "job-1" || exec.got.Template() != "support" || exec.got.ConversationUser() != "alice" {
		t.Errorf("unexpected request %+v", exec.got)
	}
}

func TestRequestValidation(t *testing.T) {
	h := setupRouter(t, &stubExecutor{result: successResult(t)})

	rec := doReq(t, h, http.MethodPost, "/v1/requests", map[string]any{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing key: expected 400, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPost, "/v1/requests", map[string]any{"correlation_key": "k", "message": "hi", "template": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown template: expected 404, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPost, "/v1/requests", map[string]any{"correlation_key": "k", "message": "hi", "tools": "nonsense"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad tools: expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rr.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	h := setupRouter(t, &stubExecutor{})

	rec := doReq(t, h, http.MethodPost, "/v1/templates/kb/sync", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"uploaded":2`) {
		t.Errorf("unexpected sync response %d %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodPost, "/v1/templates/missing/sync", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/v1/templates/broken/sync", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestInfoToolsHealthMetrics(t *testing.T) {
	h := setupRouter(t, &stubExecutor{})

	if rec := doReq(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
	rec := doReq(t, h, http.MethodGet, "/v1/info", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"test"`) || !strings.Contains(rec.Body.String(), `"tools":1`) {
		t.Errorf("info: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, "/v1/tools", nil)
	if !strings.Contains(rec.Body.String(), `"name":"lookup"`) {
		t.Errorf("tools: %s", rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics: %d", rec.Code)
	}
}
