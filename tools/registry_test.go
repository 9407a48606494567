package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("add", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]int{"sum": in.A + in.B}, nil
	})

	out, err := r.Execute(context.Background(), "add", json.RawMessage(`{"A":2,"B":3}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.(map[string]int)["sum"] != 5 {
		t.Errorf("unexpected result %v", out)
	}

	if _, err := r.Execute(context.Background(), "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegistryDefaultsEmptyArgs(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var got string
	r.Register("echo", func(ctx context.Context, args json.RawMessage) (any, error) {
		got = string(args)
		return nil, nil
	})
	if _, err := r.Execute(context.Background(), "echo", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "{}" {
		t.Errorf("expected {} args, got %q", got)
	}
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.SetFallback(ExecutorFunc(func(ctx context.Context, name string, args json.RawMessage) (any, error) {
		return "fallback:" + name, nil
	}))

	out, err := r.Execute(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "fallback:anything" {
		t.Errorf("unexpected result %v", out)
	}
}

func TestHTTPRemoteCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/tools/weather":
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Args struct {
					City string `json:"city"`
				} `json:"args"`
			}
			_ = json.Unmarshal(body, &payload)
			_, _ = w.Write([]byte(`{"city":"` + payload.Args.City + `","temp":21}`))
		case "/tools/plain":
			_, _ = w.Write([]byte(`sunny`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such tool"))
		}
	}))
	defer srv.Close()

	r := NewRegistry(zerolog.Nop())
	caller := NewHTTPRemoteCaller(srv.URL+"/", "secret")
	r.RegisterRemoteTool("weather", caller)
	r.SetFallback(RemoteExecutor(caller, zerolog.Nop()))

	out, err := r.Execute(context.Background(), "weather", json.RawMessage(`{"city":"Oslo"}`))
	if err != nil {
		t.Fatalf("Execute weather: %v", err)
	}
	m := out.(map[string]any)
	if m["city"] != "Oslo" || m["temp"] != float64(21) {
		t.Errorf("unexpected weather result %v", m)
	}

	out, err = r.Execute(context.Background(), "plain", nil)
	if err != nil {
		t.Fatalf("Execute plain: %v", err)
	}
	if out != "sunny" {
		t.Errorf("expected raw string fallback, got %v", out)
	}

	_, err = r.Execute(context.Background(), "nope", nil)
	if err == nil || err.Error() != "remote tool nope: no such tool" {
		t.Errorf("unexpected error %v", err)
	}
}

type stubInvoker struct {
	gotName  string
	gotInput map[string]any
}

func (s *stubInvoker) InvokeTool(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	s.gotName = name
	s.gotInput = input
	return map[string]any{"text": "ok"}, nil
}

func TestRegisterMCPToolAndDefinitions(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	inv := &stubInvoker{}
	r.RegisterMCPTool("gmail_messages_list", "gmail.messages.list", inv)
	r.Define("gmail_messages_list", "List messages", nil)
	r.Define("calendar_list", "List events", map[string]any{"type": "object"})

	out, err := r.Execute(context.Background(), "gmail_messages_list", json.RawMessage(`{"limit":3}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inv.gotName != "gmail.messages.list" || inv.gotInput["limit"] != float64(3) {
		t.Errorf("invoker got %q %v", inv.gotName, inv.gotInput)
	}
	if out.(map[string]any)["text"] != "ok" {
		t.Errorf("unexpected result %v", out)
	}

	defs := r.Definitions()
	if len(defs) != 2 || defs[0]["name"] != "calendar_list" || defs[1].Type() != "function" {
		t.Fatalf("unexpected definitions %v", defs)
	}
	if _, ok := defs[1]["parameters"].(map[string]any)["properties"]; !ok {
		t.Errorf("expected default parameters schema, got %v", defs[1]["parameters"])
	}
}

func TestHTTPRemoteCallerRetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools/flaky":
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad args"))
		}
	}))
	defer srv.Close()

	caller := NewHTTPRemoteCaller(srv.URL, "")
	caller.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	out, err := caller.Call(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Call flaky: %v", err)
	}
	if string(out) != `{"ok":true}` || calls.Load() != 3 {
		t.Errorf("unexpected result %s after %d calls", out, calls.Load())
	}

	calls.Store(0)
	_, err = caller.Call(context.Background(), "strict", nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected RemoteError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("client errors must not be retried, got %d calls", calls.Load())
	}

	caller.MaxRetries = 0
	calls.Store(0)
	if _, err := caller.Call(context.Background(), "flaky", nil); err == nil {
		t.Error("expected failure without retries")
	}
}
