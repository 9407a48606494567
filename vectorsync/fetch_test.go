package vectorsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFetchGoogleExports(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		switch r.URL.Path {
		case "/spreadsheets/d/sheet_1/gviz/tq":
			_, _ = w.Write([]byte(`/*O_o*/
google.visualization.Query.setResponse({"table":{"rows":[]}});`))
		case "/feeds/download/documents/export/Export":
			_, _ = w.Write([]byte("plain document"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	f.GoogleBase = srv.URL

	src, err := f.Fetch(context.Background(), "https://docs.google.com/spreadsheets/d/sheet_1/edit#gid=0", "json")
	if err != nil {
		t.Fatalf("Fetch json: %v", err)
	}
	if string(src.Content) != `{"table":{"rows":[]}}` {
		t.Errorf("unexpected json content %q", src.Content)
	}
	if gotQuery != "tqx=out:json" {
		t.Errorf("unexpected query %q", gotQuery)
	}

	src, err = f.Fetch(context.Background(), "https://docs.google.com/document/d/doc-9_x/edit", "txt")
	if err != nil {
		t.Fatalf("Fetch txt: %v", err)
	}
	if string(src.Content) != "plain document" || src.LocalPath != "" {
		t.Errorf("unexpected txt source %+v", src)
	}
	if gotPath != "/feeds/download/documents/export/Export" || gotQuery != "exportFormat=txt&id=doc-9_x" {
		t.Errorf("unexpected export request %s?%s", gotPath, gotQuery)
	}
}

func TestFetchLocalAndErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("local"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := NewFetcher(time.Second)

	src, err := f.Fetch(context.Background(), path, "txt")
	if err != nil {
		t.Fatalf("Fetch local: %v", err)
	}
	if string(src.Content) != "local" || src.LocalPath != path {
		t.Errorf("unexpected local source %+v", src)
	}

	if _, err := f.Fetch(context.Background(), filepath.Join(t.TempDir(), "missing"), "txt"); err == nil {
		t.Error("expected error for missing file")
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := f.Fetch(context.Background(), srv.URL+"/gone", "txt"); err == nil {
		t.Error("expected error for 404")
	}
}
