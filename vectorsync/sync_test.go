package vectorsync

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/migrations"
	"github.com/aschepis/backscratcher/relay/templates"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, migrations.RunMigrations(db, zerolog.Nop()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeRemote struct {
	mu         sync.Mutex
	indexes    map[string]map[string]bool
	contents   map[string]string
	nextID     int
	failUpload map[string]bool
	uploads    int
	removed    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		indexes:    map[string]map[string]bool{},
		contents:   map[string]string{},
		failUpload: map[string]bool{},
	}
}

func (r *fakeRemote) UploadFile(_ context.Context, path, purpose string) (*llm.File, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpload[string(body)] {
		return nil, &llm.Error{Type: llm.ErrorTypeProvider, Message: "upload rejected"}
	}
	if purpose != llm.PurposeAssistants {
		return nil, fmt.Errorf("unexpected purpose %q", purpose)
	}
	r.nextID++
	id := fmt.Sprintf("file-%d", r.nextID)
	r.contents[id] = string(body)
	r.uploads++
	return &llm.File{ID: id, FileName: filepath.Base(path), Purpose: purpose}, nil
}

func (r *fakeRemote) CreateIndex(_ context.Context, name string) (*llm.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("vs-%d", r.nextID)
	r.indexes[id] = map[string]bool{}
	return &llm.Index{ID: id, Name: name}, nil
}

func (r *fakeRemote) GetIndex(_ context.Context, id string) (*llm.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[id]; !ok {
		return nil, &llm.Error{Type: llm.ErrorTypeNotFound, Message: "No vector store found", StatusCode: http.StatusNotFound}
	}
	return &llm.Index{ID: id}, nil
}

func (r *fakeRemote) ListIndexFiles(_ context.Context, id string) ([]llm.IndexFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []llm.IndexFile
	for fileID := range r.indexes[id] {
		out = append(out, llm.IndexFile{ID: fileID, Status: "completed"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRemote) AddFileToIndex(_ context.Context, indexID, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes[indexID][fileID] = true
	return nil
}

func (r *fakeRemote) RemoveFileFromIndex(_ context.Context, indexID, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexes[indexID], fileID)
	r.removed = append(r.removed, fileID)
	return nil
}

func (r *fakeRemote) indexFiles(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for f := range r.indexes[id] {
		out = append(out, r.contents[f])
	}
	sort.Strings(out)
	return out
}

type fixture struct {
	mu     sync.Mutex
	store  *templates.Store
	remote *fakeRemote
	sync   *Synchronizer
	tpl    *templates.Template
	docs   map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		store:  templates.NewStore(setupTestDB(t), zerolog.Nop()),
		remote: newFakeRemote(),
		docs:   map[string]string{"/a.txt": "alpha", "/b.txt": "beta"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.mu.Lock()
		body, ok := fx.docs[r.URL.Path]
		fx.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	fx.tpl = &templates.Template{Name: "kb"}
	require.NoError(t, fx.store.Create(context.Background(), fx.tpl))
	for _, p := range []string{"/a.txt", "/b.txt"} {
		require.NoError(t, fx.store.AddFile(context.Background(), &templates.File{TemplateID: fx.tpl.ID, SourceURL: srv.URL + p}))
	}
	fx.sync = New(fx.store, fx.remote, nil, Options{Concurrency: 2, TempDir: t.TempDir(), FetchTimeout: 5 * time.Second}, zerolog.Nop())
	return fx
}

func (fx *fixture) setDoc(path, body string) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.docs[path] = body
}

func TestReconcileUploadsThenSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	report, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, []string{"alpha", "beta"}, fx.remote.indexFiles(report.IndexID))

	files, err := fx.store.Files(ctx, fx.tpl.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, templates.UploadCompleted, f.UploadStatus)
		assert.Equal(t, report.IndexID, f.RemoteIndexID)
		assert.Len(t, f.ContentHash, 64)
	}

	again, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, report.IndexID, again.IndexID)
	assert.Equal(t, 0, again.Uploaded)
	assert.Equal(t, 2, again.Unchanged)
	assert.Equal(t, 2, fx.remote.uploads)
}

func TestReconcileReplacesChangedAndRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	first, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)

	fx.setDoc("/a.txt", "alpha v2")
	files, err := fx.store.Files(ctx, fx.tpl.ID)
	require.NoError(t, err)
	require.NoError(t, fx.store.RemoveFile(ctx, files[1].ID))

	second, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, first.IndexID, second.IndexID)
	assert.Equal(t, 1, second.Uploaded)
	assert.Equal(t, 2, second.Removed, "old alpha and removed beta")
	assert.Equal(t, []string{"alpha v2"}, fx.remote.indexFiles(second.IndexID))
}

func TestReconcileRecreatesMissingIndex(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	first, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	fx.remote.mu.Lock()
	delete(fx.remote.indexes, first.IndexID)
	fx.remote.mu.Unlock()

	second, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.IndexID, second.IndexID)
	assert.Equal(t, 2, second.Uploaded, "entries bound to the old index are re-uploaded")
	assert.Equal(t, []string{"alpha", "beta"}, fx.remote.indexFiles(second.IndexID))
}

func TestReconcileRecordsEntryFailures(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.remote.failUpload["beta"] = true
	missing := &templates.File{TemplateID: fx.tpl.ID, SourceURL: filepath.Join(t.TempDir(), "nope.txt")}
	require.NoError(t, fx.store.AddFile(ctx, missing))

	report, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Len(t, report.Failed, 2)
	assert.Equal(t, 1, report.Uploaded)

	files, err := fx.store.Files(ctx, fx.tpl.ID)
	require.NoError(t, err)
	statuses := map[string]templates.UploadStatus{}
	for _, f := range files {
		statuses[filepath.Base(f.SourceURL)] = f.UploadStatus
		if f.UploadStatus == templates.UploadFailed {
			assert.NotEmpty(t, f.ErrorMessage)
		}
	}
	assert.Equal(t, templates.UploadCompleted, statuses["a.txt"])
	assert.Equal(t, templates.UploadFailed, statuses["b.txt"])
	assert.Equal(t, templates.UploadFailed, statuses["nope.txt"])
}

func TestReconcileRecoversAfterSourceOutage(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)

	fx.mu.Lock()
	delete(fx.docs, "/a.txt")
	fx.mu.Unlock()
	outage, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.False(t, outage.OK())
	assert.Equal(t, 1, outage.Removed)
	assert.Equal(t, []string{"beta"}, fx.remote.indexFiles(outage.IndexID))

	fx.setDoc("/a.txt", "alpha")
	recovered, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.True(t, recovered.OK())
	assert.Equal(t, 1, recovered.Uploaded, "the detached entry is uploaded again")
	assert.Equal(t, 1, recovered.Unchanged)
	assert.Equal(t, []string{"alpha", "beta"}, fx.remote.indexFiles(recovered.IndexID))

	files, err := fx.store.Files(ctx, fx.tpl.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, templates.UploadCompleted, f.UploadStatus, f.SourceURL)
		assert.Empty(t, f.ErrorMessage)
	}
}

func TestReconcileClearsFailedStatusOnUnchangedEntry(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	files, err := fx.store.Files(ctx, fx.tpl.ID)
	require.NoError(t, err)
	require.NoError(t, fx.store.MarkFailed(ctx, files[0].ID, "interrupted"))

	report, err := fx.sync.Reconcile(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	files, err = fx.store.Files(ctx, fx.tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, templates.UploadCompleted, files[0].UploadStatus)
}

func TestReconcileEmptyManifest(t *testing.T) {
	ctx := context.Background()
	store := templates.NewStore(setupTestDB(t), zerolog.Nop())
	tpl := &templates.Template{Name: "empty"}
	require.NoError(t, store.Create(ctx, tpl))

	remote := newFakeRemote()
	report, err := New(store, remote, nil, Options{}, zerolog.Nop()).Reconcile(ctx, tpl.ID)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, remote.indexes, "no index is created for an empty manifest")
}

func TestSyncAllAndSyncRef(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	reports, err := fx.sync.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "kb", reports[0].Template)

	report, err := fx.sync.SyncRef(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)

	_, err = fx.sync.SyncRef(ctx, "missing")
	assert.ErrorIs(t, err, templates.ErrNotFound)
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "Template_7_support", IndexName(&templates.Template{ID: 7, Name: "support"}))
}
