// Package vectorsync keeps a template's remote vector index in line with its file
// manifest. Unchanged files are recognised by content hash and never re-uploaded;
// remote files no manifest entry accounts for are removed.
package vectorsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the template store the synchronizer reads and updates.
type Store interface {
	Get(ctx context.Context, id int64) (*templates.Template, error)
	Resolve(ctx context.Context, ref string) (*templates.Template, error)
	ListWithFiles(ctx context.Context) ([]templates.Template, error)
	Files(ctx context.Context, templateID int64) ([]templates.File, error)
	MarkUploading(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, indexID, fileID, hash string, size int64) error
	MarkFailed(ctx context.Context, id int64, msg string) error
}

// Remote is the remote file and index API.
type Remote interface {
	llm.FileUploader
	llm.IndexManager
}

// Options tune a Synchronizer.
type Options struct {
	Concurrency  int
	TempDir      string
	FetchTimeout time.Duration
}

// Report summarises one reconciliation pass.
type Report struct {
	TemplateID int64    `json:"template_id"`
	Template   string   `json:"template"`
	IndexID    string   `json:"index_id,omitempty"`
	Uploaded   int      `json:"uploaded"`
	Unchanged  int      `json:"unchanged"`
	Removed    int      `json:"removed"`
	Failed     []string `json:"failed,omitempty"`
}

// OK reports whether every manifest entry is in sync.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// Synchronizer reconciles template manifests with remote indexes.
type Synchronizer struct {
	store   Store
	remote  Remote
	fetcher *Fetcher
	opts    Options
	logger  zerolog.Logger
}

// New creates a synchronizer. A nil fetcher gets one with opts.FetchTimeout.
func New(store Store, remote Remote, fetcher *Fetcher, opts Options, logger zerolog.Logger) *Synchronizer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	if fetcher == nil {
		fetcher = NewFetcher(opts.FetchTimeout)
	}
	return &Synchronizer{
		store:   store,
		remote:  remote,
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.With().Str("component", "vectorsync").Logger(),
	}
}

// IndexName is the remote index name used for a template.
func IndexName(t *templates.Template) string {
	return fmt.Sprintf("Template_%d_%s", t.ID, t.Name)
}

// SyncRef reconciles the template with the given id or name.
func (s *Synchronizer) SyncRef(ctx context.Context, ref string) (*Report, error) {
	t, err := s.store.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, t)
}

// Reconcile reconciles one template. Per-entry failures are recorded on the entry and
// listed in the report; the error is reserved for failures that stop the pass.
func (s *Synchronizer) Reconcile(ctx context.Context, templateID int64) (*Report, error) {
	t, err := s.store.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, t)
}

// SyncAll reconciles every template that owns files. It keeps going after a failed
// template and returns the joined errors.
func (s *Synchronizer) SyncAll(ctx context.Context) ([]*Report, error) {
	list, err := s.store.ListWithFiles(ctx)
	if err != nil {
		return nil, err
	}
	var (
		reports []*Report
		errs    []error
	)
	for i := range list {
		r, err := s.reconcile(ctx, &list[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", list[i].Name, err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

func (s *Synchronizer) reconcile(ctx context.Context, t *templates.Template) (report *Report, err error) {
	log := s.logger.With().Int64("template_id", t.ID).Str("template", t.Name).Logger()
	report = &Report{TemplateID: t.ID, Template: t.Name}
	defer func() {
		switch {
		case err != nil:
			metrics.IncSyncRun("error")
		case !report.OK():
			metrics.IncSyncRun("partial")
		default:
			metrics.IncSyncRun("ok")
		}
	}()

	files, err := s.store.Files(ctx, t.ID)
	if err != nil {
		return report, err
	}
	if len(files) == 0 {
		log.Debug().Msg("No files for template")
		return report, nil
	}

	indexID, err := s.resolveIndex(ctx, log, t, files)
	if err != nil {
		return report, err
	}
	report.IndexID = indexID

	live, err := s.remote.ListIndexFiles(ctx, indexID)
	if err != nil {
		return report, fmt.Errorf("list index files: %w", err)
	}
	liveIDs := lo.Map(live, func(f llm.IndexFile, _ int) string { return f.ID })
	log.Debug().Int("remote_files", len(liveIDs)).Msg("Reconciling manifest")

	var (
		mu    sync.Mutex
		valid []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range files {
		f := files[i]
		g.Go(func() error {
			fileID, uploaded, err := s.syncFile(gctx, log, &f, indexID, liveIDs)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, f.SourceURL)
			case uploaded:
				report.Uploaded++
				valid = append(valid, fileID)
			default:
				report.Unchanged++
				valid = append(valid, fileID)
			}
			return nil
		})
	}
	_ = g.Wait()

	orphans, _ := lo.Difference(liveIDs, valid)
	for _, fileID := range orphans {
		if err := s.remote.RemoveFileFromIndex(ctx, indexID, fileID); err != nil {
			log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to remove orphaned file")
			metrics.IncSyncOp("remove", "error")
			continue
		}
		log.Debug().Str("file_id", fileID).Msg("Removed orphaned file")
		metrics.IncSyncOp("remove", "ok")
		report.Removed++
	}

	log.Info().
		Str("index_id", indexID).
		Int("uploaded", report.Uploaded).
		Int("unchanged", report.Unchanged).
		Int("removed", report.Removed).
		Int("failed", len(report.Failed)).
		Msg("Synchronization complete")
	return report, nil
}

// resolveIndex reuses the index an entry already points at when it still exists and
// creates a new one otherwise.
func (s *Synchronizer) resolveIndex(ctx context.Context, log zerolog.Logger, t *templates.Template, files []templates.File) (string, error) {
	existing, ok := lo.Find(files, func(f templates.File) bool { return f.RemoteIndexID != "" })
	if ok {
		idx, err := s.remote.GetIndex(ctx, existing.RemoteIndexID)
		switch {
		case err == nil && idx.ID != "":
			return idx.ID, nil
		case err == nil || llm.IsNotFound(err):
			log.Info().Str("index_id", existing.RemoteIndexID).Msg("Index no longer exists remotely, creating a new one")
		default:
			log.Warn().Err(err).Str("index_id", existing.RemoteIndexID).Msg("Cannot verify index, creating a new one")
		}
	}

	idx, err := s.remote.CreateIndex(ctx, IndexName(t))
	if err != nil {
		return "", fmt.Errorf("create index: %w", err)
	}
	log.Info().Str("index_id", idx.ID).Msg("Created index")
	return idx.ID, nil
}

// syncFile brings one entry in line with indexID and returns its remote file id.
// uploaded is false when the entry was already in sync. An entry only counts as in
// sync while its remote file is still attached to the index.
func (s *Synchronizer) syncFile(ctx context.Context, log zerolog.Logger, f *templates.File, indexID string, liveIDs []string) (fileID string, uploaded bool, err error) {
	log = log.With().Int64("file_id", f.ID).Str("source", f.SourceURL).Logger()
	defer func() {
		if err != nil {
			log.Warn().Err(err).Msg("File sync failed")
			metrics.IncSyncOp("upload", "error")
			if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), f.ID, err.Error()); markErr != nil {
				log.Error().Err(markErr).Msg("Failed to record file sync failure")
			}
		}
	}()

	src, err := s.fetcher.Fetch(ctx, f.SourceURL, f.FileType)
	if err != nil {
		return "", false, fmt.Errorf("failed to download file content: %w", err)
	}
	hash := contentHash(src.Content)
	if f.InSync(indexID, hash) && lo.Contains(liveIDs, f.RemoteFileID) {
		if f.UploadStatus != templates.UploadCompleted {
			if err := s.store.MarkCompleted(ctx, f.ID, indexID, f.RemoteFileID, hash, int64(len(src.Content))); err != nil {
				return "", false, err
			}
		}
		log.Debug().Msg("File unchanged")
		metrics.IncSyncOp("upload", "skipped")
		return f.RemoteFileID, false, nil
	}

	if err := s.store.MarkUploading(ctx, f.ID); err != nil {
		return "", false, err
	}

	path := src.LocalPath
	if path == "" {
		tmp, cleanup, err := s.materialize(f, src.Content)
		if err != nil {
			return "", false, err
		}
		defer cleanup()
		path = tmp
	}

	uploadedFile, err := s.remote.UploadFile(ctx, path, llm.PurposeAssistants)
	if err != nil {
		return "", false, fmt.Errorf("failed to upload file: %w", err)
	}
	if err := s.remote.AddFileToIndex(ctx, indexID, uploadedFile.ID); err != nil {
		return "", false, fmt.Errorf("failed to add file to index: %w", err)
	}
	if err := s.store.MarkCompleted(ctx, f.ID, indexID, uploadedFile.ID, hash, int64(len(src.Content))); err != nil {
		return "", false, err
	}
	log.Info().Str("remote_file_id", uploadedFile.ID).Msg("File synced")
	metrics.IncSyncOp("upload", "ok")
	return uploadedFile.ID, true, nil
}

// materialize writes content to a temporary file named after the entry.
func (s *Synchronizer) materialize(f *templates.File, content []byte) (string, func(), error) {
	dir, err := os.MkdirTemp(s.opts.TempDir, fmt.Sprintf("template_file_%d_", f.ID))
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove temp dir")
		}
	}
	path := filepath.Join(dir, tempName(f))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	return path, cleanup, nil
}

func tempName(f *templates.File) string {
	name := filepath.Base(f.FileName)
	if name == "." || name == "/" || name == "" {
		name = fmt.Sprintf("template_file_%d", f.ID)
	}
	if f.FileType != "" && !strings.HasSuffix(name, "."+f.FileType) {
		name += "." + f.FileType
	}
	return name
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
