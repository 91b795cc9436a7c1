package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-model-fetch/internal/coordinator"
	"go-model-fetch/internal/downloader"
	"go-model-fetch/internal/models"
	"go-model-fetch/internal/paths"
	"go-model-fetch/internal/retry"

	log "github.com/sirupsen/logrus"
)

// Custom orchestrator errors.
var (
	ErrAlreadyActive = errors.New("download already active for model")
	ErrNoSession     = errors.New("no session for model")
)

// Catalog is the hub surface the orchestrator needs: manifest discovery and
// per-file size lookups for the background total prefetch.
type Catalog interface {
	Manifest(ctx context.Context, id models.ModelIdentifier) (models.Manifest, error)
	FileSize(ctx context.Context, id models.ModelIdentifier, name string) (int64, error)
}

// Runner executes one model's multi-file transfer. Satisfied by
// coordinator.Coordinator.
type Runner interface {
	DownloadModel(ctx context.Context, id models.ModelIdentifier, manifest models.Manifest, dir string, emit coordinator.EmitFunc, opts coordinator.Options) (string, error)
}

// Verifier checks a downloaded model's integrity. Satisfied by verify.Engine.
type Verifier interface {
	VerifyAndRepair(ctx context.Context, id models.ModelIdentifier) (bool, models.VerificationReport, error)
}

// ManifestStore caches manifests between runs. Satisfied by database.Store.
type ManifestStore interface {
	PutManifest(id models.ModelIdentifier, m models.Manifest) error
	GetManifest(id models.ModelIdentifier) (models.Manifest, error)
	DeleteManifest(id models.ModelIdentifier) error
}

// Options configure an Orchestrator.
type Options struct {
	StorageRoot         string
	Concurrency         int
	APIDelay            time.Duration
	MaxRetries          int
	VerifyAfterDownload bool
	ForceRedownload     bool
}

// progress surfacing thresholds for slow sinks (the log).
const (
	logPercentStep   = 1.0
	logNearComplete  = 99.9
	logStaleInterval = 10 * time.Second
)

type logMark struct {
	percent float64
	at      time.Time
}

// Orchestrator owns every DownloadSession. It is the single writer: sessions
// mutate only by folding events inside apply, and all public reads return
// deep copies. One live session per normalized identifier; a second start
// for an active model is a logged no-op.
type Orchestrator struct {
	catalog  Catalog
	runner   Runner
	verifier Verifier
	store    ManifestStore
	opts     Options

	mu         sync.Mutex
	sessions   map[string]*models.DownloadSession
	cancels    map[string]context.CancelFunc
	downloaded map[string]models.ModelIdentifier
	logMarks   map[string]*logMark

	subMu   sync.Mutex
	subs    map[int]chan models.DownloadSession
	nextSub int

	wg sync.WaitGroup
}

// New creates an Orchestrator. verifier and store may be nil; verification
// and manifest caching are then skipped.
func New(catalog Catalog, runner Runner, verifier Verifier, store ManifestStore, opts Options) *Orchestrator {
	return &Orchestrator{
		catalog:    catalog,
		runner:     runner,
		verifier:   verifier,
		store:      store,
		opts:       opts,
		sessions:   make(map[string]*models.DownloadSession),
		cancels:    make(map[string]context.CancelFunc),
		downloaded: make(map[string]models.ModelIdentifier),
		logMarks:   make(map[string]*logMark),
		subs:       make(map[int]chan models.DownloadSession),
	}
}

// StartDownload begins acquiring a model. If a session for the identifier is
// already downloading or verifying this is a logged no-op returning
// ErrAlreadyActive. A fresh start replaces any finished, failed or cancelled
// session and clears its recorded error.
func (o *Orchestrator) StartDownload(ctx context.Context, id models.ModelIdentifier) error {
	if err := id.Validate(); err != nil {
		return err
	}
	key := id.Normalized()

	o.mu.Lock()
	if existing, ok := o.sessions[key]; ok {
		switch existing.Status {
		case models.StatusQueued, models.StatusDownloading, models.StatusVerifying:
			o.mu.Unlock()
			log.Warnf("Download already in progress for %s, ignoring duplicate request", id)
			return ErrAlreadyActive
		}
	}
	session := models.NewDownloadSession(id)
	session.StartedAt = time.Now()
	session.UpdatedAt = session.StartedAt
	o.sessions[key] = session
	delete(o.logMarks, key)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancels[key] = cancel
	o.mu.Unlock()

	o.publish(session.Clone())

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, id)
	}()
	return nil
}

// run is the top-level per-model task: discover the manifest, launch the
// transfer (with a detached total-size prefetch racing alongside), then
// verify when configured.
func (o *Orchestrator) run(ctx context.Context, id models.ModelIdentifier) {
	key := id.Normalized()
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.cancels[key]; ok {
			cancel()
			delete(o.cancels, key)
		}
		o.mu.Unlock()
	}()

	o.setStatus(id, models.StatusDownloading, "")

	manifest, err := o.discoverManifest(ctx, id)
	if err != nil {
		o.finishWithError(id, fmt.Errorf("discovering manifest for %s: %w", id, err))
		return
	}

	dir := o.downloadDir(id)

	// Best-effort total prefetch. Failures are swallowed; its only side
	// effect is raising the displayed total early.
	prefetchCtx, cancelPrefetch := context.WithCancel(ctx)
	defer cancelPrefetch()
	go o.prefetchTotal(prefetchCtx, id, manifest)

	_, err = o.runner.DownloadModel(ctx, id, manifest, dir, func(ev models.DownloadEvent) {
		o.apply(ev)
	}, coordinator.Options{
		ForceRedownload: o.opts.ForceRedownload,
		Concurrency:     o.opts.Concurrency,
		APIDelay:        o.opts.APIDelay,
		MaxRetries:      o.opts.MaxRetries,
	})
	if err != nil {
		if ctx.Err() != nil {
			o.setStatus(id, models.StatusCancelled, "")
			log.Infof("Download of %s cancelled", id)
			return
		}
		o.finishWithError(id, err)
		return
	}

	if o.verifier != nil && o.opts.VerifyAfterDownload {
		o.setStatus(id, models.StatusVerifying, "")
		healthy, report, verr := o.verifier.VerifyAndRepair(ctx, id)
		if verr != nil {
			o.finishWithError(id, fmt.Errorf("verifying %s: %w", id, verr))
			return
		}
		if !healthy {
			o.finishWithError(id, fmt.Errorf("verification of %s left %d missing and %d corrupt file(s)", id, report.Missing, report.Corrupt))
			return
		}
	}

	o.mu.Lock()
	o.downloaded[key] = id
	o.mu.Unlock()
	o.setStatus(id, models.StatusComplete, "")
	log.Infof("Model %s is complete", id)
}

// discoverManifest fetches the manifest with retries, falling back to the
// cached copy when the hub is unreachable, and refreshes the cache on
// success.
func (o *Orchestrator) discoverManifest(ctx context.Context, id models.ModelIdentifier) (models.Manifest, error) {
	var manifest models.Manifest
	policy := retry.New(o.opts.MaxRetries)
	err := policy.Do(ctx, func(ctx context.Context) error {
		var mErr error
		manifest, mErr = o.catalog.Manifest(ctx, id)
		return mErr
	})
	if err != nil {
		if o.store != nil {
			if cached, cErr := o.store.GetManifest(id); cErr == nil {
				log.WithError(err).Warnf("Hub manifest fetch for %s failed, using cached manifest from %s", id, cached.FetchedAt.Format(time.RFC3339))
				return cached, nil
			}
		}
		return models.Manifest{}, err
	}
	if len(manifest.Files) == 0 {
		return models.Manifest{}, fmt.Errorf("manifest for %s lists no files", id)
	}
	if o.store != nil {
		if err := o.store.PutManifest(id, manifest); err != nil {
			log.WithError(err).Warnf("Failed to cache manifest for %s", id)
		}
	}
	return manifest, nil
}

// prefetchTotal fills in sizes the manifest did not declare and raises the
// session's total-bytes estimate. Detached and best-effort: every failure is
// swallowed.
func (o *Orchestrator) prefetchTotal(ctx context.Context, id models.ModelIdentifier, manifest models.Manifest) {
	if manifest.TotalSize() >= 0 {
		return
	}
	var total int64
	for _, f := range manifest.Files {
		size := f.Size
		if size < 0 {
			var err error
			size, err = o.catalog.FileSize(ctx, id, f.Name)
			if err != nil {
				log.WithError(err).Debugf("Total prefetch for %s gave up on %s", id, f.Name)
				return
			}
		}
		total += size
	}
	o.apply(models.TotalBytesKnownEvent{
		Identifier:             id,
		BytesTotal:             total,
		OverallBytesDownloaded: -1,
		FileBytesDownloaded:    -1,
	})
}

// apply folds one event into its session under the lock, stamps the update
// time, surfaces throttled progress to the log, and publishes a snapshot.
func (o *Orchestrator) apply(ev models.DownloadEvent) {
	key := ev.EventIdentifier().Normalized()

	o.mu.Lock()
	session, ok := o.sessions[key]
	if !ok {
		o.mu.Unlock()
		return
	}
	Fold(session, ev)
	session.UpdatedAt = time.Now()
	snapshot := session.Clone()
	o.maybeLogProgress(key, snapshot)
	o.mu.Unlock()

	o.publish(snapshot)
}

// maybeLogProgress surfaces progress to the log only on whole-percent
// crossings, near completion, or after a stale interval. Callers hold o.mu.
func (o *Orchestrator) maybeLogProgress(key string, s models.DownloadSession) {
	percent := s.Progress * 100
	mark := o.logMarks[key]
	now := time.Now()
	if mark == nil {
		o.logMarks[key] = &logMark{percent: percent, at: now}
		return
	}
	crossed := percent >= mark.percent+logPercentStep
	nearDone := percent >= logNearComplete && mark.percent < logNearComplete
	stale := now.Sub(mark.at) >= logStaleInterval
	if !crossed && !nearDone && !stale {
		return
	}
	mark.percent = percent
	mark.at = now
	log.WithFields(log.Fields{
		"model":    s.Identifier.String(),
		"progress": fmt.Sprintf("%.1f%%", percent),
		"files":    fmt.Sprintf("%d/%d", s.CompletedFiles, s.TotalFiles),
	}).Info("Download progress")
}

func (o *Orchestrator) setStatus(id models.ModelIdentifier, status, lastError string) {
	key := id.Normalized()
	o.mu.Lock()
	session, ok := o.sessions[key]
	if !ok {
		o.mu.Unlock()
		return
	}
	session.Status = status
	session.UpdatedAt = time.Now()
	if lastError != "" {
		session.LastError = lastError
		session.ErrorAt = session.UpdatedAt
	}
	if status == models.StatusCancelled || status == models.StatusComplete {
		session.Active = make(map[int]*models.FileTransfer)
		session.CurrentFile = nil
	}
	snapshot := session.Clone()
	o.mu.Unlock()

	o.publish(snapshot)
}

func (o *Orchestrator) finishWithError(id models.ModelIdentifier, err error) {
	log.WithError(err).Errorf("Download of %s failed", id)
	o.setStatus(id, models.StatusFailed, err.Error())
}

// CancelDownload stops a model's in-flight task. On-disk partials stay in
// place for a later resume; only this model's transient state is affected.
func (o *Orchestrator) CancelDownload(id models.ModelIdentifier) error {
	key := id.Normalized()
	o.mu.Lock()
	cancel, ok := o.cancels[key]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	cancel()
	return nil
}

// CurrentState returns a snapshot of a model's session, if one exists.
func (o *Orchestrator) CurrentState(id models.ModelIdentifier) (models.DownloadSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[id.Normalized()]
	if !ok {
		return models.DownloadSession{}, false
	}
	return session.Clone(), true
}

// Sessions returns snapshots of every tracked session, ordered by identifier.
func (o *Orchestrator) Sessions() []models.DownloadSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.DownloadSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identifier.Normalized() < out[j].Identifier.Normalized()
	})
	return out
}

// Downloaded returns the identifiers considered fully downloaded, sorted.
func (o *Orchestrator) Downloaded() []models.ModelIdentifier {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ModelIdentifier, 0, len(o.downloaded))
	for _, id := range o.downloaded {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Normalized() < out[j].Normalized()
	})
	return out
}

// Subscribe registers an observer of session snapshots. Every fold publishes
// the updated session; slow observers miss intermediate snapshots rather
// than blocking the orchestrator. The returned function unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan models.DownloadSession, func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	idx := o.nextSub
	o.nextSub++
	ch := make(chan models.DownloadSession, 64)
	o.subs[idx] = ch
	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if existing, ok := o.subs[idx]; ok {
			delete(o.subs, idx)
			close(existing)
		}
	}
}

func (o *Orchestrator) publish(s models.DownloadSession) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- s:
		default:
			// Observer is behind; drop this snapshot.
		}
	}
}

// DeleteArtifacts cancels any in-flight task for the model, removes every
// resolved artifact directory, drops the cached manifest and forgets the
// session.
func (o *Orchestrator) DeleteArtifacts(id models.ModelIdentifier) error {
	key := id.Normalized()

	o.mu.Lock()
	if cancel, ok := o.cancels[key]; ok {
		cancel()
		delete(o.cancels, key)
	}
	delete(o.sessions, key)
	delete(o.downloaded, key)
	delete(o.logMarks, key)
	o.mu.Unlock()

	var firstErr error
	for _, dir := range paths.Existing(o.opts.StorageRoot, id) {
		log.Debugf("Removing artifact directory %s", dir)
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	if o.store != nil {
		if err := o.store.DeleteManifest(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	log.Infof("Deleted artifacts for %s", id)
	return nil
}

// ListLocalFiles enumerates the on-disk artifacts for a model across every
// resolved directory, up to limit entries (limit <= 0 means no limit).
// Partials are reported with their in-progress suffix intact.
func (o *Orchestrator) ListLocalFiles(id models.ModelIdentifier, limit int) ([]models.LocalFile, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var files []models.LocalFile
	seen := make(map[string]struct{})
	for _, dir := range paths.Existing(o.opts.StorageRoot, id) {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, rErr := filepath.Rel(dir, path)
			if rErr != nil {
				rel = d.Name()
			}
			display := filepath.ToSlash(rel)
			if _, ok := seen[display]; ok {
				return nil
			}
			seen[display] = struct{}{}
			size := int64(-1)
			if info, iErr := d.Info(); iErr == nil {
				size = info.Size()
			}
			files = append(files, models.LocalFile{DisplayName: display, Size: size})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing local files for %s: %w", id, err)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].DisplayName < files[j].DisplayName })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

// MarkDownloaded records an identifier as fully downloaded, used when a
// verification pass confirms an existing model without a download session.
func (o *Orchestrator) MarkDownloaded(id models.ModelIdentifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.downloaded[id.Normalized()] = id
}

// Wait blocks until every in-flight top-level task has finished. Intended
// for orderly shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// downloadDir is the canonical destination for fresh downloads: the
// slash-joined owner/name layout directly under the storage root.
func (o *Orchestrator) downloadDir(id models.ModelIdentifier) string {
	return filepath.Join(o.opts.StorageRoot, id.Owner, id.Name)
}

// HasPartials reports whether any resolved directory still holds in-progress
// partial files, used by the status command.
func (o *Orchestrator) HasPartials(id models.ModelIdentifier) bool {
	for _, dir := range paths.Existing(o.opts.StorageRoot, id) {
		found := false
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), downloader.PartialSuffix) {
				found = true
				return filepath.SkipAll
			}
			return nil
		})
		if found {
			return true
		}
	}
	return false
}
