package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-model-fetch/internal/coordinator"
	"go-model-fetch/internal/helpers"
	"go-model-fetch/internal/models"
	"go-model-fetch/internal/paths"
	"go-model-fetch/internal/retry"

	log "github.com/sirupsen/logrus"
)

// ManifestSource provides the declared file list. Satisfied by hub.Client.
type ManifestSource interface {
	Manifest(ctx context.Context, id models.ModelIdentifier) (models.Manifest, error)
}

// ManifestCache is the local fallback when the hub is unreachable.
// Satisfied by database.Store.
type ManifestCache interface {
	GetManifest(id models.ModelIdentifier) (models.Manifest, error)
	PutManifest(id models.ModelIdentifier, m models.Manifest) error
}

// Repairer re-downloads a restricted manifest. Satisfied by
// coordinator.Coordinator.
type Repairer interface {
	DownloadModel(ctx context.Context, id models.ModelIdentifier, manifest models.Manifest, dir string, emit coordinator.EmitFunc, opts coordinator.Options) (string, error)
}

// Options configure an Engine.
type Options struct {
	StorageRoot string
	CheckHash   bool
	AutoRepair  bool
	MaxRetries  int
	APIDelay    time.Duration
}

// Engine runs verification passes: scanning, then repairing, then
// classifying. Each pass produces a fresh VerificationReport.
type Engine struct {
	source   ManifestSource
	cache    ManifestCache
	repairer Repairer
	opts     Options
}

// New creates an Engine. cache may be nil (no fallback, no caching);
// repairer may be nil, which disables repair regardless of AutoRepair.
func New(source ManifestSource, cache ManifestCache, repairer Repairer, opts Options) *Engine {
	return &Engine{source: source, cache: cache, repairer: repairer, opts: opts}
}

// fileState is one scanned manifest entry.
type fileState struct {
	file    models.ManifestFile
	path    string // where a matching candidate was found, empty if missing
	missing bool
	corrupt bool
}

// VerifyAndRepair scans every resolved directory for a model against its
// manifest, repairs the missing/corrupt set when enabled, and classifies the
// result. Files already matching the manifest are never re-fetched.
func (e *Engine) VerifyAndRepair(ctx context.Context, id models.ModelIdentifier) (bool, models.VerificationReport, error) {
	start := time.Now()
	report := models.VerificationReport{Identifier: id}

	manifest, err := e.manifest(ctx, id)
	if err != nil {
		report.Health = models.HealthUnhealthy
		report.Elapsed = time.Since(start)
		return false, report, fmt.Errorf("obtaining manifest for %s: %w", id, err)
	}

	dirs := paths.Existing(e.opts.StorageRoot, id)
	report.ScannedPaths = dirs
	report.TargetPath = e.targetDir(id, dirs)

	states := e.scan(manifest, dirs)
	for _, st := range states {
		if st.missing {
			report.Missing++
		} else if st.corrupt {
			report.Corrupt++
		}
	}

	if report.Missing == 0 && report.Corrupt == 0 {
		report.Health = models.HealthHealthy
		report.Elapsed = time.Since(start)
		log.Infof("Model %s verified healthy (%d files)", id, len(manifest.Files))
		return true, report, nil
	}

	log.Warnf("Model %s has %d missing and %d corrupt file(s)", id, report.Missing, report.Corrupt)

	if !e.opts.AutoRepair || e.repairer == nil {
		report.Health = e.classifyWithoutRepair(states)
		report.Elapsed = time.Since(start)
		return false, report, nil
	}

	// One-shot repair of only the bad set.
	var bad []string
	for _, st := range states {
		if st.missing || st.corrupt {
			bad = append(bad, st.file.Name)
		}
	}
	restricted := manifest.Restrict(bad)
	log.Infof("Repairing %d file(s) of %s into %s", len(restricted.Files), id, report.TargetPath)

	_, repairErr := e.repairer.DownloadModel(ctx, id, restricted, report.TargetPath, nil, coordinator.Options{
		ForceRedownload: true,
		MaxRetries:      e.opts.MaxRetries,
		APIDelay:        e.opts.APIDelay,
	})
	if repairErr != nil {
		log.WithError(repairErr).Errorf("Repair of %s failed", id)
	}

	// Rescan the bad set to count what the repair actually fixed.
	rescanned := e.scan(restricted, append(dirs, report.TargetPath))
	remaining := 0
	for _, st := range rescanned {
		if st.missing || st.corrupt {
			remaining++
		}
	}
	report.Repaired = len(restricted.Files) - remaining

	report.Elapsed = time.Since(start)
	switch {
	case remaining == 0 && repairErr == nil:
		report.Health = models.HealthHealthy
		log.Infof("Repair of %s complete, %d file(s) restored", id, report.Repaired)
		return true, report, nil
	case remaining < len(restricted.Files):
		report.Health = models.HealthNeedsAttention
		return false, report, nil
	default:
		report.Health = models.HealthUnhealthy
		return false, report, nil
	}
}

// manifest fetches from the hub with retries, falling back to the cache, and
// refreshes the cache on success.
func (e *Engine) manifest(ctx context.Context, id models.ModelIdentifier) (models.Manifest, error) {
	var m models.Manifest
	policy := retry.New(e.opts.MaxRetries)
	err := policy.Do(ctx, func(ctx context.Context) error {
		var mErr error
		m, mErr = e.source.Manifest(ctx, id)
		return mErr
	})
	if err != nil {
		if e.cache != nil {
			if cached, cErr := e.cache.GetManifest(id); cErr == nil {
				log.WithError(err).Warnf("Using cached manifest for %s", id)
				return cached, nil
			}
		}
		return models.Manifest{}, err
	}
	if len(m.Files) == 0 {
		return models.Manifest{}, fmt.Errorf("manifest for %s lists no files", id)
	}
	if e.cache != nil {
		if err := e.cache.PutManifest(id, m); err != nil {
			log.WithError(err).Warnf("Failed to cache manifest for %s", id)
		}
	}
	return m, nil
}

// scan locates each manifest entry across the candidate directories. Size is
// the baseline integrity check; hashes are compared when enabled and the
// manifest supplies them.
func (e *Engine) scan(manifest models.Manifest, dirs []string) []fileState {
	states := make([]fileState, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		st := fileState{file: f, missing: true}
		for _, dir := range dirs {
			candidate := filepath.Join(dir, f.Name)
			fi, err := os.Stat(candidate)
			if err != nil || fi.IsDir() {
				continue
			}
			st.missing = false
			st.path = candidate
			if f.Size >= 0 && fi.Size() != f.Size {
				st.corrupt = true
				log.Debugf("Size mismatch for %s: have %d, manifest declares %d", candidate, fi.Size(), f.Size)
				continue // another candidate dir may hold a good copy
			}
			st.corrupt = false
			if e.opts.CheckHash && f.Hashes.Provided() {
				if !helpers.CheckHash(candidate, f.Hashes) {
					st.corrupt = true
					log.Warnf("Hash mismatch for %s", candidate)
					continue
				}
			}
			break // good copy found
		}
		states = append(states, st)
	}
	return states
}

// classifyWithoutRepair: a model with some intact files is partially usable,
// one with nothing intact is not.
func (e *Engine) classifyWithoutRepair(states []fileState) string {
	intact := 0
	for _, st := range states {
		if !st.missing && !st.corrupt {
			intact++
		}
	}
	if intact > 0 {
		return models.HealthNeedsAttention
	}
	return models.HealthUnhealthy
}

// targetDir picks where repaired files land: the canonical owner/name layout
// when present, else the first existing candidate, else the canonical layout
// to be created.
func (e *Engine) targetDir(id models.ModelIdentifier, dirs []string) string {
	canonical := filepath.Join(e.opts.StorageRoot, id.Owner, id.Name)
	for _, dir := range dirs {
		if dir == canonical {
			return canonical
		}
	}
	if len(dirs) > 0 {
		return dirs[0]
	}
	return canonical
}
