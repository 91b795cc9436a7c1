package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-model-fetch/internal/downloader"
	"go-model-fetch/internal/models"
	"go-model-fetch/internal/retry"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source opens ranged byte streams for a model's files. Satisfied by
// hub.Client; narrowed here so tests can drive transfers without a server.
type Source interface {
	Download(ctx context.Context, id models.ModelIdentifier, name string, rangeStart int64) (*models.ByteStream, error)
}

// EmitFunc receives the coordinator's transfer events. Calls are serialized;
// the callback never runs concurrently with itself.
type EmitFunc func(ev models.DownloadEvent)

// Options tune one DownloadModel run.
type Options struct {
	// ForceRedownload discards existing files and partials before fetching.
	ForceRedownload bool
	// Concurrency is the number of files in flight at once; values below 1
	// mean sequential transfer.
	Concurrency int
	// APIDelay inserts a pause between file launches to pace hub traffic.
	APIDelay time.Duration
	// MaxRetries is the per-file attempt ceiling for transient failures.
	MaxRetries int
}

// Coordinator drives multi-file model transfers: it walks the manifest,
// delegates each file to the single-file downloader wrapped in a retry
// policy, and reports everything it learns as DownloadEvents.
type Coordinator struct {
	source Source
	dl     *downloader.Downloader
}

// New creates a Coordinator reading from source.
func New(source Source) *Coordinator {
	return &Coordinator{source: source, dl: downloader.New()}
}

// DownloadModel fetches every file of the manifest into dir and returns dir
// as the model's local path. Events are emitted in a deterministic per-file
// order (fileStart, fileProgress*, then fileComplete or fileError); the run
// closes with a complete event only when every file landed.
func (c *Coordinator) DownloadModel(ctx context.Context, id models.ModelIdentifier, manifest models.Manifest, dir string, emit EmitFunc, opts Options) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	if emit == nil {
		emit = func(models.DownloadEvent) {}
	}

	files := manifest.Files
	totalFiles := len(files)
	totalBytes := manifest.TotalSize()

	if opts.ForceRedownload {
		for _, f := range files {
			dest := filepath.Join(dir, f.Name)
			if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
				return "", fmt.Errorf("%w: removing %s for forced re-download: %v", downloader.ErrFileSystem, dest, err)
			}
			if err := downloader.DiscardPartial(dest); err != nil {
				return "", err
			}
		}
	}

	// Seed the session with bytes already on disk so resumed runs start from
	// an honest counter instead of zero.
	var seeded int64
	for _, f := range files {
		seeded += downloader.ExistingBytes(filepath.Join(dir, f.Name))
	}

	var emitMu sync.Mutex
	send := func(ev models.DownloadEvent) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(ev)
	}

	send(models.StartEvent{
		Identifier:      id,
		TotalFiles:      totalFiles,
		BytesTotal:      totalBytes,
		BytesDownloaded: seeded,
	})

	policy := retry.New(opts.MaxRetries)
	track := newByteTracker(totalFiles, totalBytes)

	fetchOne := func(ctx context.Context, index int, file models.ManifestFile) error {
		dest := filepath.Join(dir, file.Name)
		send(models.FileStartEvent{
			Identifier: id,
			Name:       file.Name,
			Index:      index,
			TotalFiles: totalFiles,
			BytesTotal: file.Size,
		})

		open := func(ctx context.Context, offset int64) (*models.ByteStream, error) {
			return c.source.Download(ctx, id, file.Name, offset)
		}
		progress := func(downloaded, total int64) {
			overall := track.update(index, downloaded, total)
			send(models.FileProgressEvent{
				Identifier:      id,
				Name:            file.Name,
				Index:           index,
				TotalFiles:      totalFiles,
				BytesDownloaded: downloaded,
				BytesTotal:      total,
				OverallProgress: overall,
			})
		}

		err := policy.Do(ctx, func(ctx context.Context) error {
			_, dlErr := c.dl.Download(ctx, open, dest, file.Size, progress)
			return dlErr
		})
		if err != nil {
			log.WithError(err).Errorf("Failed to download %s of %s", file.Name, id)
			send(models.FileErrorEvent{
				Identifier: id,
				Name:       file.Name,
				Index:      index,
				Err:        err.Error(),
			})
			return fmt.Errorf("downloading %s of %s: %w", file.Name, id, err)
		}

		track.complete(index, file.Size)
		send(models.FileCompleteEvent{
			Identifier: id,
			Name:       file.Name,
			Index:      index,
			BytesTotal: file.Size,
		})
		return nil
	}

	if opts.Concurrency <= 1 {
		for i, file := range files {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if i > 0 {
				if err := pace(ctx, opts.APIDelay); err != nil {
					return "", err
				}
			}
			if err := fetchOne(ctx, i+1, file); err != nil {
				return "", err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for i, file := range files {
			index, file := i+1, file
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if i > 0 {
				if err := pace(ctx, opts.APIDelay); err != nil {
					return "", err
				}
			}
			g.Go(func() error {
				return fetchOne(gctx, index, file)
			})
		}
		if err := g.Wait(); err != nil {
			return "", err
		}
	}

	downloaded := totalBytes
	if downloaded < 0 {
		downloaded = track.knownBytes()
	}
	send(models.CompleteEvent{
		Identifier:      id,
		TotalFiles:      totalFiles,
		BytesTotal:      totalBytes,
		BytesDownloaded: downloaded,
		Progress:        -1,
	})
	log.Infof("Downloaded %d file(s) of %s to %s", totalFiles, id, dir)
	return dir, nil
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// byteTracker aggregates per-file byte counts into an overall 0..1 estimate.
// With an unknown byte total it falls back to counting completed files.
type byteTracker struct {
	mu         sync.Mutex
	totalFiles int
	totalBytes int64
	completed  int
	accum      int64
	inFlight   map[int]int64
}

func newByteTracker(totalFiles int, totalBytes int64) *byteTracker {
	return &byteTracker{
		totalFiles: totalFiles,
		totalBytes: totalBytes,
		inFlight:   make(map[int]int64),
	}
}

// update records one file's absolute byte count and returns the overall
// progress estimate, or -1 when nothing meaningful can be computed.
func (t *byteTracker) update(index int, downloaded, total int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if downloaded > t.inFlight[index] {
		t.inFlight[index] = downloaded
	}
	return t.overallLocked()
}

func (t *byteTracker) complete(index int, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	if size > 0 {
		t.accum += size
	} else if flying := t.inFlight[index]; flying > 0 {
		t.accum += flying
	}
	delete(t.inFlight, index)
}

func (t *byteTracker) knownBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := t.accum
	for _, b := range t.inFlight {
		sum += b
	}
	return sum
}

func (t *byteTracker) overallLocked() float64 {
	if t.totalBytes > 0 {
		sum := t.accum
		for _, b := range t.inFlight {
			sum += b
		}
		frac := float64(sum) / float64(t.totalBytes)
		if frac > 1 {
			frac = 1
		}
		return frac
	}
	if t.totalFiles > 0 {
		return float64(t.completed) / float64(t.totalFiles)
	}
	return -1
}
