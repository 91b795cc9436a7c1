package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go-model-fetch/internal/helpers"
	"go-model-fetch/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom downloader errors.
var (
	ErrSizeMismatch = errors.New("downloaded file size mismatch")
	ErrFileSystem   = errors.New("filesystem error")
)

// PartialSuffix marks in-flight downloads. A crash mid-transfer leaves either
// the previous complete file or a truncated-but-resumable partial, never a
// corrupted file that looks complete.
const PartialSuffix = ".partial"

// OpenFunc opens a ranged byte stream starting at offset. The returned
// stream reports the offset the server actually honoured (zero when resume
// was rejected) and the declared total size, -1 when unknown.
type OpenFunc func(ctx context.Context, offset int64) (*models.ByteStream, error)

// Downloader writes a single remote file to disk, resuming from an existing
// partial when the server honours range requests.
type Downloader struct{}

// New creates a Downloader.
func New() *Downloader {
	return &Downloader{}
}

// Download fetches one file to dest. expectedSize is the manifest's declared
// size, or -1 when unknown. progress receives the absolute bytes now on disk
// for this file and its total size (-1 when unknown); the fractional
// completion is downloaded/total. Returns the bytes transferred over the
// network by this call.
//
// A partial whose length exceeds the expectation, or a response whose total
// no longer matches it, discards the partial and restarts from zero rather
// than splicing two file versions together.
func (d *Downloader) Download(ctx context.Context, open OpenFunc, dest string, expectedSize int64, progress func(downloaded, total int64)) (int64, error) {
	if !helpers.CheckAndMakeDir(filepath.Dir(dest)) {
		return 0, fmt.Errorf("%w: failed to create directory for %s", ErrFileSystem, dest)
	}

	// Already complete from a previous run.
	if fi, err := os.Stat(dest); err == nil && !fi.IsDir() {
		if expectedSize >= 0 && fi.Size() == expectedSize {
			log.Debugf("Destination %s already matches declared size, skipping", dest)
			if progress != nil {
				progress(expectedSize, expectedSize)
			}
			return 0, nil
		}
	}

	partial := dest + PartialSuffix
	offset := partialLength(partial)
	if expectedSize >= 0 && offset > expectedSize {
		log.Warnf("Partial %s longer than declared size (%d > %d), discarding", partial, offset, expectedSize)
		if err := os.Remove(partial); err != nil {
			return 0, fmt.Errorf("%w: removing oversized partial %s: %v", ErrFileSystem, partial, err)
		}
		offset = 0
	}
	if expectedSize >= 0 && offset == expectedSize && offset > 0 {
		// Partial is actually complete, promote it.
		if err := os.Rename(partial, dest); err != nil {
			return 0, fmt.Errorf("%w: promoting complete partial %s: %v", ErrFileSystem, partial, err)
		}
		if progress != nil {
			progress(expectedSize, expectedSize)
		}
		return 0, nil
	}

	stream, err := open(ctx, offset)
	if err != nil {
		return 0, err
	}

	// A declared total that contradicts the recorded expectation means the
	// remote file changed; restart from zero instead of splicing versions.
	if expectedSize >= 0 && stream.Total >= 0 && stream.Total != expectedSize && offset > 0 {
		stream.Body.Close()
		log.Warnf("Remote total for %s changed (%d != %d), discarding partial", dest, stream.Total, expectedSize)
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: removing stale partial %s: %v", ErrFileSystem, partial, err)
		}
		offset = 0
		stream, err = open(ctx, 0)
		if err != nil {
			return 0, err
		}
	}
	defer stream.Body.Close()

	total := expectedSize
	if stream.Total >= 0 {
		total = stream.Total
	}

	// Resume rejected: write from the offset the server granted. The
	// deferred close above releases the body on the error path.
	writeOffset := stream.Offset
	if writeOffset > offset {
		return 0, fmt.Errorf("server granted offset %d beyond requested %d for %s", writeOffset, offset, dest)
	}
	if writeOffset < offset {
		log.Debugf("Resume rejected for %s, restarting from byte %d", dest, writeOffset)
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0640) // #nosec G304
	if err != nil {
		return 0, fmt.Errorf("%w: opening partial %s: %v", ErrFileSystem, partial, err)
	}
	if err := f.Truncate(writeOffset); err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: truncating partial %s: %v", ErrFileSystem, partial, err)
	}
	if _, err := f.Seek(writeOffset, io.SeekStart); err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: seeking partial %s: %v", ErrFileSystem, partial, err)
	}

	counter := &helpers.CounterWriter{Writer: f}
	if progress != nil {
		counter.OnWrite = func(written int64) {
			progress(writeOffset+written, total)
		}
	}

	_, copyErr := io.Copy(counter, stream.Body)
	if closeErr := f.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("%w: closing partial %s: %v", ErrFileSystem, partial, closeErr)
	}
	if copyErr != nil {
		// Leave the partial for a future resume.
		return counter.Total, fmt.Errorf("writing %s: %w", partial, copyErr)
	}

	finalSize := writeOffset + counter.Total
	if total >= 0 && finalSize != total {
		return counter.Total, fmt.Errorf("%w: %s has %d bytes, expected %d", ErrSizeMismatch, partial, finalSize, total)
	}

	if err := os.Rename(partial, dest); err != nil {
		return counter.Total, fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, partial, dest, err)
	}
	if progress != nil {
		progress(finalSize, finalSize)
	}
	log.Debugf("Finished writing %s (%s)", dest, helpers.BytesToSize(uint64(finalSize)))
	return counter.Total, nil
}

// partialLength returns the length of an existing partial file, or zero.
func partialLength(partial string) int64 {
	fi, err := os.Stat(partial)
	if err != nil || fi.IsDir() {
		return 0
	}
	return fi.Size()
}

// ExistingBytes reports how many bytes are already on disk for dest: the
// complete file's size if present, else the partial's length. Used to seed
// resumed sessions' byte counters.
func ExistingBytes(dest string) int64 {
	if fi, err := os.Stat(dest); err == nil && !fi.IsDir() {
		return fi.Size()
	}
	return partialLength(dest + PartialSuffix)
}

// DiscardPartial removes any partial for dest. Used when a full re-download
// was explicitly requested.
func DiscardPartial(dest string) error {
	err := os.Remove(dest + PartialSuffix)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing partial for %s: %v", ErrFileSystem, dest, err)
	}
	return nil
}
