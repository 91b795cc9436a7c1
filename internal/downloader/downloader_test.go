package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go-model-fetch/internal/models"
)

// fakeOpen serves content as a resumable remote file, recording the offsets
// requested.
type fakeOpen struct {
	content     []byte
	offsets     []int64
	honorResume bool
}

func (f *fakeOpen) open(ctx context.Context, offset int64) (*models.ByteStream, error) {
	f.offsets = append(f.offsets, offset)
	total := int64(len(f.content))
	if !f.honorResume || offset <= 0 || offset > total {
		return &models.ByteStream{
			Body:   io.NopCloser(bytes.NewReader(f.content)),
			Offset: 0,
			Total:  total,
		}, nil
	}
	return &models.ByteStream{
		Body:   io.NopCloser(bytes.NewReader(f.content[offset:])),
		Offset: offset,
		Total:  total,
	}, nil
}

func TestDownload_Fresh(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	remote := &fakeOpen{content: content, honorResume: true}
	dest := filepath.Join(t.TempDir(), "weights.bin")

	d := New()
	transferred, err := d.Download(context.Background(), remote.open, dest, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if transferred != int64(len(content)) {
		t.Errorf("transferred = %d, want %d", transferred, len(content))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Reading destination: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("Destination content mismatch")
	}
	if _, err := os.Stat(dest + PartialSuffix); !os.IsNotExist(err) {
		t.Error("Partial file left behind after success")
	}
}

func TestDownload_ResumesFromPartial(t *testing.T) {
	content := []byte("0123456789abcdefghij") // 20 bytes
	remote := &fakeOpen{content: content, honorResume: true}
	dest := filepath.Join(t.TempDir(), "weights.bin")

	// Pre-existing partial of length 8.
	if err := os.WriteFile(dest+PartialSuffix, content[:8], 0640); err != nil {
		t.Fatal(err)
	}

	d := New()
	transferred, err := d.Download(context.Background(), remote.open, dest, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if transferred != 12 {
		t.Errorf("transferred = %d, want 12 (only the missing tail)", transferred)
	}
	if len(remote.offsets) != 1 || remote.offsets[0] != 8 {
		t.Errorf("Expected a single open at offset 8, got %v", remote.offsets)
	}

	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Errorf("Resumed content mismatch: %q", got)
	}
}

func TestDownload_ResumeRejectedFallsBackToFull(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	remote := &fakeOpen{content: content, honorResume: false}
	dest := filepath.Join(t.TempDir(), "weights.bin")

	if err := os.WriteFile(dest+PartialSuffix, content[:8], 0640); err != nil {
		t.Fatal(err)
	}

	d := New()
	transferred, err := d.Download(context.Background(), remote.open, dest, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if transferred != int64(len(content)) {
		t.Errorf("transferred = %d, want full length %d", transferred, len(content))
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("Content mismatch after rejected resume")
	}
}

func TestDownload_RestartsWhenRemoteTotalChanged(t *testing.T) {
	// Remote now serves 30 bytes, but the manifest expectation was 20 and a
	// partial from the old version exists. The partial must be discarded.
	newContent := []byte("new-version-content-30-bytes!!")
	remote := &fakeOpen{content: newContent, honorResume: true}
	dest := filepath.Join(t.TempDir(), "weights.bin")

	if err := os.WriteFile(dest+PartialSuffix, []byte("old-data"), 0640); err != nil {
		t.Fatal(err)
	}

	d := New()
	_, err := d.Download(context.Background(), remote.open, dest, 20, nil)
	// Final size won't match the stale expectation of 20 either; the
	// mismatch must surface rather than splice versions.
	if err == nil {
		got, _ := os.ReadFile(dest)
		if bytes.Contains(got, []byte("old-data")) {
			t.Fatal("Old partial data spliced into new version")
		}
	} else if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Second open must have started from zero.
	if len(remote.offsets) < 2 || remote.offsets[len(remote.offsets)-1] != 0 {
		t.Errorf("Expected restart from offset 0, opens: %v", remote.offsets)
	}
}

func TestDownload_SkipsExistingCompleteFile(t *testing.T) {
	content := []byte("already here")
	dest := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(dest, content, 0640); err != nil {
		t.Fatal(err)
	}

	remote := &fakeOpen{content: content, honorResume: true}
	d := New()
	transferred, err := d.Download(context.Background(), remote.open, dest, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if transferred != 0 {
		t.Errorf("transferred = %d, want 0 for existing complete file", transferred)
	}
	if len(remote.offsets) != 0 {
		t.Error("Network was touched for an already-complete file")
	}
}

func TestDownload_PromotesCompletePartial(t *testing.T) {
	content := []byte("complete partial")
	dest := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(dest+PartialSuffix, content, 0640); err != nil {
		t.Fatal(err)
	}

	remote := &fakeOpen{content: content, honorResume: true}
	d := New()
	_, err := d.Download(context.Background(), remote.open, dest, int64(len(content)), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(remote.offsets) != 0 {
		t.Error("Network was touched for a complete partial")
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("Promoted partial content mismatch")
	}
}

func TestDownload_ErrorLeavesResumablePartial(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	dest := filepath.Join(t.TempDir(), "weights.bin")

	// Stream that fails after 10 bytes.
	open := func(ctx context.Context, offset int64) (*models.ByteStream, error) {
		return &models.ByteStream{
			Body:   io.NopCloser(io.MultiReader(bytes.NewReader(content[:10]), errReader{})),
			Offset: 0,
			Total:  int64(len(content)),
		}, nil
	}

	d := New()
	_, err := d.Download(context.Background(), open, dest, int64(len(content)), nil)
	if err == nil {
		t.Fatal("Expected error from truncated stream")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("Incomplete file promoted to destination")
	}
	partial, statErr := os.Stat(dest + PartialSuffix)
	if statErr != nil {
		t.Fatal("Partial not kept for resume")
	}
	if partial.Size() != 10 {
		t.Errorf("Partial size = %d, want 10", partial.Size())
	}
}

func TestDownload_ReportsProgress(t *testing.T) {
	content := []byte("0123456789")
	remote := &fakeOpen{content: content, honorResume: true}
	dest := filepath.Join(t.TempDir(), "weights.bin")

	var last, total int64
	d := New()
	_, err := d.Download(context.Background(), remote.open, dest, int64(len(content)), func(downloaded, t int64) {
		last, total = downloaded, t
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if last != int64(len(content)) || total != int64(len(content)) {
		t.Errorf("Final progress = %d/%d, want %d/%d", last, total, len(content), len(content))
	}
}

func TestDownload_OverGrantedOffsetClosesBodyOnce(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	dest := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(dest+PartialSuffix, content[:8], 0640); err != nil {
		t.Fatal(err)
	}

	// Server grants an offset beyond the requested one, which is invalid.
	body := &closeCounter{Reader: bytes.NewReader(content[12:])}
	open := func(ctx context.Context, offset int64) (*models.ByteStream, error) {
		return &models.ByteStream{
			Body:   body,
			Offset: offset + 4,
			Total:  int64(len(content)),
		}, nil
	}

	d := New()
	if _, err := d.Download(context.Background(), open, dest, int64(len(content)), nil); err == nil {
		t.Fatal("Expected error for over-granted offset")
	}
	if body.closes != 1 {
		t.Errorf("Body closed %d times, want exactly once", body.closes)
	}
}

func TestExistingBytes(t *testing.T) {
	dir := t.TempDir()

	dest := filepath.Join(dir, "a.bin")
	if got := ExistingBytes(dest); got != 0 {
		t.Errorf("ExistingBytes for missing file = %d", got)
	}

	if err := os.WriteFile(dest+PartialSuffix, []byte("12345"), 0640); err != nil {
		t.Fatal(err)
	}
	if got := ExistingBytes(dest); got != 5 {
		t.Errorf("ExistingBytes with partial = %d, want 5", got)
	}

	if err := os.WriteFile(dest, []byte("1234567890"), 0640); err != nil {
		t.Fatal(err)
	}
	if got := ExistingBytes(dest); got != 10 {
		t.Errorf("ExistingBytes with complete file = %d, want 10", got)
	}
}

func TestDiscardPartial(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")
	if err := DiscardPartial(dest); err != nil {
		t.Errorf("DiscardPartial on missing partial: %v", err)
	}
	if err := os.WriteFile(dest+PartialSuffix, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := DiscardPartial(dest); err != nil {
		t.Errorf("DiscardPartial failed: %v", err)
	}
	if _, err := os.Stat(dest + PartialSuffix); !os.IsNotExist(err) {
		t.Error("Partial still present")
	}
}

// closeCounter counts Close calls on a stream body.
type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("stream interrupted: %w", io.ErrUnexpectedEOF)
}
