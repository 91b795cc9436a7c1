package orchestrator

import (
	"testing"

	"go-model-fetch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func foldID(t *testing.T) models.ModelIdentifier {
	t.Helper()
	id, err := models.ParseIdentifier("acme/tiny-model")
	require.NoError(t, err)
	return id
}

// scenarioEvents is the canonical 2-file stream: config.json (100 bytes)
// then weights.bin (900 bytes).
func scenarioEvents(id models.ModelIdentifier) []models.DownloadEvent {
	return []models.DownloadEvent{
		models.StartEvent{Identifier: id, TotalFiles: 2, BytesTotal: 1000, BytesDownloaded: 0},
		models.FileStartEvent{Identifier: id, Name: "config.json", Index: 1, TotalFiles: 2, BytesTotal: 100},
		models.FileCompleteEvent{Identifier: id, Name: "config.json", Index: 1, BytesTotal: 100},
		models.FileStartEvent{Identifier: id, Name: "weights.bin", Index: 2, TotalFiles: 2, BytesTotal: 900},
		models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 2, TotalFiles: 2, BytesDownloaded: 450, BytesTotal: 900, OverallProgress: -1},
		models.FileCompleteEvent{Identifier: id, Name: "weights.bin", Index: 2, BytesTotal: 900},
		models.CompleteEvent{Identifier: id, TotalFiles: 2, BytesTotal: 1000, BytesDownloaded: 1000, Progress: -1},
	}
}

func foldAll(s *models.DownloadSession, events []models.DownloadEvent) {
	for _, ev := range events {
		Fold(s, ev)
	}
}

func TestFold_TwoFileScenario(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	foldAll(s, scenarioEvents(id))

	assert.Equal(t, 2, s.TotalFiles)
	assert.Equal(t, 2, s.CompletedFiles)
	assert.Equal(t, int64(1000), s.BytesTotal)
	assert.Equal(t, int64(1000), s.BytesDownloaded)
	assert.Equal(t, 1.0, s.Progress)
	assert.Empty(t, s.Active)
	assert.Nil(t, s.CurrentFile)
}

func TestFold_Idempotent(t *testing.T) {
	id := foldID(t)
	events := scenarioEvents(id)

	a := models.NewDownloadSession(id)
	b := models.NewDownloadSession(id)
	foldAll(a, events)
	foldAll(b, events)

	// Timestamps are caller-owned, so full struct equality holds.
	assert.Equal(t, a, b)
}

func TestFold_MonotonicProgress(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)

	prev := s.Progress
	for _, ev := range scenarioEvents(id)[1:] { // skip the resetting start
		Fold(s, ev)
		assert.GreaterOrEqual(t, s.Progress, prev, "progress regressed after %T", ev)
		prev = s.Progress
	}
}

func TestFold_StartResetsAndSeeds(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	foldAll(s, scenarioEvents(id))
	s.LastError = "previous failure"

	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 3, BytesTotal: -1, BytesDownloaded: 400})

	assert.Equal(t, 3, s.TotalFiles)
	assert.Equal(t, 0, s.CompletedFiles)
	assert.Equal(t, int64(-1), s.BytesTotal)
	// Resume seeding: pre-existing bytes carry into the new session, but
	// only the monotone counter holds them. Per-file progress reports
	// absolute counts that include those bytes already.
	assert.Equal(t, int64(400), s.BytesDownloaded)
	assert.Equal(t, int64(0), s.AccumulatedCompletedBytes)
	assert.Empty(t, s.LastError)
	assert.Empty(t, s.Active)
}

func TestFold_ResumedPartialNotDoubleCounted(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)

	// A 900-byte file resumes with 400 bytes already on disk. Per-file
	// progress is absolute, so the 400 resumed bytes are part of every
	// subsequent figure and must not be added on top of the seed.
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 1, BytesTotal: 900, BytesDownloaded: 400})
	assert.Equal(t, int64(400), s.BytesDownloaded)

	Fold(s, models.FileStartEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesTotal: 900})
	Fold(s, models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesDownloaded: 500, BytesTotal: 900, OverallProgress: -1})

	// 500 bytes exist on disk in total; the session must not report 900.
	assert.Equal(t, int64(500), s.BytesDownloaded)
	assert.InDelta(t, 500.0/900.0, s.Progress, 1e-9)

	// A per-file figure still below the seed never deflates the counter.
	s2 := models.NewDownloadSession(id)
	Fold(s2, models.StartEvent{Identifier: id, TotalFiles: 1, BytesTotal: 900, BytesDownloaded: 400})
	Fold(s2, models.FileStartEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesTotal: 900})
	Fold(s2, models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesDownloaded: 100, BytesTotal: 900, OverallProgress: -1})
	assert.Equal(t, int64(400), s2.BytesDownloaded)

	Fold(s, models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesDownloaded: 900, BytesTotal: 900, OverallProgress: -1})
	Fold(s, models.FileCompleteEvent{Identifier: id, Name: "weights.bin", Index: 1, BytesTotal: 900})
	Fold(s, models.CompleteEvent{Identifier: id, TotalFiles: 1, BytesTotal: 900, BytesDownloaded: 900, Progress: -1})
	assert.Equal(t, int64(900), s.BytesDownloaded)
	assert.Equal(t, 1.0, s.Progress)
}

func TestFold_TotalBytesKnownNeverShrinks(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 1, BytesTotal: -1, BytesDownloaded: 0})

	Fold(s, models.TotalBytesKnownEvent{Identifier: id, BytesTotal: 1000, OverallBytesDownloaded: -1, FileBytesDownloaded: -1})
	assert.Equal(t, int64(1000), s.BytesTotal)

	// A smaller estimate never lowers the total.
	Fold(s, models.TotalBytesKnownEvent{Identifier: id, BytesTotal: 500, OverallBytesDownloaded: -1, FileBytesDownloaded: -1})
	assert.Equal(t, int64(1000), s.BytesTotal)
}

func TestFold_TotalBytesKnownPrefersOverallFigure(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 2, BytesTotal: -1, BytesDownloaded: 0})
	Fold(s, models.FileCompleteEvent{Identifier: id, Name: "a", Index: 1, BytesTotal: 100})

	// Overall figure wins over accumulated+file.
	Fold(s, models.TotalBytesKnownEvent{Identifier: id, BytesTotal: 1000, OverallBytesDownloaded: 300, FileBytesDownloaded: 50})
	assert.Equal(t, int64(300), s.BytesDownloaded)

	// With only a per-file figure, fall back to accumulated + file bytes.
	Fold(s, models.TotalBytesKnownEvent{Identifier: id, BytesTotal: 1000, OverallBytesDownloaded: -1, FileBytesDownloaded: 250})
	assert.Equal(t, int64(100+250), s.BytesDownloaded)
}

func TestFold_FileErrorKeepsByteCounters(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 2, BytesTotal: 1000, BytesDownloaded: 0})
	Fold(s, models.FileCompleteEvent{Identifier: id, Name: "config.json", Index: 1, BytesTotal: 100})
	Fold(s, models.FileStartEvent{Identifier: id, Name: "weights.bin", Index: 2, TotalFiles: 2, BytesTotal: 900})
	Fold(s, models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 2, TotalFiles: 2, BytesDownloaded: 400, BytesTotal: 900, OverallProgress: -1})

	before := s.BytesDownloaded
	Fold(s, models.FileErrorEvent{Identifier: id, Name: "weights.bin", Index: 2, Err: "timeout"})

	assert.Equal(t, before, s.BytesDownloaded, "failed file must not roll back bytes")
	assert.Empty(t, s.Active, "failed file's transient state is dropped")
	assert.Equal(t, "timeout", s.LastError)
}

func TestFold_RetryDoesNotDoubleCount(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 1, BytesTotal: 900, BytesDownloaded: 0})
	Fold(s, models.FileStartEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesTotal: 900})
	Fold(s, models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesDownloaded: 400, BytesTotal: 900, OverallProgress: -1})

	// Retry restarts the file: progress goes through zero again, but the
	// session counter must not regress or double count.
	Fold(s, models.FileProgressEvent{Identifier: id, Name: "weights.bin", Index: 1, TotalFiles: 1, BytesDownloaded: 10, BytesTotal: 900, OverallProgress: -1})
	assert.Equal(t, int64(400), s.BytesDownloaded)

	Fold(s, models.FileCompleteEvent{Identifier: id, Name: "weights.bin", Index: 1, BytesTotal: 900})
	Fold(s, models.CompleteEvent{Identifier: id, TotalFiles: 1, BytesTotal: 900, BytesDownloaded: 900, Progress: -1})
	assert.Equal(t, int64(900), s.BytesDownloaded)
	assert.Equal(t, 1.0, s.Progress)
}

func TestFold_TotalFilesMonotonic(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: -1, BytesTotal: -1, BytesDownloaded: 0})
	Fold(s, models.FileStartEvent{Identifier: id, Name: "a", Index: 1, TotalFiles: 3, BytesTotal: -1})
	assert.Equal(t, 3, s.TotalFiles)

	// A later event reporting fewer files never lowers the count.
	Fold(s, models.FileProgressEvent{Identifier: id, Name: "a", Index: 1, TotalFiles: 1, BytesDownloaded: 5, BytesTotal: -1, OverallProgress: -1})
	assert.Equal(t, 3, s.TotalFiles)
}

func TestFold_UnknownTotalsFallBackToSuppliedProgress(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 2, BytesTotal: -1, BytesDownloaded: 0})
	Fold(s, models.FileStartEvent{Identifier: id, Name: "a", Index: 1, TotalFiles: 2, BytesTotal: -1})
	Fold(s, models.FileProgressEvent{Identifier: id, Name: "a", Index: 1, TotalFiles: 2, BytesDownloaded: 10, BytesTotal: -1, OverallProgress: 0.25})

	assert.InDelta(t, 0.25, s.Progress, 1e-9)
}

func TestFold_CompleteDefaultsProgressToOne(t *testing.T) {
	id := foldID(t)
	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 1, BytesTotal: -1, BytesDownloaded: 0})
	Fold(s, models.CompleteEvent{Identifier: id, TotalFiles: 1, BytesTotal: -1, BytesDownloaded: -1, Progress: -1})

	assert.Equal(t, 1.0, s.Progress)
	assert.Equal(t, 1, s.CompletedFiles)
}

func TestFold_IgnoresOtherModelsEvents(t *testing.T) {
	id := foldID(t)
	other, err := models.ParseIdentifier("other/model")
	require.NoError(t, err)

	s := models.NewDownloadSession(id)
	Fold(s, models.StartEvent{Identifier: id, TotalFiles: 2, BytesTotal: 1000, BytesDownloaded: 0})
	before := s.Clone()

	Fold(s, models.FileCompleteEvent{Identifier: other, Name: "x", Index: 1, BytesTotal: 500})
	assert.Equal(t, before.CompletedFiles, s.CompletedFiles)
	assert.Equal(t, before.BytesDownloaded, s.BytesDownloaded)
}
