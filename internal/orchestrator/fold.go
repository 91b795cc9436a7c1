package orchestrator

import (
	"go-model-fetch/internal/models"
)

// Fold applies one DownloadEvent to a session. It is a pure state
// transition: the same event sequence always produces the same session,
// byte and file counters never go backwards, and timestamps are left to the
// caller. Events for a different identifier are ignored.
func Fold(s *models.DownloadSession, ev models.DownloadEvent) {
	if s == nil || ev == nil {
		return
	}
	if ev.EventIdentifier().Normalized() != s.Identifier.Normalized() {
		return
	}

	switch e := ev.(type) {
	case models.StartEvent:
		foldStart(s, e)
	case models.TotalBytesKnownEvent:
		foldTotalBytesKnown(s, e)
	case models.FileStartEvent:
		foldFileStart(s, e)
	case models.FileProgressEvent:
		foldFileProgress(s, e)
	case models.FileCompleteEvent:
		foldFileComplete(s, e)
	case models.FileErrorEvent:
		foldFileError(s, e)
	case models.CompleteEvent:
		foldComplete(s, e)
	}
}

// foldStart resets the transfer counters. Non-negative byte fields seed the
// session so a resumed run starts from the bytes already on disk.
func foldStart(s *models.DownloadSession, e models.StartEvent) {
	s.BytesTotal = -1
	s.BytesDownloaded = 0
	s.AccumulatedCompletedBytes = 0
	s.CompletedFiles = 0
	s.TotalFiles = 0
	s.Progress = 0
	s.Active = make(map[int]*models.FileTransfer)
	s.CurrentFile = nil
	s.LastError = ""

	if e.TotalFiles > 0 {
		s.TotalFiles = e.TotalFiles
	}
	if e.BytesTotal >= 0 {
		s.BytesTotal = e.BytesTotal
	}
	if e.BytesDownloaded > 0 {
		// Seed only the monotone counter. Per-file progress reports absolute
		// on-disk byte counts that already include resumed partial bytes, so
		// the completed-bytes accumulator must start at zero or the partial
		// would be counted twice.
		s.BytesDownloaded = e.BytesDownloaded
	}
	refreshProgress(s, -1)
}

// foldTotalBytesKnown raises the total, never lowers it. The downloaded
// counter takes the event's overall figure when supplied, else the
// accumulated-plus-file estimate, and only ever moves up.
func foldTotalBytesKnown(s *models.DownloadSession, e models.TotalBytesKnownEvent) {
	if e.BytesTotal > s.BytesTotal {
		s.BytesTotal = e.BytesTotal
	}
	downloaded := int64(-1)
	if e.OverallBytesDownloaded >= 0 {
		downloaded = e.OverallBytesDownloaded
	} else if e.FileBytesDownloaded >= 0 {
		downloaded = s.AccumulatedCompletedBytes + e.FileBytesDownloaded
	}
	if downloaded > s.BytesDownloaded {
		s.BytesDownloaded = downloaded
	}
	refreshProgress(s, -1)
}

func foldFileStart(s *models.DownloadSession, e models.FileStartEvent) {
	if e.TotalFiles > s.TotalFiles {
		s.TotalFiles = e.TotalFiles
	}
	ft := s.Active[e.Index]
	if ft == nil {
		ft = &models.FileTransfer{Index: e.Index, BytesTotal: -1, Progress: -1}
		s.Active[e.Index] = ft
	}
	ft.Name = e.Name
	ft.TotalFiles = s.TotalFiles
	if e.BytesTotal >= 0 && e.BytesTotal > ft.BytesTotal {
		ft.BytesTotal = e.BytesTotal
	}
	s.CurrentFile = ft
	refreshDownloaded(s)
	refreshProgress(s, -1)
}

func foldFileProgress(s *models.DownloadSession, e models.FileProgressEvent) {
	if e.TotalFiles > s.TotalFiles {
		s.TotalFiles = e.TotalFiles
	}
	ft := s.Active[e.Index]
	if ft == nil {
		// Progress for a file we never saw start; synthesize the entry so
		// late or reordered events still fold.
		ft = &models.FileTransfer{Index: e.Index, BytesTotal: -1, Progress: -1}
		s.Active[e.Index] = ft
	}
	if e.Name != "" {
		ft.Name = e.Name
	}
	ft.TotalFiles = s.TotalFiles
	if e.BytesDownloaded > ft.BytesDownloaded {
		ft.BytesDownloaded = e.BytesDownloaded
	}
	if e.BytesTotal >= 0 && e.BytesTotal > ft.BytesTotal {
		ft.BytesTotal = e.BytesTotal
	}
	if ft.BytesTotal > 0 {
		frac := float64(ft.BytesDownloaded) / float64(ft.BytesTotal)
		if frac > 1 {
			frac = 1
		}
		if frac > ft.Progress {
			ft.Progress = frac
		}
	}
	s.CurrentFile = ft
	refreshDownloaded(s)
	refreshProgress(s, e.OverallProgress)
}

func foldFileComplete(s *models.DownloadSession, e models.FileCompleteEvent) {
	if e.Index > s.CompletedFiles {
		s.CompletedFiles = e.Index
	}
	if s.CompletedFiles > s.TotalFiles {
		s.TotalFiles = s.CompletedFiles
	}

	ft := s.Active[e.Index]
	size := e.BytesTotal
	if size < 0 && ft != nil {
		size = ft.BytesDownloaded
	}
	if size > 0 {
		s.AccumulatedCompletedBytes += size
	}
	delete(s.Active, e.Index)
	if s.CurrentFile != nil && s.CurrentFile.Index == e.Index {
		s.CurrentFile = nil
	}
	refreshDownloaded(s)
	refreshProgress(s, -1)
}

// foldFileError drops the in-flight entry but leaves every byte counter
// untouched, so a failed file never deflates reported progress.
func foldFileError(s *models.DownloadSession, e models.FileErrorEvent) {
	delete(s.Active, e.Index)
	if s.CurrentFile != nil && s.CurrentFile.Index == e.Index {
		s.CurrentFile = nil
	}
	s.LastError = e.Err
}

func foldComplete(s *models.DownloadSession, e models.CompleteEvent) {
	if e.TotalFiles > s.TotalFiles {
		s.TotalFiles = e.TotalFiles
	}
	if s.TotalFiles > 0 {
		s.CompletedFiles = s.TotalFiles
	}
	if e.BytesTotal > s.BytesTotal {
		s.BytesTotal = e.BytesTotal
	}
	if e.BytesDownloaded > s.BytesDownloaded {
		s.BytesDownloaded = e.BytesDownloaded
	}
	if s.BytesTotal >= 0 && s.BytesDownloaded > s.BytesTotal {
		s.BytesDownloaded = s.BytesTotal
	}
	s.Active = make(map[int]*models.FileTransfer)
	s.CurrentFile = nil

	switch {
	case e.Progress >= 0:
		s.Progress = clamp01(e.Progress)
	case s.BytesTotal > 0:
		s.Progress = clamp01(float64(s.BytesDownloaded) / float64(s.BytesTotal))
	default:
		s.Progress = 1.0
	}
}

// refreshDownloaded recomputes the overall byte counter from completed plus
// in-flight bytes, keeping it monotonic across retries that restart a file.
func refreshDownloaded(s *models.DownloadSession) {
	estimate := s.AccumulatedCompletedBytes + s.ActiveBytes()
	if estimate > s.BytesDownloaded {
		s.BytesDownloaded = estimate
	}
	if s.BytesTotal >= 0 && s.BytesDownloaded > s.BytesTotal {
		s.BytesDownloaded = s.BytesTotal
	}
}

// refreshProgress recomputes overall progress. Byte ratios win when both
// figures are known; otherwise an event-supplied estimate is accepted if it
// moves forward.
func refreshProgress(s *models.DownloadSession, supplied float64) {
	var p float64 = -1
	if s.BytesTotal > 0 && s.BytesDownloaded >= 0 {
		p = clamp01(float64(s.BytesDownloaded) / float64(s.BytesTotal))
	} else if supplied >= 0 {
		p = clamp01(supplied)
	}
	if p > s.Progress {
		s.Progress = p
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
