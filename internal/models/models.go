package models

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrInvalidIdentifier is returned when a model identifier cannot be parsed.
var ErrInvalidIdentifier = errors.New("invalid model identifier")

// privateMarker is the historical owner prefix used to mark gated/private
// variants of a model. It is stripped during parsing; the directory resolver
// still probes for on-disk layouts that carry it.
const PrivateMarker = "private"

// ModelIdentifier is an owner/name pair identifying a model on the hub.
// The canonical form preserves case; comparisons use Normalized().
type ModelIdentifier struct {
	Owner string
	Name  string
}

// ParseIdentifier parses "owner/name", stripping the private owner marker.
// Identifiers with anything other than exactly two non-empty segments are
// rejected.
func ParseIdentifier(raw string) (ModelIdentifier, error) {
	trimmed := strings.TrimSpace(raw)
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ModelIdentifier{}, fmt.Errorf("%w: %q (expected owner/name)", ErrInvalidIdentifier, raw)
	}
	owner := parts[0]
	if strings.HasPrefix(owner, PrivateMarker) && len(owner) > len(PrivateMarker) {
		owner = strings.TrimPrefix(owner, PrivateMarker)
	}
	return ModelIdentifier{Owner: owner, Name: parts[1]}, nil
}

// String returns the canonical owner/name form.
func (m ModelIdentifier) String() string {
	return m.Owner + "/" + m.Name
}

// Normalized returns the lower-cased form used as a map/store key.
func (m ModelIdentifier) Normalized() string {
	return strings.ToLower(m.String())
}

// Validate re-checks the two-non-empty-segments invariant.
func (m ModelIdentifier) Validate() error {
	if m.Owner == "" || m.Name == "" || strings.Contains(m.Owner, "/") || strings.Contains(m.Name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, m.String())
	}
	return nil
}

// Session lifecycle states.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusVerifying   = "verifying"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Verification health classifications.
const (
	HealthHealthy        = "healthy"
	HealthNeedsAttention = "needsAttention"
	HealthUnhealthy      = "unhealthy"
)

// Hashes carries the expected digests for a file, when the manifest knows
// them. Empty fields mean "not available".
type Hashes struct {
	SHA256 string `json:"sha256,omitempty"`
	BLAKE3 string `json:"blake3,omitempty"`
}

// Provided reports whether any digest is available to check against.
func (h Hashes) Provided() bool {
	return h.SHA256 != "" || h.BLAKE3 != ""
}

// ManifestFile is one entry of a model's manifest: the declared name and
// size, plus digests when the hub exposes them.
type ManifestFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Hashes Hashes `json:"hashes,omitempty"`
}

// Manifest is the file-name-to-declared-size mapping for a model, obtained
// from the hub catalog and cached locally between verification passes.
type Manifest struct {
	Files     []ManifestFile `json:"files"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// TotalSize sums the declared sizes. It returns -1 if any file's size is
// unknown, so callers never treat a partial sum as a real total.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		if f.Size < 0 {
			return -1
		}
		total += f.Size
	}
	return total
}

// File looks up a manifest entry by name.
func (m Manifest) File(name string) (ManifestFile, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return ManifestFile{}, false
}

// Restrict returns a manifest containing only the named files, preserving
// manifest order. Used by the repair engine to re-fetch the bad set only.
func (m Manifest) Restrict(names []string) Manifest {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	out := Manifest{FetchedAt: m.FetchedAt}
	for _, f := range m.Files {
		if _, ok := wanted[f.Name]; ok {
			out.Files = append(out.Files, f)
		}
	}
	return out
}

// FileTransfer is the transient state of a single file within a session.
// BytesTotal and Progress use -1 for "unknown" so that zero-length files
// fold correctly.
type FileTransfer struct {
	Name            string
	Index           int // 1-based ordinal within the session
	TotalFiles      int
	BytesDownloaded int64
	BytesTotal      int64
	Progress        float64
}

// DownloadSession is the orchestrator's in-memory record of one model's
// acquisition lifecycle. It is owned exclusively by the orchestrator and
// mutated only by folding DownloadEvents.
type DownloadSession struct {
	Identifier ModelIdentifier
	Status     string

	BytesDownloaded           int64
	BytesTotal                int64 // -1 until discovered
	AccumulatedCompletedBytes int64
	CompletedFiles            int
	TotalFiles                int
	Progress                  float64

	// Active holds per-file sub-state keyed by file index; CurrentFile
	// points at the transfer touched by the most recent event.
	Active      map[int]*FileTransfer
	CurrentFile *FileTransfer

	LastError string
	ErrorAt   time.Time
	StartedAt time.Time
	UpdatedAt time.Time
}

// NewDownloadSession returns a queued session with all optional numerics
// marked unknown.
func NewDownloadSession(id ModelIdentifier) *DownloadSession {
	return &DownloadSession{
		Identifier: id,
		Status:     StatusQueued,
		BytesTotal: -1,
		Active:     make(map[int]*FileTransfer),
	}
}

// Clone returns a deep copy safe to hand to observers.
func (s *DownloadSession) Clone() DownloadSession {
	out := *s
	out.Active = make(map[int]*FileTransfer, len(s.Active))
	for idx, ft := range s.Active {
		cp := *ft
		out.Active[idx] = &cp
		if s.CurrentFile == ft {
			out.CurrentFile = &cp
		}
	}
	if s.CurrentFile != nil && out.CurrentFile == s.CurrentFile {
		cp := *s.CurrentFile
		out.CurrentFile = &cp
	}
	return out
}

// ActiveBytes sums the bytes downloaded across all in-flight file transfers.
func (s *DownloadSession) ActiveBytes() int64 {
	var sum int64
	for _, ft := range s.Active {
		sum += ft.BytesDownloaded
	}
	return sum
}

// ActiveIndexes returns the in-flight file indexes in ascending order.
func (s *DownloadSession) ActiveIndexes() []int {
	idxs := make([]int, 0, len(s.Active))
	for idx := range s.Active {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	return idxs
}

// DownloadEvent is the closed union through which the coordinator reports
// transfer progress to the orchestrator. Each variant carries only the
// fields relevant to it; optional numerics use -1 for "unknown".
type DownloadEvent interface {
	EventIdentifier() ModelIdentifier
	downloadEvent()
}

// StartEvent opens a session's transfer phase and resets its counters.
// Non-negative byte fields seed the counters, supporting resume-from-partial.
type StartEvent struct {
	Identifier      ModelIdentifier
	TotalFiles      int   // -1 if not yet known
	BytesTotal      int64 // -1 if not yet known
	BytesDownloaded int64 // -1, or pre-existing bytes when resuming
}

// TotalBytesKnownEvent raises the session's recorded total bytes. It never
// lowers an already-known total. OverallBytesDownloaded is preferred over
// FileBytesDownloaded when both are present.
type TotalBytesKnownEvent struct {
	Identifier             ModelIdentifier
	BytesTotal             int64
	OverallBytesDownloaded int64 // -1 if unknown
	FileBytesDownloaded    int64 // -1 if unknown
}

// FileStartEvent marks the first byte activity for one file.
type FileStartEvent struct {
	Identifier ModelIdentifier
	Name       string
	Index      int
	TotalFiles int
	BytesTotal int64 // -1 if unknown
}

// FileProgressEvent reports absolute per-file byte counts as they arrive.
// OverallProgress is the coordinator's own 0..1 estimate for the whole
// model, used only when byte totals are unavailable.
type FileProgressEvent struct {
	Identifier      ModelIdentifier
	Name            string
	Index           int
	TotalFiles      int
	BytesDownloaded int64
	BytesTotal      int64   // -1 if unknown
	OverallProgress float64 // -1 if unknown
}

// FileCompleteEvent marks one file as fully written and size-checked.
type FileCompleteEvent struct {
	Identifier ModelIdentifier
	Name       string
	Index      int
	BytesTotal int64 // declared size, -1 if unknown
}

// FileErrorEvent reports a file that exhausted its retry budget.
type FileErrorEvent struct {
	Identifier ModelIdentifier
	Name       string
	Index      int
	Err        string
}

// CompleteEvent closes the transfer phase. A negative Progress means "not
// supplied" and folds to 1.0.
type CompleteEvent struct {
	Identifier      ModelIdentifier
	TotalFiles      int
	BytesTotal      int64 // -1 if unknown
	BytesDownloaded int64 // -1 if unknown
	Progress        float64
}

func (e StartEvent) EventIdentifier() ModelIdentifier           { return e.Identifier }
func (e TotalBytesKnownEvent) EventIdentifier() ModelIdentifier { return e.Identifier }
func (e FileStartEvent) EventIdentifier() ModelIdentifier       { return e.Identifier }
func (e FileProgressEvent) EventIdentifier() ModelIdentifier    { return e.Identifier }
func (e FileCompleteEvent) EventIdentifier() ModelIdentifier    { return e.Identifier }
func (e FileErrorEvent) EventIdentifier() ModelIdentifier       { return e.Identifier }
func (e CompleteEvent) EventIdentifier() ModelIdentifier        { return e.Identifier }

func (StartEvent) downloadEvent()           {}
func (TotalBytesKnownEvent) downloadEvent() {}
func (FileStartEvent) downloadEvent()       {}
func (FileProgressEvent) downloadEvent()    {}
func (FileCompleteEvent) downloadEvent()    {}
func (FileErrorEvent) downloadEvent()       {}
func (CompleteEvent) downloadEvent()        {}

// VerificationReport summarizes one verify/repair pass. It is created fresh
// per pass and not persisted.
type VerificationReport struct {
	Identifier   ModelIdentifier
	Health       string
	Missing      int
	Corrupt      int
	Repaired     int
	Elapsed      time.Duration
	ScannedPaths []string
	TargetPath   string
}

// LocalFile is one on-disk artifact entry as reported by ListLocalFiles.
type LocalFile struct {
	DisplayName string
	Size        int64 // -1 if unavailable
}

// ByteStream is an open ranged download. Offset is the byte position the
// server actually honoured, which may be zero when resume was rejected.
// Total is the full file size, or -1 when the server did not declare one.
type ByteStream struct {
	Body   io.ReadCloser
	Offset int64
	Total  int64
}

// Config holds the application's configuration settings.
type Config struct {
	StorageRoot      string       `toml:"StorageRoot"`
	DatabasePath     string       `toml:"DatabasePath"`
	HubBaseURL       string       `toml:"HubBaseURL"`
	HubToken         string       `toml:"HubToken"`
	Revision         string       `toml:"Revision"`
	LogLevel         string       `toml:"LogLevel"`
	LogFormat        string       `toml:"LogFormat"`
	APIDelayMs       int          `toml:"ApiDelayMs"`
	ClientTimeoutSec int          `toml:"ClientTimeoutSec"`
	MaxRetries       int          `toml:"MaxRetries"`
	Concurrency      int          `toml:"Concurrency"`
	LogApiRequests   bool         `toml:"LogApiRequests"`
	Verify           VerifyConfig `toml:"Verify"`
}

// VerifyConfig holds settings for the verification/repair engine.
type VerifyConfig struct {
	CheckHash  bool `toml:"CheckHash"`
	AutoRepair bool `toml:"AutoRepair"`
}
