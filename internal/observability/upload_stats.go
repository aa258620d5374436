// Package observability collects upload statistics for the control surfaces
// and exports them as Prometheus metrics.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/arkilian/spool/internal/events"
	"github.com/arkilian/spool/pkg/types"
)

// UploadStats tracks upload activity per destination folder. It is an
// events.Sink; subscribe it to the engine's bus.
type UploadStats struct {
	mu      sync.RWMutex
	folders map[string]*FolderStats
	reasons map[types.FailReason]int64
	window  time.Duration
}

// FolderStats holds counters for one remote folder path.
type FolderStats struct {
	Folder   string           `json:"folder"`
	Added    int64            `json:"added"`
	Finished int64            `json:"finished"`
	Failed   int64            `json:"failed"`
	Bytes    int64            `json:"bytes"`
	LastSeen time.Time        `json:"last_seen"`
	Reasons  map[string]int64 `json:"reasons,omitempty"`
}

// NewUploadStats creates a tracker whose per-folder entries are dropped by
// Prune once idle for longer than window.
func NewUploadStats(window time.Duration) *UploadStats {
	return &UploadStats{
		folders: make(map[string]*FolderStats),
		reasons: make(map[types.FailReason]int64),
		window:  window,
	}
}

// folder returns the entry for rec's folder, creating it. Callers hold mu.
func (s *UploadStats) folder(rec *types.UploadRecord) *FolderStats {
	key := rec.ParentPath()
	if key == "" {
		key = "/"
	}
	fs, ok := s.folders[key]
	if !ok {
		fs = &FolderStats{Folder: key, Reasons: make(map[string]int64)}
		s.folders[key] = fs
	}
	fs.LastSeen = time.Now()
	return fs
}

func (s *UploadStats) OnAdded(rec *types.UploadRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folder(rec).Added++
}

// OnProgress only refreshes the folder's LastSeen.
func (s *UploadStats) OnProgress(rec *types.UploadRecord, done int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folder(rec)
}

func (s *UploadStats) OnFinished(rec *types.UploadRecord, node *types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.folder(rec)
	fs.Finished++
	fs.Bytes += uploadedBytes(rec, node)
}

func (s *UploadStats) OnFailed(rec *types.UploadRecord, reason types.FailReason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.folder(rec)
	fs.Failed++
	fs.Reasons[reason.String()]++
	s.reasons[reason]++
}

// Failures returns the number of failure events seen per reason since
// creation. Prune does not reset it.
func (s *UploadStats) Failures() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.reasons))
	for r, n := range s.reasons {
		out[r.String()] = n
	}
	return out
}

// TopFolders returns copies of the n busiest folders by records added.
func (s *UploadStats) TopFolders(n int) []FolderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.folders) == 0 {
		return []FolderStats{}
	}

	out := make([]FolderStats, 0, len(s.folders))
	for _, fs := range s.folders {
		cp := *fs
		cp.Reasons = make(map[string]int64, len(fs.Reasons))
		for r, c := range fs.Reasons {
			cp.Reasons[r] = c
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Added != out[j].Added {
			return out[i].Added > out[j].Added
		}
		return out[i].Folder < out[j].Folder
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Prune removes folders idle for longer than the window.
func (s *UploadStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for key, fs := range s.folders {
		if fs.LastSeen.Before(threshold) {
			delete(s.folders, key)
		}
	}
}

func uploadedBytes(rec *types.UploadRecord, node *types.Node) int64 {
	if node != nil && node.Size > 0 {
		return node.Size
	}
	return rec.Length
}

var _ events.Sink = (*UploadStats)(nil)
