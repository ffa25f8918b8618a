// Package progress maintains per-job progress sessions and the derived
// transfer metrics (items/s, bytes/s, ETA) that clients poll while a
// sync job is in flight.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
)

const (
	// historyMax bounds the snapshot ring; on overflow it is trimmed
	// back to historyTrim entries.
	historyMax  = 100
	historyTrim = 50

	// rateWindow is the trailing window used for rate computation.
	rateWindow = 30 * time.Second

	// recomputeInterval drives the background metric refresh.
	recomputeInterval = 5 * time.Second

	// endedRetention keeps finished sessions around for a final poll.
	endedRetention = 60 * time.Second

	// idleRetention is the age at which untouched sessions are purged.
	idleRetention = 24 * time.Hour

	// idlePurgeInterval is how often the idle purge runs.
	idlePurgeInterval = time.Hour
)

type snapshot struct {
	at        time.Time
	completed int
	bytes     int64
}

type session struct {
	jobID      string
	deviceID   string
	startTime  time.Time
	lastUpdate time.Time
	info       models.ProgressInfo
	history    []snapshot
	endedAt    *time.Time
}

// Tracker exposes live progress for in-flight jobs.
type Tracker struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Start launches the background metric recompute loop. Idempotent.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.loop(t.stopCh)
}

// Stop halts the background loop. Sessions are retained.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

// StartSession creates (or restarts) the progress session for a job.
func (t *Tracker) StartSession(jobID, deviceID string, total int) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[jobID] = &session{
		jobID:      jobID,
		deviceID:   deviceID,
		startTime:  now,
		lastUpdate: now,
		info:       models.ProgressInfo{Total: total},
		history:    []snapshot{{at: now}},
	}
}

// UpdateProgress records new counters for a job and recomputes derived
// metrics. Unknown job IDs are ignored; the session may already have
// been purged by the retention sweep.
func (t *Tracker) UpdateProgress(jobID string, completed, total int, currentOp string, bytesTransferred int64) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[jobID]
	if !ok {
		return
	}

	if total > 0 {
		s.info.Total = total
	}
	if completed >= 0 {
		s.info.Completed = completed
	}
	if currentOp != "" {
		s.info.CurrentOperation = currentOp
	}
	if bytesTransferred > s.info.BytesTransferred {
		s.info.BytesTransferred = bytesTransferred
	}

	if s.info.Total > 0 {
		s.info.Percentage = float64(s.info.Completed) / float64(s.info.Total) * 100
	}

	s.lastUpdate = now
	s.history = append(s.history, snapshot{at: now, completed: s.info.Completed, bytes: s.info.BytesTransferred})
	if len(s.history) > historyMax {
		s.history = append(s.history[:0], s.history[len(s.history)-historyTrim:]...)
	}

	recompute(s, now)
}

// EndSession marks a session finished. It is retained for a short
// window so clients can observe the final state, then discarded.
func (t *Tracker) EndSession(jobID string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[jobID]
	if !ok {
		return
	}

	s.endedAt = &now
	s.lastUpdate = now
}

// CancelSession discards a session immediately.
func (t *Tracker) CancelSession(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, jobID)
}

// Session returns the current progress info for a job. The second
// return is false when no session exists.
func (t *Tracker) Session(jobID string) (models.ProgressInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[jobID]
	if !ok {
		return models.ProgressInfo{}, false
	}

	return s.info, true
}

// ActiveSessions returns the job IDs of sessions below 100%.
func (t *Tracker) ActiveSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, s := range t.sessions {
		if s.endedAt == nil && s.info.Percentage < 100 {
			ids = append(ids, id)
		}
	}

	return ids
}

func (t *Tracker) loop(stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(recomputeInterval)
	defer ticker.Stop()

	lastIdlePurge := time.Now()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			t.sweep(now)

			if now.Sub(lastIdlePurge) >= idlePurgeInterval {
				t.purgeIdle(now)
				lastIdlePurge = now
			}
		}
	}
}

// sweep recomputes metrics for live sessions and drops ended sessions
// past their retention window.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range t.sessions {
		if s.endedAt != nil {
			if now.Sub(*s.endedAt) > endedRetention {
				delete(t.sessions, id)
			}
			continue
		}

		if s.info.Percentage < 100 {
			recompute(s, now)
		}
	}
}

func (t *Tracker) purgeIdle(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range t.sessions {
		if now.Sub(s.lastUpdate) > idleRetention {
			delete(t.sessions, id)
			t.logger.Debug("purged idle progress session", slog.String("job_id", id))
		}
	}
}

// recompute derives rates from snapshots within the trailing window.
// ETA is left zero when the item rate is zero or negative.
func recompute(s *session, now time.Time) {
	cutoff := now.Add(-rateWindow)

	var oldest *snapshot
	for i := range s.history {
		if !s.history[i].at.Before(cutoff) {
			oldest = &s.history[i]
			break
		}
	}

	if oldest == nil || len(s.history) == 0 {
		s.info.ItemsPerSecond = 0
		s.info.BytesPerSecond = 0
		s.info.EstimatedTimeRemaining = 0
		return
	}

	newest := s.history[len(s.history)-1]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return
	}

	s.info.ItemsPerSecond = float64(newest.completed-oldest.completed) / elapsed
	s.info.BytesPerSecond = float64(newest.bytes-oldest.bytes) / elapsed

	remaining := s.info.Total - s.info.Completed
	if s.info.ItemsPerSecond > 0 && remaining > 0 {
		s.info.EstimatedTimeRemaining = time.Duration(float64(remaining) / s.info.ItemsPerSecond * float64(time.Second))
	} else {
		s.info.EstimatedTimeRemaining = 0
	}
}
