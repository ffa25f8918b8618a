// Package queue schedules sync jobs against a bounded worker pool.
// Jobs move through exactly one of four lifecycle maps (pending,
// running, completed, failed) and are dispatched highest priority
// first, oldest first within a priority.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

const (
	dispatchInterval = 5 * time.Second
	cleanupInterval  = time.Hour
	stuckThreshold   = 30 * time.Minute
	retention        = 24 * time.Hour
	drainTimeout     = 30 * time.Second
)

// Executor runs one named stage of a sync job. The queue calls it
// sequentially for each stage of the job's plan and stops at the first
// error or cancellation.
type Executor interface {
	ExecuteStage(ctx context.Context, job *models.SyncJob, stage string) error
}

// ProgressSink receives per-stage progress. The progress tracker
// satisfies it.
type ProgressSink interface {
	StartSession(jobID, deviceID string, total int)
	UpdateProgress(jobID string, completed, total int, currentOp string, bytesTransferred int64)
	EndSession(jobID string)
	CancelSession(jobID string)
}

type durationStats struct {
	count int
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// TypeStatistics holds completed-job duration aggregates for one sync
// type.
type TypeStatistics struct {
	Completed   int           `json:"completed"`
	AvgDuration time.Duration `json:"avgDuration"`
	MinDuration time.Duration `json:"minDuration"`
	MaxDuration time.Duration `json:"maxDuration"`
}

// Statistics is a point-in-time view of the queue.
type Statistics struct {
	Pending   int                                `json:"pending"`
	Running   int                                `json:"running"`
	Completed int                                `json:"completed"`
	Failed    int                                `json:"failed"`
	ByType    map[models.SyncType]TypeStatistics `json:"byType"`
}

// Manager owns the job lifecycle. All map access is guarded by mu; job
// execution happens on worker goroutines tracked by wg.
type Manager struct {
	bus      *events.Bus
	logger   *slog.Logger
	executor Executor
	progress ProgressSink

	mu            sync.Mutex
	pending       map[string]*models.SyncJob
	running       map[string]*models.SyncJob
	completed     map[string]*models.SyncJob
	failed        map[string]*models.SyncJob
	cancels       map[string]context.CancelFunc
	durations     map[models.SyncType]*durationStats
	maxConcurrent int
	started       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a stopped queue manager. maxConcurrent values
// below 1 fall back to 1.
func NewManager(bus *events.Bus, logger *slog.Logger, executor Executor, progress ProgressSink, maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		bus:           bus,
		logger:        logger,
		executor:      executor,
		progress:      progress,
		pending:       make(map[string]*models.SyncJob),
		running:       make(map[string]*models.SyncJob),
		completed:     make(map[string]*models.SyncJob),
		failed:        make(map[string]*models.SyncJob),
		cancels:       make(map[string]context.CancelFunc),
		durations:     make(map[models.SyncType]*durationStats),
		maxConcurrent: maxConcurrent,
	}
}

// Start begins dispatching. Calling Start on a running manager is a
// no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop(m.stopCh)

	m.logger.Info("sync queue started", slog.Int("max_concurrent", m.maxConcurrent))
}

// Stop fails all pending jobs, waits up to 30 seconds for running jobs
// to finish, and force-cancels whatever remains. It returns the number
// of jobs that had to be force-cancelled.
func (m *Manager) Stop() int {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return 0
	}
	m.started = false
	close(m.stopCh)

	for id, job := range m.pending {
		delete(m.pending, id)
		m.failLocked(job, "service stopped", models.JobCancelled)
	}
	forced := len(m.running)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-time.After(drainTimeout):
	}

	m.mu.Lock()
	forced = len(m.running)
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	<-done
	m.logger.Warn("queue drained with forced cancellations", slog.Int("forced", forced))
	return forced
}

// AddJob enqueues a job and attempts immediate dispatch. A job without
// an ID is assigned one. Re-adding an ID that previously completed or
// failed removes the old record so the ID lives in exactly one map.
func (m *Manager) AddJob(job models.SyncJob) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return "", syncerrors.ErrQueueStopped
	}
	if job.DeviceID == "" {
		return "", fmt.Errorf("%w: job missing deviceId", syncerrors.ErrValidation)
	}
	switch job.Type {
	case models.SyncFull, models.SyncIncremental, models.SyncTasksOnly, models.SyncInventoryOnly:
	default:
		return "", fmt.Errorf("%w: unknown sync type %q", syncerrors.ErrValidation, job.Type)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := m.pending[job.ID]; exists {
		return "", fmt.Errorf("%w: job %s already pending", syncerrors.ErrValidation, job.ID)
	}
	if _, exists := m.running[job.ID]; exists {
		return "", fmt.Errorf("%w: job %s already running", syncerrors.ErrValidation, job.ID)
	}
	delete(m.completed, job.ID)
	delete(m.failed, job.ID)

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	// The first run counts as attempt 1.
	if job.Attempts == 0 {
		job.Attempts = 1
	}
	job.Status = models.JobPending
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Error = ""

	m.pending[job.ID] = &job
	m.bus.Publish(events.TopicJobQueued, job)
	m.logger.Info("job queued",
		slog.String("job_id", job.ID),
		slog.String("device_id", job.DeviceID),
		slog.String("type", string(job.Type)),
		slog.Int("priority", job.Priority),
	)

	m.dispatchLocked()
	return job.ID, nil
}

// CancelJob cancels a job. Pending jobs move to failed immediately;
// running jobs are cancelled cooperatively between stages.
func (m *Manager) CancelJob(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.pending[jobID]; ok {
		delete(m.pending, jobID)
		m.failLocked(job, "cancelled by user", models.JobCancelled)
		return nil
	}
	if _, ok := m.running[jobID]; ok {
		if cancel, ok := m.cancels[jobID]; ok {
			cancel()
		}
		return nil
	}
	return fmt.Errorf("cancelling job %s: no such job", jobID)
}

// CheckStuckJobs fails running jobs that have been executing longer
// than 30 minutes.
func (m *Manager) CheckStuckJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, job := range m.running {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) < stuckThreshold {
			continue
		}
		delete(m.running, id)
		if cancel, ok := m.cancels[id]; ok {
			cancel()
			delete(m.cancels, id)
		}

		completedAt := now
		job.Status = models.JobFailed
		job.Error = fmt.Sprintf("%v after %s", syncerrors.ErrJobTimeout, now.Sub(*job.StartedAt).Round(time.Second))
		job.CompletedAt = &completedAt
		m.failed[id] = job

		m.bus.Publish(events.TopicJobStuck, *job)
		m.bus.Publish(events.TopicJobFailed, *job)
		m.logger.Warn("stuck job detected",
			slog.String("job_id", id),
			slog.String("device_id", job.DeviceID),
			slog.Duration("running_for", now.Sub(*job.StartedAt)),
		)
	}
}

// Job returns a copy of the job with the given ID from whichever
// lifecycle map holds it.
func (m *Manager) Job(jobID string) (models.SyncJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range []map[string]*models.SyncJob{m.pending, m.running, m.completed, m.failed} {
		if job, ok := set[jobID]; ok {
			return *job, true
		}
	}
	return models.SyncJob{}, false
}

// Position returns the 1-based dispatch position of a pending job, or
// 0 when the job is not pending.
func (m *Manager) Position(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.pending[jobID]
	if !ok {
		return 0
	}
	pos := 1
	for _, job := range m.pending {
		if job.ID == target.ID {
			continue
		}
		if job.Priority > target.Priority ||
			(job.Priority == target.Priority && job.CreatedAt.Before(target.CreatedAt)) {
			pos++
		}
	}
	return pos
}

// JobsForDevice returns copies of every job, in any state, belonging
// to the device.
func (m *Manager) JobsForDevice(deviceID string) []models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []models.SyncJob
	for _, set := range []map[string]*models.SyncJob{m.pending, m.running, m.completed, m.failed} {
		for _, job := range set {
			if job.DeviceID == deviceID {
				jobs = append(jobs, *job)
			}
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// Statistics returns queue counts and completed-job duration
// aggregates per sync type.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		Pending:   len(m.pending),
		Running:   len(m.running),
		Completed: len(m.completed),
		Failed:    len(m.failed),
		ByType:    make(map[models.SyncType]TypeStatistics, len(m.durations)),
	}
	for typ, d := range m.durations {
		stats.ByType[typ] = TypeStatistics{
			Completed:   d.count,
			AvgDuration: d.total / time.Duration(d.count),
			MinDuration: d.min,
			MaxDuration: d.max,
		}
	}
	return stats
}

func (m *Manager) loop(stopCh chan struct{}) {
	defer m.wg.Done()

	dispatch := time.NewTicker(dispatchInterval)
	defer dispatch.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-dispatch.C:
			m.mu.Lock()
			m.dispatchLocked()
			m.mu.Unlock()
		case <-cleanup.C:
			m.cleanup()
		}
	}
}

// dispatchLocked starts pending jobs until the concurrency cap is
// reached. Caller holds mu.
func (m *Manager) dispatchLocked() {
	for len(m.running) < m.maxConcurrent {
		job := m.nextLocked()
		if job == nil {
			return
		}
		delete(m.pending, job.ID)

		now := time.Now()
		job.Status = models.JobRunning
		job.StartedAt = &now
		job.Progress = models.JobProgress{}
		m.running[job.ID] = job

		ctx, cancel := context.WithCancel(context.Background())
		m.cancels[job.ID] = cancel

		m.bus.Publish(events.TopicJobStarted, *job)
		m.wg.Add(1)
		go m.run(ctx, job)
	}
}

// nextLocked picks the highest-priority pending job, oldest first on
// ties. Caller holds mu.
func (m *Manager) nextLocked() *models.SyncJob {
	var best *models.SyncJob
	for _, job := range m.pending {
		if best == nil ||
			job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	return best
}

func (m *Manager) run(ctx context.Context, job *models.SyncJob) {
	defer m.wg.Done()

	stages := stagesFor(job.Type)
	if m.progress != nil {
		m.progress.StartSession(job.ID, job.DeviceID, len(stages))
	}

	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			m.finish(job, fmt.Errorf("%w: %s", syncerrors.ErrJobCancelled, stage))
			return
		}

		m.setStage(job, stage, i, len(stages))
		if err := m.executor.ExecuteStage(ctx, job, stage); err != nil {
			m.finish(job, fmt.Errorf("stage %s: %w", stage, err))
			return
		}
		m.setStage(job, stage, i+1, len(stages))
	}
	m.finish(job, nil)
}

func (m *Manager) setStage(job *models.SyncJob, stage string, completed, total int) {
	m.mu.Lock()
	job.Progress = models.JobProgress{
		Total:            total,
		Completed:        completed,
		Percentage:       float64(completed) / float64(total) * 100,
		CurrentOperation: stage,
	}
	m.mu.Unlock()

	if m.progress != nil {
		m.progress.UpdateProgress(job.ID, completed, total, stage, 0)
	}
}

func (m *Manager) finish(job *models.SyncJob, runErr error) {
	m.mu.Lock()

	// The stuck reaper may have already finalized this job.
	if _, ok := m.running[job.ID]; !ok {
		m.mu.Unlock()
		if m.progress != nil {
			m.progress.CancelSession(job.ID)
		}
		return
	}

	delete(m.running, job.ID)
	if cancel, ok := m.cancels[job.ID]; ok {
		cancel()
		delete(m.cancels, job.ID)
	}

	now := time.Now()
	job.CompletedAt = &now

	if runErr != nil {
		// A cancellation is terminal: the job must not reach the retry
		// scheduler as an ordinary failure.
		if errors.Is(runErr, syncerrors.ErrJobCancelled) || errors.Is(runErr, context.Canceled) {
			job.Status = models.JobCancelled
		} else {
			job.Status = models.JobFailed
		}
		job.Error = runErr.Error()
		m.failed[job.ID] = job
		m.mu.Unlock()

		if m.progress != nil {
			m.progress.CancelSession(job.ID)
		}
		m.bus.Publish(events.TopicJobFailed, *job)
		m.logger.Error("job failed",
			slog.String("job_id", job.ID),
			slog.String("device_id", job.DeviceID),
			slog.String("status", string(job.Status)),
			slog.String("error", runErr.Error()),
			slog.Int("attempts", job.Attempts),
		)
		m.redispatch()
		return
	}

	job.Status = models.JobCompleted
	m.completed[job.ID] = job
	if job.StartedAt != nil {
		m.recordDurationLocked(job.Type, now.Sub(*job.StartedAt))
	}
	m.mu.Unlock()

	if m.progress != nil {
		m.progress.EndSession(job.ID)
	}
	m.bus.Publish(events.TopicJobCompleted, *job)
	m.logger.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("device_id", job.DeviceID),
		slog.String("type", string(job.Type)),
	)
	m.redispatch()
}

// redispatch frees up a worker slot for the next pending job without
// waiting for the periodic tick.
func (m *Manager) redispatch() {
	m.mu.Lock()
	if m.started {
		m.dispatchLocked()
	}
	m.mu.Unlock()
}

// failLocked records a job that never ran as failed. Caller holds mu.
func (m *Manager) failLocked(job *models.SyncJob, reason string, status models.JobStatus) {
	now := time.Now()
	job.Status = status
	job.Error = reason
	job.CompletedAt = &now
	m.failed[job.ID] = job
	m.bus.Publish(events.TopicJobFailed, *job)
}

func (m *Manager) recordDurationLocked(typ models.SyncType, d time.Duration) {
	stats, ok := m.durations[typ]
	if !ok {
		m.durations[typ] = &durationStats{count: 1, total: d, min: d, max: d}
		return
	}
	stats.count++
	stats.total += d
	if d < stats.min {
		stats.min = d
	}
	if d > stats.max {
		stats.max = d
	}
}

// cleanup drops completed and failed records older than 24 hours.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, set := range []map[string]*models.SyncJob{m.completed, m.failed} {
		for id, job := range set {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				delete(set, id)
				removed++
			}
		}
	}
	if removed > 0 {
		m.logger.Debug("cleaned up old jobs", slog.Int("removed", removed))
	}
}

// stagesFor returns the ordered execution plan for a sync type.
func stagesFor(typ models.SyncType) []string {
	switch typ {
	case models.SyncTasksOnly:
		return []string{"prepare", "tasks", "finalize"}
	case models.SyncInventoryOnly:
		return []string{"prepare", "inventory", "finalize"}
	default:
		return []string{"prepare", "tasks", "inventory", "settings", "finalize"}
	}
}
