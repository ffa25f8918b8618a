// Package retry decides whether and when a failed sync job gets
// another chance. It owns the backoff computation and the deferred
// schedule; re-enqueueing is left to the orchestrator, which consumes
// retry_ready events.
package retry

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
)

const (
	// minDelay floors every computed delay.
	minDelay = time.Second

	// purgeInterval is how often stale schedules are swept.
	purgeInterval = 10 * time.Minute

	// staleAfter is the age past which a schedule is abandoned.
	staleAfter = 24 * time.Hour
)

// Error classes recognized by the static heuristics.
type errorClass int

const (
	classGeneric errorClass = iota
	classAuth
	classNetwork
	classDeviceUnavailable
	classRateLimit
)

// scheduled is one pending retry. One per job ID: a new schedule
// replaces any existing one rather than accumulating.
type scheduled struct {
	job       models.SyncJob
	attempt   int
	at        time.Time
	createdAt time.Time
	timer     *time.Timer
}

// Manager computes backoff delays and schedules deferred re-attempts.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	policies  map[models.SyncType]models.RetryPolicy
	fallback  models.RetryPolicy
	scheduled map[string]*scheduled
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a retry manager with the default per-type
// policies.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		bus:    bus,
		logger: logger,
		policies: map[models.SyncType]models.RetryPolicy{
			models.SyncFull:          {MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 300 * time.Second, ExponentialBackoff: true, JitterFactor: 0.2},
			models.SyncIncremental:   {MaxAttempts: 5, BaseDelay: 10 * time.Second, MaxDelay: 120 * time.Second, ExponentialBackoff: true, JitterFactor: 0.2},
			models.SyncTasksOnly:     {MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, ExponentialBackoff: true, JitterFactor: 0.2},
			models.SyncInventoryOnly: {MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, ExponentialBackoff: true, JitterFactor: 0.2},
		},
		fallback:  models.RetryPolicy{MaxAttempts: 3, BaseDelay: 15 * time.Second, MaxDelay: 180 * time.Second, ExponentialBackoff: true, JitterFactor: 0.2},
		scheduled: make(map[string]*scheduled),
	}
}

// Start launches the stale-schedule sweeper. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.purgeLoop(m.stopCh)
}

// Stop cancels all pending schedules and stops the sweeper.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)

	for id, s := range m.scheduled {
		s.timer.Stop()
		delete(m.scheduled, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// SetRetryPolicy overrides the policy for a sync type at runtime.
func (m *Manager) SetRetryPolicy(t models.SyncType, p models.RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policies[t] = p
}

// Policy returns the effective policy for a sync type.
func (m *Manager) Policy(t models.SyncType) models.RetryPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.policyLocked(t)
}

func (m *Manager) policyLocked(t models.SyncType) models.RetryPolicy {
	if p, ok := m.policies[t]; ok {
		return p
	}

	return m.fallback
}

// ScheduleRetry schedules another attempt for a failed job. When the
// job is out of attempts it emits retry_exhausted and returns false.
// Scheduling the same job ID again replaces the existing schedule.
func (m *Manager) ScheduleRetry(job models.SyncJob) bool {
	m.mu.Lock()

	policy := m.policyLocked(job.Type)
	policy = adjustForError(policy, job.Error)

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 || policy.MaxAttempts < maxAttempts {
		maxAttempts = policy.MaxAttempts
	}

	if job.Attempts >= maxAttempts {
		delete(m.scheduled, job.ID)
		m.mu.Unlock()

		m.logger.Warn("retry attempts exhausted",
			slog.String("job_id", job.ID),
			slog.String("device_id", job.DeviceID),
			slog.Int("attempts", job.Attempts),
		)
		m.bus.Publish(events.TopicRetryExhausted, job)

		return false
	}

	delay := Delay(policy, job.Attempts)

	if prev, ok := m.scheduled[job.ID]; ok {
		prev.timer.Stop()
	}

	now := time.Now()
	entry := &scheduled{
		job:       job,
		attempt:   job.Attempts + 1,
		at:        now.Add(delay),
		createdAt: now,
	}
	entry.timer = time.AfterFunc(delay, func() { m.fire(job.ID) })
	m.scheduled[job.ID] = entry
	m.mu.Unlock()

	m.logger.Info("retry scheduled",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Int("attempt", entry.attempt),
		slog.Duration("delay", delay),
	)

	return true
}

// fire fires a due schedule: the job, with attempts incremented, is
// published as retry_ready for the orchestrator to re-enqueue.
func (m *Manager) fire(jobID string) {
	m.mu.Lock()
	entry, ok := m.scheduled[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.scheduled, jobID)
	m.mu.Unlock()

	job := entry.job
	job.Attempts = entry.attempt
	job.Status = models.JobPending
	job.Error = ""

	m.bus.Publish(events.TopicRetryReady, job)
}

// CancelRetry clears a pending schedule. Returns false when none
// existed for the job.
func (m *Manager) CancelRetry(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.scheduled[jobID]
	if !ok {
		return false
	}

	entry.timer.Stop()
	delete(m.scheduled, jobID)

	return true
}

// Statistics reports pending schedules bucketed by sync type and by
// attempt number, plus the time until the next retry fires.
type Statistics struct {
	Pending     int                     `json:"pending"`
	ByType      map[models.SyncType]int `json:"byType"`
	ByAttempt   map[int]int             `json:"byAttempt"`
	NextRetryIn time.Duration           `json:"nextRetryIn"`
}

// GetRetryStatistics returns a snapshot of the schedule table.
func (m *Manager) GetRetryStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		ByType:    make(map[models.SyncType]int),
		ByAttempt: make(map[int]int),
	}

	now := time.Now()
	var next time.Time
	for _, s := range m.scheduled {
		stats.Pending++
		stats.ByType[s.job.Type]++
		stats.ByAttempt[s.attempt]++

		if next.IsZero() || s.at.Before(next) {
			next = s.at
		}
	}

	if !next.IsZero() {
		stats.NextRetryIn = max(next.Sub(now), 0)
	}

	return stats
}

// ScheduledRetries returns pending schedules ordered by fire time.
func (m *Manager) ScheduledRetries() []models.ScheduledRetry {
	m.mu.Lock()
	defer m.mu.Unlock()

	retries := make([]models.ScheduledRetry, 0, len(m.scheduled))
	for _, s := range m.scheduled {
		retries = append(retries, models.ScheduledRetry{
			JobID:         s.job.ID,
			DeviceID:      s.job.DeviceID,
			Type:          s.job.Type,
			Attempt:       s.attempt,
			NextAttemptAt: s.at,
		})
	}
	sort.Slice(retries, func(i, j int) bool {
		return retries[i].NextAttemptAt.Before(retries[j].NextAttemptAt)
	})

	return retries
}

// purgeLoop abandons schedules older than 24h. They should have fired
// long ago; surviving that long means the timer was lost to a clock
// jump or a bug, and holding the job snapshot forever leaks memory.
func (m *Manager) purgeLoop(stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.purgeStale()
		}
	}
}

func (m *Manager) purgeStale() {
	cutoff := time.Now().Add(-staleAfter)

	m.mu.Lock()
	var expired []models.SyncJob
	for id, s := range m.scheduled {
		if s.createdAt.Before(cutoff) {
			s.timer.Stop()
			delete(m.scheduled, id)
			expired = append(expired, s.job)
		}
	}
	m.mu.Unlock()

	for _, job := range expired {
		m.logger.Warn("retry schedule expired", slog.String("job_id", job.ID))
		m.bus.Publish(events.TopicRetryExpired, job)
	}
}

// Delay computes the backoff before attempt attempts+1 under a policy:
// min(maxDelay, base*2^attempts) when exponential, base*(attempts+1)
// otherwise, with symmetric jitter of ±delay*jitterFactor/2 applied on
// top. The result is clamped to [1s, maxDelay].
func Delay(policy models.RetryPolicy, attempts int) time.Duration {
	delay := BaseDelay(policy, attempts)

	if policy.JitterFactor > 0 {
		span := float64(delay) * policy.JitterFactor
		delay += time.Duration((rand.Float64() - 0.5) * span)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < minDelay {
		delay = minDelay
	}

	return delay
}

// BaseDelay is the unjittered delay curve: monotonically non-decreasing
// in attempts and capped at maxDelay.
func BaseDelay(policy models.RetryPolicy, attempts int) time.Duration {
	var delay time.Duration
	if policy.ExponentialBackoff {
		delay = time.Duration(float64(policy.BaseDelay) * math.Pow(2, float64(attempts)))
	} else {
		delay = policy.BaseDelay * time.Duration(attempts+1)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < minDelay {
		delay = minDelay
	}

	return delay
}

// adjustForError applies the static heuristics: auth failures are never
// retried, network errors back off fast, device-unavailable errors back
// off slow, rate limits back off linearly.
func adjustForError(policy models.RetryPolicy, errMsg string) models.RetryPolicy {
	switch classify(errMsg) {
	case classAuth:
		policy.MaxAttempts = 1
	case classNetwork:
		policy.ExponentialBackoff = true
		if policy.BaseDelay > 5*time.Second {
			policy.BaseDelay = 5 * time.Second
		}
	case classDeviceUnavailable:
		policy.ExponentialBackoff = true
		if policy.BaseDelay < 30*time.Second {
			policy.BaseDelay = 30 * time.Second
		}
	case classRateLimit:
		policy.ExponentialBackoff = false
	}

	return policy
}

func classify(errMsg string) errorClass {
	msg := strings.ToLower(errMsg)

	switch {
	case msg == "":
		return classGeneric
	case strings.Contains(msg, "auth") || strings.Contains(msg, "permission") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized"):
		return classAuth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return classRateLimit
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "unreachable") || strings.Contains(msg, "offline"):
		return classDeviceUnavailable
	case strings.Contains(msg, "network") || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "connection"):
		return classNetwork
	default:
		return classGeneric
	}
}
