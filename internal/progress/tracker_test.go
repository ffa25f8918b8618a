package progress

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/logging"
)

func newTestTracker() *Tracker {
	return NewTracker(logging.NewLogger("development"))
}

func TestStartSession_InitialState(t *testing.T) {
	tr := newTestTracker()
	tr.StartSession("job-1", "tablet-1", 5)

	info, ok := tr.Session("job-1")
	require.True(t, ok)
	assert.Equal(t, 5, info.Total)
	assert.Zero(t, info.Completed)
	assert.Zero(t, info.Percentage)
}

func TestUpdateProgress_Percentage(t *testing.T) {
	tr := newTestTracker()
	tr.StartSession("job-1", "tablet-1", 5)
	tr.UpdateProgress("job-1", 2, 5, "inventory", 1024)

	info, ok := tr.Session("job-1")
	require.True(t, ok)
	assert.Equal(t, 2, info.Completed)
	assert.InDelta(t, 40.0, info.Percentage, 0.001)
	assert.Equal(t, "inventory", info.CurrentOperation)
	assert.Equal(t, int64(1024), info.BytesTransferred)
}

func TestUpdateProgress_UnknownJobIgnored(t *testing.T) {
	tr := newTestTracker()
	tr.UpdateProgress("nope", 1, 5, "tasks", 0)

	_, ok := tr.Session("nope")
	assert.False(t, ok)
}

func TestUpdateProgress_BytesNeverRegress(t *testing.T) {
	tr := newTestTracker()
	tr.StartSession("job-1", "tablet-1", 5)
	tr.UpdateProgress("job-1", 1, 5, "", 2048)
	tr.UpdateProgress("job-1", 2, 5, "", 100)

	info, _ := tr.Session("job-1")
	assert.Equal(t, int64(2048), info.BytesTransferred)
}

func TestUpdateProgress_HistoryTrimmed(t *testing.T) {
	tr := newTestTracker()
	tr.StartSession("job-1", "tablet-1", 1000)

	for i := 0; i < 150; i++ {
		tr.UpdateProgress("job-1", i, 1000, "", int64(i))
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	s := tr.sessions["job-1"]
	assert.LessOrEqual(t, len(s.history), historyMax)
	assert.GreaterOrEqual(t, len(s.history), historyTrim)
}

func TestRates_TrailingWindow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newTestTracker()
		tr.StartSession("job-1", "tablet-1", 100)

		// 2 items and 1000 bytes per second for 10 seconds.
		for i := 1; i <= 10; i++ {
			time.Sleep(time.Second)
			tr.UpdateProgress("job-1", i*2, 100, "tasks", int64(i*1000))
		}

		info, ok := tr.Session("job-1")
		require.True(t, ok)
		assert.InDelta(t, 2.0, info.ItemsPerSecond, 0.3)
		assert.InDelta(t, 1000.0, info.BytesPerSecond, 150)
		assert.Positive(t, info.EstimatedTimeRemaining)
	})
}

func TestRates_ZeroWhenStalled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newTestTracker()
		tr.Start()
		defer tr.Stop()

		tr.StartSession("job-1", "tablet-1", 100)
		tr.UpdateProgress("job-1", 10, 100, "tasks", 0)

		// All history falls out of the trailing window.
		time.Sleep(2 * rateWindow)
		synctest.Wait()

		info, ok := tr.Session("job-1")
		require.True(t, ok)
		assert.Zero(t, info.ItemsPerSecond)
		assert.Zero(t, info.EstimatedTimeRemaining)
	})
}

func TestEndSession_RetainedThenDropped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newTestTracker()
		tr.Start()
		defer tr.Stop()

		tr.StartSession("job-1", "tablet-1", 5)
		tr.EndSession("job-1")

		_, ok := tr.Session("job-1")
		assert.True(t, ok, "ended session is retained for a final poll")

		time.Sleep(endedRetention + recomputeInterval + time.Second)
		synctest.Wait()

		_, ok = tr.Session("job-1")
		assert.False(t, ok, "ended session dropped after retention")
	})
}

func TestCancelSession_ImmediateDiscard(t *testing.T) {
	tr := newTestTracker()
	tr.StartSession("job-1", "tablet-1", 5)
	tr.CancelSession("job-1")

	_, ok := tr.Session("job-1")
	assert.False(t, ok)
}

func TestActiveSessions(t *testing.T) {
	tr := newTestTracker()
	tr.StartSession("job-1", "tablet-1", 5)
	tr.StartSession("job-2", "tablet-2", 5)
	tr.UpdateProgress("job-2", 5, 5, "finalize", 0)
	tr.StartSession("job-3", "tablet-3", 5)
	tr.EndSession("job-3")

	assert.ElementsMatch(t, []string{"job-1"}, tr.ActiveSessions())
}

func TestIdleSessionsPurged(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newTestTracker()
		tr.Start()
		defer tr.Stop()

		tr.StartSession("job-1", "tablet-1", 5)
		tr.UpdateProgress("job-1", 1, 5, "tasks", 0)

		time.Sleep(idleRetention + idlePurgeInterval + time.Minute)
		synctest.Wait()

		_, ok := tr.Session("job-1")
		assert.False(t, ok)
	})
}
