package sleepqueue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryParkRespectsLimit(t *testing.T) {
	q := New(8)
	until := time.Now().Add(time.Hour)

	for i := 0; i < 8; i++ {
		assert.True(t, q.TryPark(fmt.Sprintf("wo-%d", i), until))
	}
	assert.False(t, q.TryPark("wo-9", until))
	assert.Equal(t, 8, q.Len())
}

func TestTryParkUpdatesExistingEntry(t *testing.T) {
	q := New(1)
	first := time.Now().Add(time.Hour)
	later := first.Add(time.Hour)

	require.True(t, q.TryPark("wo-1", first))
	// Re-parking the same work order is an update, not a second slot.
	require.True(t, q.TryPark("wo-1", later))
	assert.Equal(t, 1, q.Len())

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].SleepUntil.Equal(later))
}

func TestDueRemovesOnlyPastEntries(t *testing.T) {
	q := New(8)
	now := time.Now()
	require.True(t, q.TryPark("past", now.Add(-time.Minute)))
	require.True(t, q.TryPark("future", now.Add(time.Minute)))
	require.True(t, q.TryPark("also-past", now.Add(-time.Second)))

	due := q.Due(now)
	require.Len(t, due, 2)
	ids := []string{due[0].WorkOrderID, due[1].WorkOrderID}
	assert.Contains(t, ids, "past")
	assert.Contains(t, ids, "also-past")

	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.Due(now))
}

func TestRemove(t *testing.T) {
	q := New(8)
	require.True(t, q.TryPark("wo-1", time.Now().Add(time.Hour)))
	q.Remove("wo-1")
	q.Remove("never-parked")
	assert.Equal(t, 0, q.Len())
}

func TestSnapshotSortedBySleepUntil(t *testing.T) {
	q := New(8)
	now := time.Now()
	require.True(t, q.TryPark("late", now.Add(3*time.Hour)))
	require.True(t, q.TryPark("soon", now.Add(time.Hour)))
	require.True(t, q.TryPark("mid", now.Add(2*time.Hour)))

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "soon", snap[0].WorkOrderID)
	assert.Equal(t, "mid", snap[1].WorkOrderID)
	assert.Equal(t, "late", snap[2].WorkOrderID)
}
