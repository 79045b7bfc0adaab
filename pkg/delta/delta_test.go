package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(day int) time.Time {
	return time.Date(2026, time.August, day, 6, 0, 0, 0, time.UTC)
}

func TestComputeLastMinusFirst(t *testing.T) {
	rows := Compute([]Snapshot{
		{EntityID: "org-1", Metric: "log_entries", Value: 10, Timestamp: ts(1)},
		{EntityID: "org-1", Metric: "log_entries", Value: 25, Timestamp: ts(10)},
		{EntityID: "org-1", Metric: "log_entries", Value: 40, Timestamp: ts(20)},
	})

	require.Len(t, rows, 1)
	assert.Equal(t, 10.0, rows[0].First)
	assert.Equal(t, 40.0, rows[0].Last)
	assert.Equal(t, 30.0, rows[0].Delta)
}

func TestComputeOrderIndependent(t *testing.T) {
	rows := Compute([]Snapshot{
		{EntityID: "org-1", Metric: "log_entries", Value: 40, Timestamp: ts(20)},
		{EntityID: "org-1", Metric: "log_entries", Value: 10, Timestamp: ts(1)},
		{EntityID: "org-1", Metric: "log_entries", Value: 25, Timestamp: ts(10)},
	})

	require.Len(t, rows, 1)
	assert.Equal(t, 30.0, rows[0].Delta)
}

func TestComputeSingleSnapshotZeroDelta(t *testing.T) {
	rows := Compute([]Snapshot{
		{EntityID: "org-1", Metric: "log_entries", Value: 17, Timestamp: ts(5)},
	})

	require.Len(t, rows, 1)
	assert.Equal(t, 17.0, rows[0].First)
	assert.Equal(t, 17.0, rows[0].Last)
	assert.Equal(t, 0.0, rows[0].Delta)
}

func TestComputeEmptyInput(t *testing.T) {
	assert.Empty(t, Compute(nil))
}

func TestComputePartitionsIndependent(t *testing.T) {
	rows := Compute([]Snapshot{
		{EntityID: "org-1", Metric: "log_entries", Value: 5, Timestamp: ts(1)},
		{EntityID: "org-1", Metric: "log_entries", Value: 9, Timestamp: ts(9)},
		{EntityID: "org-1", Metric: "bulk_imports", Value: 100, Timestamp: ts(2)},
		{EntityID: "org-1", Metric: "bulk_imports", Value: 150, Timestamp: ts(8)},
		{EntityID: "org-2", Metric: "log_entries", Value: 3, Timestamp: ts(3)},
	})

	require.Len(t, rows, 3)
	// sorted by entity then metric
	assert.Equal(t, "bulk_imports", rows[0].Metric)
	assert.Equal(t, 50.0, rows[0].Delta)
	assert.Equal(t, "log_entries", rows[1].Metric)
	assert.Equal(t, 4.0, rows[1].Delta)
	assert.Equal(t, "org-2", rows[2].EntityID)
	assert.Equal(t, 0.0, rows[2].Delta)
}

func TestComputeNegativeDeltaPreserved(t *testing.T) {
	rows := Compute([]Snapshot{
		{EntityID: "org-1", Metric: "log_entries", Value: 40, Timestamp: ts(1)},
		{EntityID: "org-1", Metric: "log_entries", Value: 15, Timestamp: ts(9)},
	})

	require.Len(t, rows, 1)
	assert.Equal(t, -25.0, rows[0].Delta)
}

func TestComputeKeepsEntityName(t *testing.T) {
	rows := Compute([]Snapshot{
		{EntityID: "org-1", EntityName: "Acme", Metric: "log_entries", Value: 1, Timestamp: ts(1)},
	})

	require.Len(t, rows, 1)
	assert.Equal(t, "Acme", rows[0].EntityName)
}
