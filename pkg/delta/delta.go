// Package delta converts cumulative metric snapshots into trailing-window
// deltas. Warehouse values are running totals at a point in time, so the
// delta for a window is last-minus-first, never a sum; summing cumulative
// snapshots would overcount by the number of snapshots taken.
package delta

import (
	"sort"
	"time"
)

// Snapshot is one periodic metric value for an entity, already restricted
// to the trailing window by the caller.
type Snapshot struct {
	EntityID   string
	EntityName string
	Metric     string
	Value      float64
	Timestamp  time.Time
}

// Row is the derived delta for one (entity, metric) partition. First and
// Last are the chronologically earliest and latest values in the window.
type Row struct {
	EntityID   string
	EntityName string
	Metric     string
	First      float64
	Last       float64
	Delta      float64
}

type partitionKey struct {
	entityID string
	metric   string
}

type partition struct {
	entityName string
	first      Snapshot
	last       Snapshot
}

// Compute derives one Row per (entity, metric) partition present in the
// input. Input ordering is irrelevant. A single-snapshot partition yields
// a zero delta; a partition with no snapshots yields no row at all, which
// callers must treat as "no data", distinct from a zero delta. Output is
// sorted by entity id then metric so runs are reproducible.
func Compute(snapshots []Snapshot) []Row {
	partitions := make(map[partitionKey]*partition)

	for _, snap := range snapshots {
		key := partitionKey{entityID: snap.EntityID, metric: snap.Metric}
		p, ok := partitions[key]
		if !ok {
			partitions[key] = &partition{
				entityName: snap.EntityName,
				first:      snap,
				last:       snap,
			}
			continue
		}

		if snap.Timestamp.Before(p.first.Timestamp) {
			p.first = snap
		}
		if !snap.Timestamp.Before(p.last.Timestamp) {
			p.last = snap
		}
		if p.entityName == "" {
			p.entityName = snap.EntityName
		}
	}

	rows := make([]Row, 0, len(partitions))
	for key, p := range partitions {
		rows = append(rows, Row{
			EntityID:   key.entityID,
			EntityName: p.entityName,
			Metric:     key.metric,
			First:      p.first.Value,
			Last:       p.last.Value,
			Delta:      p.last.Value - p.first.Value,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].EntityID != rows[j].EntityID {
			return rows[i].EntityID < rows[j].EntityID
		}
		return rows[i].Metric < rows[j].Metric
	})

	return rows
}
