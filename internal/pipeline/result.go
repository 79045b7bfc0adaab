// Package pipeline composes the connectors into end-to-end sync runs. A
// run is a sequential pipeline: fetch, aggregate or compute deltas,
// resolve entities, write. All run-scoped state (resolution cache, seen-id
// sets, buckets) is constructed per run and discarded with it.
package pipeline

// Status classifies the outcome of one pipeline item.
type Status int

const (
	// StatusOK means the item was synced
	StatusOK Status = iota
	// StatusSkipped means the item was dropped without aborting the run
	StatusSkipped
	// StatusFailed means the item hit a run-fatal error
	StatusFailed
)

// Result is the outcome of processing one entity. The orchestrator decides
// continue-vs-abort centrally from the status rather than per call site.
type Result struct {
	EntityID string
	Status   Status
	Reason   string
	Err      error
}

// OK reports a synced entity.
func OK(entityID string) Result {
	return Result{EntityID: entityID, Status: StatusOK}
}

// Skip reports an entity dropped for a recoverable reason.
func Skip(entityID, reason string) Result {
	return Result{EntityID: entityID, Status: StatusSkipped, Reason: reason}
}

// Fail reports a run-fatal error on an entity.
func Fail(entityID string, err error) Result {
	return Result{EntityID: entityID, Status: StatusFailed, Err: err}
}

// Summary aggregates the per-entity outcomes of a run. Work committed
// before a failure is not rolled back, so Updated can be non-zero even
// when the run returned an error.
type Summary struct {
	Entities int
	Updated  int
	Skipped  int
}

func (s *Summary) record(res Result) {
	s.Entities++
	switch res.Status {
	case StatusOK:
		s.Updated++
	case StatusSkipped:
		s.Skipped++
	}
}
