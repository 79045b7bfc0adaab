// Package aggregate turns a raw, possibly-duplicated event stream into
// per-entity counters. An Aggregator is constructed per run, fed each
// surviving event exactly once, and flushed exactly once; all state (seen
// identifiers, counting buckets) is owned by the value and discarded with
// it, so concurrent runs never share state.
package aggregate

import (
	"sort"
	"strings"

	"github.com/revops-tools/kpisync/pkg/kpierrors"
)

// UnknownEntity is the sentinel entity id that upstreams emit when an
// event cannot be attributed.
const UnknownEntity = "UNKNOWN"

// Event is a single record from the export stream. InsertID may be empty;
// such events participate fully in counting since their duplicates cannot
// be detected.
type Event struct {
	Name     string
	InsertID string
	EntityID string
	URL      string
}

// PropertyMapping decides how a tracked event's counters become destination
// properties. It is a closed variant: DirectCount emits the raw count under
// one property, KeywordRules emits per-keyword substring counts over the
// collected URLs.
type PropertyMapping interface {
	destinationProperties() []string
}

// DirectCount maps an event's count to a single destination property.
type DirectCount string

func (d DirectCount) destinationProperties() []string {
	return []string{string(d)}
}

// KeywordRules maps URL keywords to destination properties. Each rule is
// evaluated independently, so one URL may count toward several rules.
type KeywordRules map[string]string

func (k KeywordRules) destinationProperties() []string {
	props := make([]string, 0, len(k))
	for _, property := range k {
		props = append(props, property)
	}
	sort.Strings(props)
	return props
}

// Outcome classifies what Add did with an event.
type Outcome string

const (
	// OutcomeAggregated means the event was counted
	OutcomeAggregated Outcome = "aggregated"
	// OutcomeDuplicate means the insert id was already seen for this event name
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnattributed means the event carried no usable entity id
	OutcomeUnattributed Outcome = "unattributed"
	// OutcomeUntracked means the event name is not in the mapping table
	OutcomeUntracked Outcome = "untracked"
)

// Update is one entity's flushed property counts.
type Update struct {
	EntityID   string
	Properties map[string]int
}

// Stats summarizes one aggregation run.
type Stats struct {
	Aggregated   int
	Duplicates   int
	Unattributed int
	Untracked    int
}

type bucketKey struct {
	entityID string
	event    string
}

// bucket accumulates one (entity, event) pair. It is created lazily on the
// first surviving event, or pre-seeded so zero-activity entities still
// emit an explicit zero.
type bucket struct {
	count int
	urls  []string
}

// Aggregator deduplicates and folds an event stream into per-entity
// counters. Not safe for concurrent use; a run feeds one stream to
// completion before flushing.
type Aggregator struct {
	mappings map[string]PropertyMapping
	seen     map[string]map[string]struct{}
	buckets  map[bucketKey]*bucket
	stats    Stats
	flushed  bool
}

// NewAggregator creates an aggregator for the tracked event mappings,
// pre-seeding a zero bucket for every known entity and every tracked
// event so absent activity is reported as zero rather than missing.
func NewAggregator(mappings map[string]PropertyMapping, knownEntities []string) *Aggregator {
	a := &Aggregator{
		mappings: mappings,
		seen:     make(map[string]map[string]struct{}, len(mappings)),
		buckets:  make(map[bucketKey]*bucket, len(mappings)*len(knownEntities)),
	}

	for event := range mappings {
		a.seen[event] = make(map[string]struct{})
		for _, entityID := range knownEntities {
			a.buckets[bucketKey{entityID: entityID, event: event}] = &bucket{}
		}
	}

	return a
}

// Add consumes one event. Duplicates are discarded silently before any
// bucket mutation; events without an attributable entity are dropped after
// their insert id is recorded as seen. Entities outside the pre-seeded set
// still get a fresh bucket, so late-arriving entities are not lost.
func (a *Aggregator) Add(ev Event) Outcome {
	mapping, tracked := a.mappings[ev.Name]
	if !tracked {
		a.stats.Untracked++
		return OutcomeUntracked
	}

	if ev.InsertID != "" {
		if _, dup := a.seen[ev.Name][ev.InsertID]; dup {
			a.stats.Duplicates++
			return OutcomeDuplicate
		}
		a.seen[ev.Name][ev.InsertID] = struct{}{}
	}

	if ev.EntityID == "" || ev.EntityID == UnknownEntity {
		a.stats.Unattributed++
		return OutcomeUnattributed
	}

	key := bucketKey{entityID: ev.EntityID, event: ev.Name}
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{}
		a.buckets[key] = b
	}

	b.count++
	if _, keyword := mapping.(KeywordRules); keyword && ev.URL != "" {
		b.urls = append(b.urls, ev.URL)
	}

	a.stats.Aggregated++
	return OutcomeAggregated
}

// Flush emits the final per-entity property counts and moves the
// aggregator to its terminal state. A second Flush is an error; a fresh
// aggregator must be constructed per run.
func (a *Aggregator) Flush() ([]Update, error) {
	if a.flushed {
		return nil, kpierrors.New(kpierrors.ErrorTypeValidation, "aggregator already flushed")
	}
	a.flushed = true

	byEntity := make(map[string]map[string]int)
	for key, b := range a.buckets {
		props := byEntity[key.entityID]
		if props == nil {
			props = make(map[string]int)
			byEntity[key.entityID] = props
		}

		switch mapping := a.mappings[key.event].(type) {
		case DirectCount:
			props[string(mapping)] += b.count
		case KeywordRules:
			for keyword, property := range mapping {
				props[property] += countContaining(b.urls, keyword)
			}
		}
	}

	updates := make([]Update, 0, len(byEntity))
	for entityID, props := range byEntity {
		updates = append(updates, Update{EntityID: entityID, Properties: props})
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].EntityID < updates[j].EntityID
	})

	return updates, nil
}

// Stats returns counters for the run so far.
func (a *Aggregator) Stats() Stats {
	return a.stats
}

// countContaining counts samples containing the keyword as a substring.
// Matching is case-sensitive and rules are independent of one another.
func countContaining(samples []string, keyword string) int {
	n := 0
	for _, sample := range samples {
		if strings.Contains(sample, keyword) {
			n++
		}
	}
	return n
}
