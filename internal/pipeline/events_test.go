package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revops-tools/kpisync/pkg/config"
	"github.com/revops-tools/kpisync/pkg/connector/mixpanel"
	"github.com/revops-tools/kpisync/pkg/testutil"
)

// sliceIterator replays canned events and optionally fails at the end.
type sliceIterator struct {
	events []*mixpanel.ExportedEvent
	pos    int
	err    error
	closed bool
}

func (it *sliceIterator) Next() (*mixpanel.ExportedEvent, bool) {
	if it.pos >= len(it.events) {
		return nil, false
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, true
}

func (it *sliceIterator) Err() error   { return it.err }
func (it *sliceIterator) Close() error { it.closed = true; return nil }

type fakeEventSource struct {
	entities   []string
	iterator   *sliceIterator
	eventNames []string
	from, to   time.Time
}

func (f *fakeEventSource) PropertyValues(context.Context, string, int) ([]string, error) {
	return f.entities, nil
}

func (f *fakeEventSource) ExportEvents(_ context.Context, eventNames []string, from, to time.Time) (EventIterator, error) {
	f.eventNames = eventNames
	f.from = from
	f.to = to
	return f.iterator, nil
}

func eventsConfig() config.EventsConfig {
	return config.EventsConfig{
		WindowDays:           90,
		EntityProperty:       "organization_id",
		EntityFilterProperty: "organisation_id",
		Mappings: []config.EventMapping{
			{Event: "Session start", Property: "user_sessions_past_90_days"},
			{Event: "page-view", Keywords: map[string]string{"dashboard": "dashboard_views_past_90_days"}},
		},
	}
}

func exported(name, insertID, orgID, url string) *mixpanel.ExportedEvent {
	props := map[string]interface{}{}
	if insertID != "" {
		props["$insert_id"] = insertID
	}
	if orgID != "" {
		props["organization_id"] = orgID
	}
	if url != "" {
		props["url"] = url
	}
	return &mixpanel.ExportedEvent{Event: name, Properties: props}
}

func TestProductEventsRunAggregatesAndUpdates(t *testing.T) {
	source := &fakeEventSource{
		entities: []string{"org-1", "org-2"},
		iterator: &sliceIterator{events: []*mixpanel.ExportedEvent{
			exported("Session start", "s1", "org-1", ""),
			exported("Session start", "s1", "org-1", ""), // duplicate
			exported("Session start", "s2", "org-1", ""),
			exported("page-view", "p1", "org-1", "https://app.example.com/dashboard"),
			exported("page-view", "p2", "org-1", "https://app.example.com/dashboard/settings"),
			exported("page-view", "p3", "org-1", "https://app.example.com/pricing"),
			exported("Session start", "s3", "UNKNOWN", ""),
			exported("checkout", "c1", "org-1", ""), // untracked
		}},
	}
	crm := &fakeCRM{fakeSearcher: fakeSearcher{companies: map[string]string{"org-1": "101", "org-2": "102"}}}

	job := NewProductEventsJob(source, crm, eventsConfig(), testutil.TestLogger(t))
	summary, err := job.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Updated)
	assert.True(t, source.iterator.closed)
	assert.Equal(t, []string{"Session start", "page-view"}, source.eventNames)
	assert.WithinDuration(t, source.to.AddDate(0, 0, -90), source.from, time.Second)

	require.Len(t, crm.updates, 2)
	active := crm.updates[0]
	assert.Equal(t, "101", active.objectID)
	assert.Equal(t, 2, active.properties["user_sessions_past_90_days"])
	assert.Equal(t, 2, active.properties["dashboard_views_past_90_days"])

	// pre-seeded entity with no activity still gets explicit zeros
	idle := crm.updates[1]
	assert.Equal(t, "102", idle.objectID)
	assert.Equal(t, 0, idle.properties["user_sessions_past_90_days"])
	assert.Equal(t, 0, idle.properties["dashboard_views_past_90_days"])
}

func TestProductEventsRunSkipsUnresolvedEntities(t *testing.T) {
	source := &fakeEventSource{
		entities: []string{"org-ghost"},
		iterator: &sliceIterator{},
	}
	crm := &fakeCRM{fakeSearcher: fakeSearcher{companies: map[string]string{}}}

	job := NewProductEventsJob(source, crm, eventsConfig(), testutil.TestLogger(t))
	summary, err := job.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, crm.updates)
}

func TestProductEventsRunStreamFailureAbortsBeforeWrites(t *testing.T) {
	source := &fakeEventSource{
		entities: []string{"org-1"},
		iterator: &sliceIterator{
			events: []*mixpanel.ExportedEvent{exported("Session start", "s1", "org-1", "")},
			err:    fmt.Errorf("connection reset"),
		},
	}
	crm := &fakeCRM{fakeSearcher: fakeSearcher{companies: map[string]string{"org-1": "101"}}}

	job := NewProductEventsJob(source, crm, eventsConfig(), testutil.TestLogger(t))
	_, err := job.Run(testutil.TestContext(t))
	require.Error(t, err)
	assert.Empty(t, crm.updates)
}

func TestProductEventsRunWriteFailureAborts(t *testing.T) {
	source := &fakeEventSource{
		entities: []string{"org-1", "org-2"},
		iterator: &sliceIterator{},
	}
	crm := &fakeCRM{
		fakeSearcher: fakeSearcher{companies: map[string]string{"org-1": "101", "org-2": "102"}},
		failUpdateOn: "101",
	}

	job := NewProductEventsJob(source, crm, eventsConfig(), testutil.TestLogger(t))
	_, err := job.Run(testutil.TestContext(t))
	require.Error(t, err)
	assert.Empty(t, crm.updates)
}
