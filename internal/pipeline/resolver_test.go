package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revops-tools/kpisync/pkg/connector/hubspot"
	"github.com/revops-tools/kpisync/pkg/testutil"
)

// fakeSearcher resolves entity ids from a fixed table and counts lookups.
type fakeSearcher struct {
	companies map[string]string // entity id -> crm id
	failFor   map[string]bool
	calls     int
}

func (f *fakeSearcher) SearchCompanies(_ context.Context, filters map[string]string, _ []string) ([]hubspot.Object, error) {
	f.calls++
	entityID := filters["organisation_id"]
	if f.failFor[entityID] {
		return nil, fmt.Errorf("search unavailable")
	}
	crmID, ok := f.companies[entityID]
	if !ok {
		return nil, nil
	}
	return []hubspot.Object{{ID: crmID}}, nil
}

func TestResolveCachesHits(t *testing.T) {
	searcher := &fakeSearcher{companies: map[string]string{"org-1": "101"}}
	r := NewCompanyResolver(searcher, "organisation_id", testutil.TestLogger(t))

	for i := 0; i < 3; i++ {
		crmID, found, err := r.Resolve(testutil.TestContext(t), "org-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "101", crmID)
	}
	assert.Equal(t, 1, searcher.calls)
}

func TestResolveCachesMisses(t *testing.T) {
	searcher := &fakeSearcher{companies: map[string]string{}}
	r := NewCompanyResolver(searcher, "organisation_id", testutil.TestLogger(t))

	for i := 0; i < 3; i++ {
		_, found, err := r.Resolve(testutil.TestContext(t), "org-unknown")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, 1, searcher.calls)
}

func TestResolveCachesLookupFailures(t *testing.T) {
	searcher := &fakeSearcher{failFor: map[string]bool{"org-1": true}}
	r := NewCompanyResolver(searcher, "organisation_id", testutil.TestLogger(t))

	_, found, err := r.Resolve(testutil.TestContext(t), "org-1")
	require.Error(t, err)
	assert.False(t, found)

	// the failure is cached as a miss, no second network call
	_, found, err = r.Resolve(testutil.TestContext(t), "org-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, searcher.calls)
}

func TestResolveDistinctEntities(t *testing.T) {
	searcher := &fakeSearcher{companies: map[string]string{"org-1": "101", "org-2": "102"}}
	r := NewCompanyResolver(searcher, "organisation_id", testutil.TestLogger(t))

	_, _, err := r.Resolve(testutil.TestContext(t), "org-1")
	require.NoError(t, err)
	_, _, err = r.Resolve(testutil.TestContext(t), "org-2")
	require.NoError(t, err)

	assert.Equal(t, 2, searcher.calls)
	assert.Equal(t, 2, r.Len())
}
