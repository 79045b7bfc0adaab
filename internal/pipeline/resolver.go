package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/revops-tools/kpisync/pkg/connector/hubspot"
)

// CompanySearcher is the CRM lookup surface the resolver needs.
type CompanySearcher interface {
	SearchCompanies(ctx context.Context, filters map[string]string, properties []string) ([]hubspot.Object, error)
}

type resolution struct {
	crmID string
	found bool
}

// CompanyResolver maps warehouse entity ids to CRM object ids, caching
// both hits and misses for the lifetime of a run. A miss is cached so the
// same unknown entity never triggers a second lookup, and lookup errors
// are cached as misses for the same reason. Check-then-insert is atomic
// per key: the lock is held across the remote lookup.
type CompanyResolver struct {
	searcher       CompanySearcher
	filterProperty string
	logger         *zap.Logger

	mu      sync.Mutex
	entries map[string]resolution
}

// NewCompanyResolver builds a resolver that matches companies on
// filterProperty equality.
func NewCompanyResolver(searcher CompanySearcher, filterProperty string, logger *zap.Logger) *CompanyResolver {
	return &CompanyResolver{
		searcher:       searcher,
		filterProperty: filterProperty,
		logger:         logger,
		entries:        make(map[string]resolution),
	}
}

// Resolve returns the CRM id for entityID, or found=false when the CRM
// has no matching company. The error is non-nil only for a lookup failure,
// which is also recorded as a miss.
func (r *CompanyResolver) Resolve(ctx context.Context, entityID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.entries[entityID]; ok {
		return res.crmID, res.found, nil
	}

	objects, err := r.searcher.SearchCompanies(ctx, map[string]string{r.filterProperty: entityID}, []string{r.filterProperty})
	if err != nil {
		r.entries[entityID] = resolution{}
		return "", false, err
	}
	if len(objects) == 0 {
		r.entries[entityID] = resolution{}
		return "", false, nil
	}
	if len(objects) > 1 {
		r.logger.Warn("multiple companies match entity, using first",
			zap.String("entity_id", entityID),
			zap.Int("matches", len(objects)))
	}

	res := resolution{crmID: objects[0].ID, found: true}
	r.entries[entityID] = res
	return res.crmID, true, nil
}

// Len returns the number of cached resolutions, hits and misses included.
func (r *CompanyResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
