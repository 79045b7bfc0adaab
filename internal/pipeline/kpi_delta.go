package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/revops-tools/kpisync/pkg/config"
	"github.com/revops-tools/kpisync/pkg/delta"
	"github.com/revops-tools/kpisync/pkg/kpierrors"
	"github.com/revops-tools/kpisync/pkg/metrics"
)

// SnapshotSource yields windowed metric snapshots from the warehouse.
type SnapshotSource interface {
	FetchSnapshots(ctx context.Context, windowStart time.Time, metrics []string) ([]delta.Snapshot, error)
}

// PropertyUpdater is the CRM write surface shared by all jobs.
type PropertyUpdater interface {
	UpdateProperties(ctx context.Context, objectType, objectID string, properties map[string]interface{}) error
}

// DeltaCRM is the CRM surface the delta job needs.
type DeltaCRM interface {
	CompanySearcher
	PropertyUpdater
}

// KPIDeltaJob reconciles warehouse metric deltas into CRM company
// properties. One run covers the trailing window; deltas are recomputed
// from scratch each time, so reruns converge on the same end state.
type KPIDeltaJob struct {
	source SnapshotSource
	crm    DeltaCRM
	cfg    config.KPIDeltaConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewKPIDeltaJob wires a delta run. now is used to anchor the trailing
// window.
func NewKPIDeltaJob(source SnapshotSource, crm DeltaCRM, cfg config.KPIDeltaConfig, logger *zap.Logger) *KPIDeltaJob {
	return &KPIDeltaJob{
		source: source,
		crm:    crm,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one delta sync. An entity that cannot be resolved in the
// CRM is skipped; a CRM write failure aborts the run. Updates already
// applied before an abort stay applied.
func (j *KPIDeltaJob) Run(ctx context.Context) (*Summary, error) {
	windowStart := j.now().AddDate(0, 0, -j.cfg.WindowDays)

	metricNames := make([]string, 0, len(j.cfg.Metrics))
	propertyByMetric := make(map[string]string, len(j.cfg.Metrics))
	for _, m := range j.cfg.Metrics {
		metricNames = append(metricNames, m.Metric)
		propertyByMetric[m.Metric] = m.Property
	}

	snapshots, err := j.source.FetchSnapshots(ctx, windowStart, metricNames)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "fetching warehouse snapshots")
	}
	rows := delta.Compute(snapshots)
	j.logger.Info("computed metric deltas",
		zap.Int("snapshots", len(snapshots)),
		zap.Int("rows", len(rows)),
		zap.Time("window_start", windowStart))

	// rows are sorted by entity, so grouping preserves order without a
	// second sort.
	var entityOrder []string
	byEntity := make(map[string][]delta.Row)
	for _, row := range rows {
		if _, ok := byEntity[row.EntityID]; !ok {
			entityOrder = append(entityOrder, row.EntityID)
		}
		byEntity[row.EntityID] = append(byEntity[row.EntityID], row)
	}

	resolver := NewCompanyResolver(j.crm, j.cfg.EntityFilterProperty, j.logger)
	summary := &Summary{}

	for _, entityID := range entityOrder {
		res := j.syncEntity(ctx, resolver, entityID, byEntity[entityID], propertyByMetric)
		summary.record(res)
		if res.Status == StatusFailed {
			return summary, res.Err
		}
		if res.Status == StatusSkipped {
			j.logger.Warn("skipping entity",
				zap.String("entity_id", entityID),
				zap.String("reason", res.Reason))
			metrics.EntitiesSkipped.WithLabelValues("kpi_delta", res.Reason).Inc()
		}
	}

	j.logger.Info("kpi delta run complete",
		zap.Int("entities", summary.Entities),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

func (j *KPIDeltaJob) syncEntity(ctx context.Context, resolver *CompanyResolver, entityID string, rows []delta.Row, propertyByMetric map[string]string) Result {
	crmID, found, err := resolver.Resolve(ctx, entityID)
	if err != nil {
		j.logger.Warn("company lookup failed", zap.String("entity_id", entityID), zap.Error(err))
		return Skip(entityID, "lookup_failed")
	}
	if !found {
		return Skip(entityID, "no_crm_match")
	}

	properties := make(map[string]interface{})
	for _, row := range rows {
		property, ok := propertyByMetric[row.Metric]
		if !ok {
			continue
		}
		properties[property] = row.Delta
	}
	if len(properties) == 0 {
		return Skip(entityID, "no_mapped_metrics")
	}

	if err := j.crm.UpdateProperties(ctx, "companies", crmID, properties); err != nil {
		return Fail(entityID, err)
	}
	j.logger.Info("updated company deltas",
		zap.String("entity_id", entityID),
		zap.String("company_id", crmID),
		zap.Int("properties", len(properties)))
	return OK(entityID)
}
