package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/revops-tools/kpisync/pkg/aggregate"
	"github.com/revops-tools/kpisync/pkg/config"
	"github.com/revops-tools/kpisync/pkg/connector/mixpanel"
	"github.com/revops-tools/kpisync/pkg/kpierrors"
	"github.com/revops-tools/kpisync/pkg/metrics"
)

// EventIterator walks an export stream. Err reports the stream failure,
// if any, once Next has returned false.
type EventIterator interface {
	Next() (*mixpanel.ExportedEvent, bool)
	Err() error
	Close() error
}

// EventSource is the analytics surface the events job needs.
type EventSource interface {
	PropertyValues(ctx context.Context, propertyName string, limit int) ([]string, error)
	ExportEvents(ctx context.Context, eventNames []string, from, to time.Time) (EventIterator, error)
}

// ProductEventsJob folds a raw event export into per-entity usage counters
// and writes them to CRM company properties. Entities discovered from the
// analytics property index are pre-seeded so zero activity is written as
// an explicit zero rather than left stale.
type ProductEventsJob struct {
	source EventSource
	crm    DeltaCRM
	cfg    config.EventsConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewProductEventsJob wires an event aggregation run.
func NewProductEventsJob(source EventSource, crm DeltaCRM, cfg config.EventsConfig, logger *zap.Logger) *ProductEventsJob {
	return &ProductEventsJob{
		source: source,
		crm:    crm,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one aggregation sync. A mid-stream export failure aborts
// the run before any CRM write, so partial windows are never written.
func (j *ProductEventsJob) Run(ctx context.Context) (*Summary, error) {
	mappings := make(map[string]aggregate.PropertyMapping, len(j.cfg.Mappings))
	eventNames := make([]string, 0, len(j.cfg.Mappings))
	for _, m := range j.cfg.Mappings {
		eventNames = append(eventNames, m.Event)
		if m.Property != "" {
			mappings[m.Event] = aggregate.DirectCount(m.Property)
		} else {
			mappings[m.Event] = aggregate.KeywordRules(m.Keywords)
		}
	}

	entities, err := j.source.PropertyValues(ctx, j.cfg.EntityProperty, 0)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "fetching known entities")
	}
	agg := aggregate.NewAggregator(mappings, entities)
	j.logger.Info("pre-seeded entities", zap.Int("entities", len(entities)))

	to := j.now()
	from := to.AddDate(0, 0, -j.cfg.WindowDays)
	stream, err := j.source.ExportEvents(ctx, eventNames, from, to)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "opening event export")
	}
	defer stream.Close()

	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		outcome := agg.Add(aggregate.Event{
			Name:     ev.Event,
			InsertID: ev.InsertID(),
			EntityID: ev.StringProp(j.cfg.EntityProperty),
			URL:      ev.StringProp("url"),
		})
		metrics.EventsProcessed.WithLabelValues(ev.Event, string(outcome)).Inc()
	}
	if err := stream.Err(); err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "reading event export stream")
	}

	stats := agg.Stats()
	j.logger.Info("event stream aggregated",
		zap.Int("aggregated", stats.Aggregated),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("unattributed", stats.Unattributed),
		zap.Int("untracked", stats.Untracked))

	updates, err := agg.Flush()
	if err != nil {
		return nil, err
	}

	resolver := NewCompanyResolver(j.crm, j.cfg.EntityFilterProperty, j.logger)
	summary := &Summary{}

	for _, update := range updates {
		res := j.syncEntity(ctx, resolver, update)
		summary.record(res)
		if res.Status == StatusFailed {
			return summary, res.Err
		}
		if res.Status == StatusSkipped {
			j.logger.Warn("skipping entity",
				zap.String("entity_id", update.EntityID),
				zap.String("reason", res.Reason))
			metrics.EntitiesSkipped.WithLabelValues("product_events", res.Reason).Inc()
		}
	}

	j.logger.Info("product events run complete",
		zap.Int("entities", summary.Entities),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

func (j *ProductEventsJob) syncEntity(ctx context.Context, resolver *CompanyResolver, update aggregate.Update) Result {
	crmID, found, err := resolver.Resolve(ctx, update.EntityID)
	if err != nil {
		j.logger.Warn("company lookup failed", zap.String("entity_id", update.EntityID), zap.Error(err))
		return Skip(update.EntityID, "lookup_failed")
	}
	if !found {
		return Skip(update.EntityID, "no_crm_match")
	}

	properties := make(map[string]interface{}, len(update.Properties))
	for property, count := range update.Properties {
		properties[property] = count
	}

	if err := j.crm.UpdateProperties(ctx, "companies", crmID, properties); err != nil {
		return Fail(update.EntityID, err)
	}
	return OK(update.EntityID)
}
