package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"github.com/revops-tools/kpisync/pkg/config"
	"github.com/revops-tools/kpisync/pkg/connector/hubspot"
	"github.com/revops-tools/kpisync/pkg/connector/sheets"
	"github.com/revops-tools/kpisync/pkg/kpierrors"
	"github.com/revops-tools/kpisync/pkg/metrics"
)

// DealSource is the CRM surface the export job needs.
type DealSource interface {
	SearchDealsByStage(ctx context.Context, stageIDs []string) ([]hubspot.Object, error)
	Associations(ctx context.Context, fromType, objectID, toType string) ([]hubspot.Association, error)
	LineItem(ctx context.Context, lineItemID string, properties []string) (*hubspot.Object, error)
	PropertyUpdater
}

// SpreadsheetAPI is the sheet surface the export job needs: staging writes
// plus the read-back of sheet-computed ARR figures.
type SpreadsheetAPI interface {
	sheets.ValueWriter
	BatchGet(ctx context.Context, spreadsheetID string, ranges []string) ([]*sheetsv4.ValueRange, error)
}

// ARRExportJob stages active-deal line items into a spreadsheet and then
// writes the sheet-computed ARR figures back to CRM companies. The sheet
// holds the revenue formulas; the job only moves data both ways.
type ARRExportJob struct {
	crm           DealSource
	sheet         SpreadsheetAPI
	spreadsheetID string
	cfg           config.ARRConfig
	logger        *zap.Logger
	now           func() time.Time
}

// NewARRExportJob wires an export run.
func NewARRExportJob(crm DealSource, sheet SpreadsheetAPI, spreadsheetID string, cfg config.ARRConfig, logger *zap.Logger) *ARRExportJob {
	return &ARRExportJob{
		crm:           crm,
		sheet:         sheet,
		spreadsheetID: spreadsheetID,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// Run executes one staging pass. Association or line-item retrieval
// failures abort before the sheet is touched; a chunk write failure stops
// in place so already-written chunks survive. The company write-back
// aborts on the first failed update.
func (j *ARRExportJob) Run(ctx context.Context) (*Summary, error) {
	deals, err := j.crm.SearchDealsByStage(ctx, j.cfg.StageIDs)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "searching active deals")
	}
	if len(deals) == 0 {
		j.logger.Warn("no active deals found")
		return &Summary{}, nil
	}
	j.logger.Info("found active deals", zap.Int("deals", len(deals)))

	writer := sheets.NewBatchWriter(j.sheet, j.spreadsheetID,
		fmt.Sprintf("%s!%s", j.cfg.ImportSheet, j.cfg.ClearColumns),
		j.cfg.BatchSize, 2, j.logger)

	rowIndex := 2
	stagedAt := j.now().Format("2006-01-02 15:04:05")
	for _, deal := range deals {
		associations, err := j.crm.Associations(ctx, "deals", deal.ID, "line_items")
		if err != nil {
			return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection,
				fmt.Sprintf("fetching line item associations for deal %s", deal.ID))
		}
		if len(associations) == 0 {
			j.logger.Warn("deal has no line items", zap.String("deal_id", deal.ID))
			continue
		}

		for _, assoc := range associations {
			if assoc.ID == "" {
				continue
			}
			lineItem, err := j.crm.LineItem(ctx, assoc.ID, nil)
			if err != nil {
				return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection,
					fmt.Sprintf("fetching line item %s for deal %s", assoc.ID, deal.ID))
			}

			valueRange := fmt.Sprintf("%s!%s%d:%s%d",
				j.cfg.ImportSheet, j.cfg.FirstColumn, rowIndex, j.cfg.LastColumn, rowIndex)
			writer.Queue(valueRange, stagingRow(deal.Properties, lineItem.Properties, stagedAt))
			rowIndex++
		}
	}

	if writer.Len() == 0 {
		j.logger.Info("no line items to stage")
	} else {
		j.logger.Info("staging line item rows", zap.Int("rows", writer.Len()))
		if err := writer.Flush(ctx); err != nil {
			return nil, err
		}
	}

	return j.writeBackARR(ctx)
}

// writeBackARR reads the export range and pushes the computed revenue
// figures onto CRM companies.
func (j *ARRExportJob) writeBackARR(ctx context.Context) (*Summary, error) {
	valueRanges, err := j.sheet.BatchGet(ctx, j.spreadsheetID, []string{j.cfg.ExportRange})
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "reading ARR export range")
	}
	if len(valueRanges) == 0 || len(valueRanges[0].Values) == 0 {
		j.logger.Warn("no company ARR data found in sheet")
		return &Summary{}, nil
	}

	summary := &Summary{}
	// first row is the header
	for _, row := range valueRanges[0].Values[1:] {
		if len(row) < 4 {
			continue
		}
		summary.Entities++
		companyID := ""
		if row[0] != nil {
			companyID = fmt.Sprint(row[0])
		}
		if companyID == "" {
			j.logger.Warn("skipping ARR update with missing company id")
			summary.Skipped++
			metrics.EntitiesSkipped.WithLabelValues("arr_export", "missing_company_id").Inc()
			continue
		}

		properties := map[string]interface{}{
			"current_booked_arr":                 row[1],
			"current_nrr__mom_":                  row[2],
			"total_current_nrr__mom____weighted": row[3],
		}
		if err := j.crm.UpdateProperties(ctx, "companies", companyID, properties); err != nil {
			return summary, kpierrors.Wrap(err, kpierrors.ErrorTypeWrite,
				fmt.Sprintf("updating ARR for company %s", companyID))
		}
		summary.Updated++
	}

	j.logger.Info("arr export run complete",
		zap.Int("companies", summary.Entities),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// stagingRow lays out one line item as a sheet row. Column order is fixed
// by the receiving sheet's formulas, so changes here must move in lockstep
// with the spreadsheet.
func stagingRow(deal, lineItem map[string]string, stagedAt string) []interface{} {
	return []interface{}{
		deal["company_name"],
		deal["dealname"],
		lineItem["name"],
		deal["icp_sync"],
		deal["date_entered_upcoming_churn_sync"],
		deal["cs_active_sync"],
		lineItem["quantity"],
		lineItem["discount"],
		lineItem["recurringbillingfrequency"],
		lineItem["hs_recurring_billing_period"],
		lineItem["hs_recurring_billing_terms"],
		lineItem["hs_billing_start_delay_type"],
		lineItem["hs_recurring_billing_start_date"],
		lineItem["hs_post_tax_amount"],
		deal["client_cancellation_period_deals"],
		deal["hs_object_id"],
		deal["dealtype"],
		deal["contract_start_date"],
		deal["contract_end_date"],
		deal["contract_length"],
		deal["contract_renewal_date_deals"],
		deal["hs_is_closed_won"],
		deal["hs_is_closed"],
		deal["deal_currency_code"],
		deal["closedate"],
		deal["dealstage"],
		deal["pipeline"],
		deal["lifecycle_stage"],
		deal["hs_v2_date_entered_28032678"],
		deal["admin___ready_for_deletions___2506"],
		deal["company_id"],
		lineItem["hs_object_id"],
		stagedAt,
	}
}
