package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"github.com/revops-tools/kpisync/pkg/config"
	"github.com/revops-tools/kpisync/pkg/connector/hubspot"
	"github.com/revops-tools/kpisync/pkg/testutil"
)

type fakeDealSource struct {
	deals        []hubspot.Object
	associations map[string][]hubspot.Association
	lineItems    map[string]*hubspot.Object
	updates      []recordedUpdate
	failUpdateOn string
}

func (f *fakeDealSource) SearchDealsByStage(context.Context, []string) ([]hubspot.Object, error) {
	return f.deals, nil
}

func (f *fakeDealSource) Associations(_ context.Context, _, objectID, _ string) ([]hubspot.Association, error) {
	return f.associations[objectID], nil
}

func (f *fakeDealSource) LineItem(_ context.Context, lineItemID string, _ []string) (*hubspot.Object, error) {
	li, ok := f.lineItems[lineItemID]
	if !ok {
		return nil, fmt.Errorf("line item %s not found", lineItemID)
	}
	return li, nil
}

func (f *fakeDealSource) UpdateProperties(_ context.Context, objectType, objectID string, properties map[string]interface{}) error {
	if f.failUpdateOn != "" && objectID == f.failUpdateOn {
		return fmt.Errorf("update rejected")
	}
	f.updates = append(f.updates, recordedUpdate{objectType: objectType, objectID: objectID, properties: properties})
	return nil
}

type fakeSheet struct {
	clears    []string
	written   []*sheetsv4.ValueRange
	exportTab [][]interface{}
}

func (f *fakeSheet) Clear(_ context.Context, _, valueRange string) error {
	f.clears = append(f.clears, valueRange)
	return nil
}

func (f *fakeSheet) BatchUpdate(_ context.Context, _ string, data []*sheetsv4.ValueRange) error {
	f.written = append(f.written, data...)
	return nil
}

func (f *fakeSheet) BatchGet(_ context.Context, _ string, _ []string) ([]*sheetsv4.ValueRange, error) {
	return []*sheetsv4.ValueRange{{Values: f.exportTab}}, nil
}

func arrConfig() config.ARRConfig {
	return config.ARRConfig{
		StageIDs:     []string{"presentationscheduled"},
		ImportSheet:  "Import",
		ClearColumns: "A2:AG",
		FirstColumn:  "A",
		LastColumn:   "AG",
		ExportRange:  "Export!A1:D",
		BatchSize:    200,
	}
}

func arrFixture() *fakeDealSource {
	return &fakeDealSource{
		deals: []hubspot.Object{
			{ID: "d1", Properties: map[string]string{
				"company_name": "Acme",
				"dealname":     "Acme Renewal",
				"hs_object_id": "d1",
			}},
			{ID: "d2", Properties: map[string]string{"company_name": "NoLines"}},
		},
		associations: map[string][]hubspot.Association{
			"d1": {{ID: "li1"}, {ID: "li2"}},
		},
		lineItems: map[string]*hubspot.Object{
			"li1": {ID: "li1", Properties: map[string]string{"name": "Pro Plan", "quantity": "3", "hs_object_id": "li1"}},
			"li2": {ID: "li2", Properties: map[string]string{"name": "Support", "hs_object_id": "li2"}},
		},
	}
}

func TestARRExportStagesLineItemRows(t *testing.T) {
	crm := arrFixture()
	sheet := &fakeSheet{exportTab: [][]interface{}{{"header"}}}

	job := NewARRExportJob(crm, sheet, "sheet-id", arrConfig(), testutil.TestLogger(t))
	_, err := job.Run(testutil.TestContext(t))
	require.NoError(t, err)

	// one row per line item, the no-line-item deal contributes none
	require.Len(t, sheet.written, 2)
	assert.Equal(t, "Import!A2:AG2", sheet.written[0].Range)
	assert.Equal(t, "Import!A3:AG3", sheet.written[1].Range)
	assert.Equal(t, []string{"Import!A2:AG"}, sheet.clears)

	row := sheet.written[0].Values[0]
	require.Len(t, row, 33)
	assert.Equal(t, "Acme", row[0])
	assert.Equal(t, "Acme Renewal", row[1])
	assert.Equal(t, "Pro Plan", row[2])
	assert.Equal(t, "3", row[6])
	assert.Equal(t, "li1", row[31])
	assert.NotEmpty(t, row[32]) // staging timestamp

	// both rows carry the same staging timestamp
	assert.Equal(t, row[32], sheet.written[1].Values[0][32])
}

func TestARRExportWritesBackCompanyARR(t *testing.T) {
	crm := arrFixture()
	sheet := &fakeSheet{exportTab: [][]interface{}{
		{"Company ID", "ARR", "NRR", "Weighted"},
		{"101", "120000", "1.05", "0.9"},
		{"", "0", "0", "0"}, // missing company id is skipped
		{"102", "40000", "0.98", "0.7"},
	}}

	job := NewARRExportJob(crm, sheet, "sheet-id", arrConfig(), testutil.TestLogger(t))
	summary, err := job.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, crm.updates, 2)
	assert.Equal(t, "companies", crm.updates[0].objectType)
	assert.Equal(t, "101", crm.updates[0].objectID)
	assert.Equal(t, "120000", crm.updates[0].properties["current_booked_arr"])
	assert.Equal(t, "1.05", crm.updates[0].properties["current_nrr__mom_"])
	assert.Equal(t, "0.9", crm.updates[0].properties["total_current_nrr__mom____weighted"])
}

func TestARRExportWriteBackAbortsOnFailure(t *testing.T) {
	crm := arrFixture()
	crm.failUpdateOn = "101"
	sheet := &fakeSheet{exportTab: [][]interface{}{
		{"header"},
		{"101", "1", "1", "1"},
		{"102", "2", "2", "2"},
	}}

	job := NewARRExportJob(crm, sheet, "sheet-id", arrConfig(), testutil.TestLogger(t))
	_, err := job.Run(testutil.TestContext(t))
	require.Error(t, err)

	// 102 was never attempted
	assert.Empty(t, crm.updates)
}

func TestARRExportNoDeals(t *testing.T) {
	crm := &fakeDealSource{}
	sheet := &fakeSheet{}

	job := NewARRExportJob(crm, sheet, "sheet-id", arrConfig(), testutil.TestLogger(t))
	summary, err := job.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Entities)
	assert.Empty(t, sheet.clears)
	assert.Empty(t, sheet.written)
}

func TestARRExportShortRowsIgnored(t *testing.T) {
	crm := arrFixture()
	sheet := &fakeSheet{exportTab: [][]interface{}{
		{"header"},
		{"101", "1"}, // too short to carry ARR figures
	}}

	job := NewARRExportJob(crm, sheet, "sheet-id", arrConfig(), testutil.TestLogger(t))
	summary, err := job.Run(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Updated)
	assert.Empty(t, crm.updates)
}
