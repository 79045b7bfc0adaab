package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.HubSpot.AccessToken = "token"
	cfg.Mixpanel.ServiceAccount = "svc"
	cfg.Mixpanel.ServiceSecret = "secret"
	cfg.Mixpanel.ProjectID = "7"
	cfg.Warehouse.ConnectionString = "postgres://localhost/analytics"
	cfg.Sheets.CredentialsFile = "creds.json"
	cfg.Sheets.SpreadsheetID = "sheet-id"
	cfg.KPIDelta.Metrics = []MetricMapping{
		{Metric: "Number of log entries", Property: "number_log_entries_past_30_days"},
	}
	cfg.Events.Mappings = []EventMapping{
		{Event: "Session start", Property: "user_sessions_past_90_days"},
		{Event: "page-view", Keywords: map[string]string{"dashboard": "dashboard_views_past_90_days"}},
	}
	cfg.ARR.StageIDs = []string{"stage-a"}
	cfg.ARR.ExportRange = "Export!A1:D"
	return cfg
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.HTTP.MaxRetries)
	assert.Equal(t, 1.5, cfg.HTTP.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 32, cfg.KPIDelta.WindowDays)
	assert.Equal(t, 90, cfg.Events.WindowDays)
	assert.Equal(t, 200, cfg.ARR.BatchSize)
	assert.Equal(t, "https://api.hubapi.com", cfg.HubSpot.BaseURL)
}

func TestValidateAllJobs(t *testing.T) {
	cfg := validConfig()

	require.NoError(t, cfg.ValidateKPIDelta())
	require.NoError(t, cfg.ValidateEvents())
	require.NoError(t, cfg.ValidateARR())
}

func TestValidateKPIDeltaFailures(t *testing.T) {
	cfg := validConfig()
	cfg.HubSpot.AccessToken = ""
	assert.Error(t, cfg.ValidateKPIDelta())

	cfg = validConfig()
	cfg.Warehouse.ConnectionString = ""
	assert.Error(t, cfg.ValidateKPIDelta())

	cfg = validConfig()
	cfg.KPIDelta.Metrics = nil
	assert.Error(t, cfg.ValidateKPIDelta())

	cfg = validConfig()
	cfg.KPIDelta.Metrics = []MetricMapping{{Metric: "x"}}
	assert.Error(t, cfg.ValidateKPIDelta())
}

func TestValidateEventsMappingShape(t *testing.T) {
	cfg := validConfig()
	cfg.Events.Mappings = []EventMapping{{Event: "broken"}}
	assert.Error(t, cfg.ValidateEvents())

	// both property and keywords set is equally invalid
	cfg.Events.Mappings = []EventMapping{{
		Event:    "broken",
		Property: "p",
		Keywords: map[string]string{"k": "p2"},
	}}
	assert.Error(t, cfg.ValidateEvents())
}

func TestValidateARRFailures(t *testing.T) {
	cfg := validConfig()
	cfg.ARR.StageIDs = nil
	assert.Error(t, cfg.ValidateARR())

	cfg = validConfig()
	cfg.ARR.BatchSize = 0
	assert.Error(t, cfg.ValidateARR())

	cfg = validConfig()
	cfg.Sheets.SpreadsheetID = ""
	assert.Error(t, cfg.ValidateARR())
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_HUBSPOT_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "kpisync.yaml")
	content := `
hubspot:
  access_token: ${TEST_HUBSPOT_TOKEN}
kpi_delta:
  window_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.HubSpot.AccessToken)
	assert.Equal(t, 14, cfg.KPIDelta.WindowDays)

	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.HTTP.MaxRetries)
	assert.Equal(t, "https://api.hubapi.com", cfg.HubSpot.BaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kpisync.yaml")
	cfg := validConfig()

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.KPIDelta.Metrics, loaded.KPIDelta.Metrics)
	assert.Equal(t, cfg.ARR.StageIDs, loaded.ARR.StageIDs)
}
