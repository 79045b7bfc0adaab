// Package config provides the unified configuration system for kpisync.
// A single Config structure carries the credentials and settings for every
// sync job, organized into logical sections:
//
//   - HTTP: retry, backoff and timeout behaviour shared by all connectors
//   - HubSpot / Mixpanel / Warehouse / Sheets: collaborator credentials
//   - KPIDelta / Events / ARR: per-job settings and field-mapping tables
//
// Configuration is loaded from a YAML file with ${ENV_VAR} substitution so
// credentials can stay in the environment. Validate must be called before a
// run; it fails fast on missing credentials or empty required filter sets,
// before any network call is made.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for all kpisync jobs.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	HubSpot   HubSpotConfig   `yaml:"hubspot" json:"hubspot"`
	Mixpanel  MixpanelConfig  `yaml:"mixpanel" json:"mixpanel"`
	Warehouse WarehouseConfig `yaml:"warehouse" json:"warehouse"`
	Sheets    SheetsConfig    `yaml:"sheets" json:"sheets"`
	KPIDelta  KPIDeltaConfig  `yaml:"kpi_delta" json:"kpi_delta"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	ARR       ARRConfig       `yaml:"arr" json:"arr"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// HTTPConfig contains the retry and timeout settings shared by every
// upstream connector.
type HTTPConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// BackoffBase is the exponential backoff base in seconds (base^attempt)
	BackoffBase float64 `yaml:"backoff_base" json:"backoff_base"`
	// MaxRetryDelay caps a single backoff sleep
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RequestTimeout bounds a single request attempt
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// StreamTimeout bounds streaming export requests
	StreamTimeout time.Duration `yaml:"stream_timeout" json:"stream_timeout"`
	// EnableHTTP2 configures the transport for HTTP/2
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2"`
}

// HubSpotConfig contains CRM collaborator credentials.
type HubSpotConfig struct {
	AccessToken string `yaml:"access_token" json:"access_token"`
	BaseURL     string `yaml:"base_url" json:"base_url"`
}

// MixpanelConfig contains event-analytics collaborator credentials.
type MixpanelConfig struct {
	ServiceAccount string `yaml:"service_account" json:"service_account"`
	ServiceSecret  string `yaml:"service_secret" json:"service_secret"`
	ProjectID      string `yaml:"project_id" json:"project_id"`
	ExportURL      string `yaml:"export_url" json:"export_url"`
	PropertyURL    string `yaml:"property_url" json:"property_url"`
}

// WarehouseConfig contains the analytics warehouse connection settings.
type WarehouseConfig struct {
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	MaxConns         int32  `yaml:"max_conns" json:"max_conns"`
}

// SheetsConfig contains the spreadsheet sink settings.
type SheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id" json:"spreadsheet_id"`
}

// MetricMapping maps a warehouse KPI name to a CRM property.
type MetricMapping struct {
	Metric   string `yaml:"metric" json:"metric"`
	Property string `yaml:"property" json:"property"`
}

// KPIDeltaConfig configures the warehouse delta job.
type KPIDeltaConfig struct {
	// WindowDays is the trailing snapshot window
	WindowDays int `yaml:"window_days" json:"window_days"`
	// EntityFilterProperty is the CRM property matched against warehouse entity ids
	EntityFilterProperty string          `yaml:"entity_filter_property" json:"entity_filter_property"`
	Metrics              []MetricMapping `yaml:"metrics" json:"metrics"`
}

// EventMapping maps an event name either directly to a CRM property or,
// for attribute-filtered metrics, to keyword rules evaluated against the
// event URL. Exactly one of Property and Keywords must be set.
type EventMapping struct {
	Event    string            `yaml:"event" json:"event"`
	Property string            `yaml:"property,omitempty" json:"property,omitempty"`
	Keywords map[string]string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// EventsConfig configures the event aggregation job.
type EventsConfig struct {
	WindowDays int `yaml:"window_days" json:"window_days"`
	// EntityProperty is the event property carrying the source entity id
	EntityProperty string `yaml:"entity_property" json:"entity_property"`
	// EntityFilterProperty is the CRM property matched against entity ids
	EntityFilterProperty string         `yaml:"entity_filter_property" json:"entity_filter_property"`
	Mappings             []EventMapping `yaml:"mappings" json:"mappings"`
}

// ARRConfig configures the spreadsheet staging job.
type ARRConfig struct {
	// StageIDs selects the active deal stages to export
	StageIDs []string `yaml:"stage_ids" json:"stage_ids"`
	// ImportSheet is the sheet receiving staged line-item rows
	ImportSheet string `yaml:"import_sheet" json:"import_sheet"`
	// ClearColumns is the column range cleared before staging (e.g. "A2:AG")
	ClearColumns string `yaml:"clear_columns" json:"clear_columns"`
	FirstColumn  string `yaml:"first_column" json:"first_column"`
	LastColumn   string `yaml:"last_column" json:"last_column"`
	// ExportRange is the range read back for company ARR updates
	ExportRange string `yaml:"export_range" json:"export_range"`
	BatchSize   int    `yaml:"batch_size" json:"batch_size"`
}

// Default returns a Config with production defaults. Credentials are left
// empty and must come from the YAML file or environment substitution.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		HTTP: HTTPConfig{
			MaxRetries:     3,
			BackoffBase:    1.5,
			MaxRetryDelay:  60 * time.Second,
			RequestTimeout: 30 * time.Second,
			StreamTimeout:  2 * time.Minute,
			EnableHTTP2:    true,
		},
		HubSpot: HubSpotConfig{
			BaseURL: "https://api.hubapi.com",
		},
		Mixpanel: MixpanelConfig{
			ExportURL:   "https://data-eu.mixpanel.com/api/2.0/export/",
			PropertyURL: "https://eu.mixpanel.com/api/2.0/events/properties/values",
		},
		Warehouse: WarehouseConfig{
			MaxConns: 4,
		},
		KPIDelta: KPIDeltaConfig{
			WindowDays:           32,
			EntityFilterProperty: "organisation_id",
		},
		Events: EventsConfig{
			WindowDays:           90,
			EntityProperty:       "organization_id",
			EntityFilterProperty: "organisation_id",
		},
		ARR: ARRConfig{
			BatchSize:    200,
			FirstColumn:  "A",
			LastColumn:   "AG",
			ClearColumns: "A2:AG",
		},
	}
}

// ValidateHubSpot checks the CRM credentials.
func (c *Config) ValidateHubSpot() error {
	if c.HubSpot.AccessToken == "" {
		return fmt.Errorf("hubspot.access_token is required")
	}
	if c.HubSpot.BaseURL == "" {
		return fmt.Errorf("hubspot.base_url is required")
	}
	return nil
}

// ValidateKPIDelta checks everything the warehouse delta job needs.
func (c *Config) ValidateKPIDelta() error {
	if err := c.ValidateHubSpot(); err != nil {
		return err
	}
	if c.Warehouse.ConnectionString == "" {
		return fmt.Errorf("warehouse.connection_string is required")
	}
	if c.KPIDelta.WindowDays <= 0 {
		return fmt.Errorf("kpi_delta.window_days must be positive")
	}
	if len(c.KPIDelta.Metrics) == 0 {
		return fmt.Errorf("kpi_delta.metrics must not be empty")
	}
	for _, m := range c.KPIDelta.Metrics {
		if m.Metric == "" || m.Property == "" {
			return fmt.Errorf("kpi_delta.metrics entries require both metric and property")
		}
	}
	return nil
}

// ValidateEvents checks everything the event aggregation job needs.
func (c *Config) ValidateEvents() error {
	if err := c.ValidateHubSpot(); err != nil {
		return err
	}
	if c.Mixpanel.ServiceAccount == "" || c.Mixpanel.ServiceSecret == "" || c.Mixpanel.ProjectID == "" {
		return fmt.Errorf("mixpanel service_account, service_secret and project_id are required")
	}
	if c.Events.WindowDays <= 0 {
		return fmt.Errorf("events.window_days must be positive")
	}
	if c.Events.EntityProperty == "" {
		return fmt.Errorf("events.entity_property is required")
	}
	if len(c.Events.Mappings) == 0 {
		return fmt.Errorf("events.mappings must not be empty")
	}
	for _, m := range c.Events.Mappings {
		if m.Event == "" {
			return fmt.Errorf("events.mappings entries require an event name")
		}
		if (m.Property == "") == (len(m.Keywords) == 0) {
			return fmt.Errorf("event %q must set exactly one of property or keywords", m.Event)
		}
	}
	return nil
}

// ValidateARR checks everything the spreadsheet staging job needs.
func (c *Config) ValidateARR() error {
	if err := c.ValidateHubSpot(); err != nil {
		return err
	}
	if c.Sheets.CredentialsFile == "" {
		return fmt.Errorf("sheets.credentials_file is required")
	}
	if c.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sheets.spreadsheet_id is required")
	}
	if len(c.ARR.StageIDs) == 0 {
		return fmt.Errorf("arr.stage_ids must not be empty")
	}
	if c.ARR.ImportSheet == "" || c.ARR.ExportRange == "" {
		return fmt.Errorf("arr.import_sheet and arr.export_range are required")
	}
	if c.ARR.BatchSize <= 0 {
		return fmt.Errorf("arr.batch_size must be positive")
	}
	return nil
}
