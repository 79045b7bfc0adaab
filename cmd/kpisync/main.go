package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/revops-tools/kpisync/internal/pipeline"
	"github.com/revops-tools/kpisync/pkg/clients"
	"github.com/revops-tools/kpisync/pkg/config"
	"github.com/revops-tools/kpisync/pkg/connector/hubspot"
	"github.com/revops-tools/kpisync/pkg/connector/mixpanel"
	"github.com/revops-tools/kpisync/pkg/connector/sheets"
	"github.com/revops-tools/kpisync/pkg/logger"
	"github.com/revops-tools/kpisync/pkg/warehouse"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string

	root := &cobra.Command{
		Use:   "kpisync",
		Short: "kpisync - warehouse and product-usage metric sync",
		Long: `kpisync reconciles business metrics from the analytics warehouse and the
product event stream into CRM company properties, and stages active-deal
line items into the revenue spreadsheet.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "kpisync.yaml", "Path to YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kpisync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "kpi-delta",
		Short: "Sync warehouse KPI deltas to CRM companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKPIDelta(cmd.Context(), configFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "product-events",
		Short: "Aggregate product events into CRM usage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProductEvents(cmd.Context(), configFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "arr-export",
		Short: "Stage deal line items to the revenue sheet and write ARR back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runARRExport(cmd.Context(), configFile)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes the global logger and stamps
// the context with the run id and job name so every log line downstream
// carries them. Every subcommand goes through here before touching the
// network.
func setup(ctx context.Context, configFile, job string) (context.Context, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return ctx, nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return ctx, nil, nil, fmt.Errorf("logger error: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.JobKey, job)
	return ctx, cfg, logger.WithContext(ctx), nil
}

func clientConfig(cfg *config.Config) *clients.ClientConfig {
	return &clients.ClientConfig{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		StreamTimeout:  cfg.HTTP.StreamTimeout,
		EnableHTTP2:    cfg.HTTP.EnableHTTP2,
		Retry: &clients.RetryPolicy{
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
			MaxDelay:    cfg.HTTP.MaxRetryDelay,
		},
	}
}

func newHubSpot(cfg *config.Config, log *zap.Logger) (*hubspot.Connector, error) {
	client := clients.NewRequestClient("hubspot", clientConfig(cfg), log)
	return hubspot.New(hubspot.Config{
		BaseURL:     cfg.HubSpot.BaseURL,
		AccessToken: cfg.HubSpot.AccessToken,
	}, client, log)
}

func runKPIDelta(ctx context.Context, configFile string) error {
	ctx, cfg, log, err := setup(ctx, configFile, "kpi_delta")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.ValidateKPIDelta(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	crm, err := newHubSpot(cfg, log)
	if err != nil {
		return err
	}

	reader, err := warehouse.NewReader(ctx, warehouse.Config{
		ConnectionString: cfg.Warehouse.ConnectionString,
		MaxConns:         cfg.Warehouse.MaxConns,
	}, log)
	if err != nil {
		return err
	}
	defer reader.Close()

	job := pipeline.NewKPIDeltaJob(reader, crm, cfg.KPIDelta, log)
	_, err = job.Run(ctx)
	return err
}

// mixpanelSource adapts the concrete connector to the pipeline's event
// source interface.
type mixpanelSource struct {
	*mixpanel.Connector
}

func (s mixpanelSource) ExportEvents(ctx context.Context, eventNames []string, from, to time.Time) (pipeline.EventIterator, error) {
	return s.Connector.ExportEvents(ctx, eventNames, from, to)
}

func runProductEvents(ctx context.Context, configFile string) error {
	ctx, cfg, log, err := setup(ctx, configFile, "product_events")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.ValidateEvents(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	crm, err := newHubSpot(cfg, log)
	if err != nil {
		return err
	}

	mp, err := mixpanel.New(mixpanel.Config{
		ServiceAccount: cfg.Mixpanel.ServiceAccount,
		ServiceSecret:  cfg.Mixpanel.ServiceSecret,
		ProjectID:      cfg.Mixpanel.ProjectID,
		ExportURL:      cfg.Mixpanel.ExportURL,
		PropertyURL:    cfg.Mixpanel.PropertyURL,
	}, clients.NewRequestClient("mixpanel", clientConfig(cfg), log), log)
	if err != nil {
		return err
	}

	job := pipeline.NewProductEventsJob(mixpanelSource{mp}, crm, cfg.Events, log)
	_, err = job.Run(ctx)
	return err
}

func runARRExport(ctx context.Context, configFile string) error {
	ctx, cfg, log, err := setup(ctx, configFile, "arr_export")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.ValidateARR(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	crm, err := newHubSpot(cfg, log)
	if err != nil {
		return err
	}

	sheet, err := sheets.New(ctx, cfg.Sheets.CredentialsFile, log)
	if err != nil {
		return err
	}

	job := pipeline.NewARRExportJob(crm, sheet, cfg.Sheets.SpreadsheetID, cfg.ARR, log)
	_, err = job.Run(ctx)
	return err
}
