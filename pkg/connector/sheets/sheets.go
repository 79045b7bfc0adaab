// Package sheets is the spreadsheet batch-sink collaborator, built on the
// Google Sheets API with service-account credentials.
package sheets

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/revops-tools/kpisync/pkg/kpierrors"
)

// ValueWriter is the subset of the Sheets API the batch writer needs.
// Satisfied by *Service; tests substitute a fake.
type ValueWriter interface {
	Clear(ctx context.Context, spreadsheetID, valueRange string) error
	BatchUpdate(ctx context.Context, spreadsheetID string, data []*sheets.ValueRange) error
}

// Service wraps the Sheets values API.
type Service struct {
	svc    *sheets.Service
	logger *zap.Logger
}

// New builds a Sheets service from a service-account credentials file.
func New(ctx context.Context, credentialsFile string, logger *zap.Logger) (*Service, error) {
	if credentialsFile == "" {
		return nil, kpierrors.New(kpierrors.ErrorTypeConfig, "sheets credentials file is required")
	}

	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeAuthentication,
			"failed to initialize sheets client")
	}

	logger.Info("sheets client initialized")

	return &Service{
		svc:    svc,
		logger: logger.With(zap.String("connector", "sheets")),
	}, nil
}

// BatchGet retrieves values from one or more ranges.
func (s *Service) BatchGet(ctx context.Context, spreadsheetID string, ranges []string) ([]*sheets.ValueRange, error) {
	resp, err := s.svc.Spreadsheets.Values.
		BatchGet(spreadsheetID).
		Ranges(ranges...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError(err, "batch get failed")
	}

	s.logger.Info("retrieved ranges",
		zap.String("spreadsheet_id", spreadsheetID),
		zap.Int("ranges", len(resp.ValueRanges)))

	return resp.ValueRanges, nil
}

// Clear removes all values in the given range.
func (s *Service) Clear(ctx context.Context, spreadsheetID, valueRange string) error {
	_, err := s.svc.Spreadsheets.Values.
		Clear(spreadsheetID, valueRange, &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return wrapAPIError(err, "clear failed")
	}

	s.logger.Info("cleared range",
		zap.String("spreadsheet_id", spreadsheetID),
		zap.String("range", valueRange))

	return nil
}

// BatchUpdate writes multiple ranges in one call with RAW input.
func (s *Service) BatchUpdate(ctx context.Context, spreadsheetID string, data []*sheets.ValueRange) error {
	if len(data) == 0 {
		return nil
	}

	_, err := s.svc.Spreadsheets.Values.
		BatchUpdate(spreadsheetID, &sheets.BatchUpdateValuesRequest{
			ValueInputOption: "RAW",
			Data:             data,
		}).
		Context(ctx).
		Do()
	if err != nil {
		return wrapAPIError(err, "batch update failed")
	}

	return nil
}

func wrapAPIError(err error, message string) error {
	wrapped := kpierrors.Wrap(err, kpierrors.ErrorTypeWrite, message)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithDetail("status_code", apiErr.Code)
	}
	return wrapped
}
