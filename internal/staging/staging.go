// Package staging exposes query and diagnostic operations over staged order
// rows pending review.
package staging

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tradejournal/internal/ingest"
	"tradejournal/internal/models"
	"tradejournal/internal/store"
)

// Service provides the admin-facing view over staged rows.
type Service struct {
	store  store.DataStore
	logger zerolog.Logger
}

// NewService creates a staging service.
func NewService(dataStore store.DataStore, logger zerolog.Logger) *Service {
	return &Service{store: dataStore, logger: logger}
}

// Page is one page of staging rows with the total count for pagination.
type Page struct {
	Rows  []models.OrderStaging
	Total int
}

// ListPending returns a page of rows awaiting review for a format.
func (s *Service) ListPending(ctx context.Context, formatID string, limit, offset int) (*Page, error) {
	filter := store.StagingFilter{
		FormatID: formatID,
		Statuses: []models.MigrationStatus{models.StagingPending, models.StagingFailed},
		Limit:    limit,
		Offset:   offset,
	}

	rows, err := s.store.GetStagingRows(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("staging query failed: %w", err)
	}

	countFilter := filter
	countFilter.Limit, countFilter.Offset = 0, 0
	total, err := s.store.CountStagingRows(ctx, countFilter)
	if err != nil {
		return nil, fmt.Errorf("staging count failed: %w", err)
	}

	return &Page{Rows: rows, Total: total}, nil
}

// ListForBatch returns every staged row for an import batch, regardless of
// status, for the uploader's own view.
func (s *Service) ListForBatch(ctx context.Context, userID, batchID string) ([]models.OrderStaging, error) {
	return s.store.GetStagingRows(ctx, store.StagingFilter{UserID: userID, BatchID: batchID})
}

// RowDiagnostic is the per-row debugging view for the admin surface: the raw
// CSV values, the attempted mapping, and the specific validation issues.
type RowDiagnostic struct {
	StagingID  string
	RowIndex   int
	Status     models.MigrationStatus
	RetryCount int
	RawValues  map[string]string
	Mapped     models.MappedRow
	Issues     []string
	PastErrors []string
}

// Diagnose re-runs mapping and validation for pending/failed rows under a
// format and reports what is wrong with each one.
func (s *Service) Diagnose(ctx context.Context, formatID string, limit, offset int) ([]RowDiagnostic, error) {
	format, err := s.store.GetFormatByID(ctx, formatID)
	if err != nil {
		return nil, fmt.Errorf("format lookup failed: %w", err)
	}

	rows, err := s.store.GetStagingRows(ctx, store.StagingFilter{
		FormatID: formatID,
		Statuses: []models.MigrationStatus{models.StagingPending, models.StagingFailed},
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, fmt.Errorf("staging query failed: %w", err)
	}

	diagnostics := make([]RowDiagnostic, 0, len(rows))
	for _, row := range rows {
		mapped := ingest.MapRow(format.FieldMappings, row.RawCsvRow)
		_, issues := ingest.BuildOrder(mapped, row.UserID, row.ImportBatchID, format.BrokerID, nil)
		diagnostics = append(diagnostics, RowDiagnostic{
			StagingID:  row.ID,
			RowIndex:   row.RowIndex,
			Status:     row.MigrationStatus,
			RetryCount: row.RetryCount,
			RawValues:  row.RawCsvRow,
			Mapped:     mapped,
			Issues:     issues,
			PastErrors: row.ProcessingErrors,
		})
	}

	return diagnostics, nil
}
