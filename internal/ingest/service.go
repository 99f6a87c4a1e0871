package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/logging"
	"tradejournal/internal/mapper"
	"tradejournal/internal/models"
	"tradejournal/internal/registry"
	"tradejournal/internal/store"
)

// RowError records a per-row validation failure. Row failures never abort a
// batch; partial success is the default for bulk CSV operations.
type RowError struct {
	RowIndex int
	Issues   []string
}

// Result is the definitive outcome of an ingestion: either orders were
// imported directly, or every row was staged pending review. Never a silent
// no-op.
type Result struct {
	ImportBatchID  string
	FormatID       string
	FormatCreated  bool
	DirectOrders   int
	StagedRows     int
	RowErrors      []RowError
	RequiresReview bool
	Mapping        *mapper.MappingResult
}

// Service orchestrates CSV ingestion: parse, map, register the format, then
// branch to direct order insertion or staging.
type Service struct {
	store     store.DataStore
	mapper    *mapper.ColumnMapper
	registry  *registry.Registry
	threshold float64
	samples   int
	logger    zerolog.Logger

	mu             sync.Mutex
	uploadLimiters map[string]*rate.Limiter
	uploadRate     rate.Limit
	uploadBurst    int
}

// NewService creates an ingestion service.
func NewService(dataStore store.DataStore, columnMapper *mapper.ColumnMapper, formatRegistry *registry.Registry,
	confidenceThreshold float64, maxSampleRows, maxUploadsPerMinute int, logger zerolog.Logger) *Service {
	return &Service{
		store:          dataStore,
		mapper:         columnMapper,
		registry:       formatRegistry,
		threshold:      confidenceThreshold,
		samples:        maxSampleRows,
		logger:         logger,
		uploadLimiters: make(map[string]*rate.Limiter),
		uploadRate:     rate.Limit(float64(maxUploadsPerMinute) / 60.0),
		uploadBurst:    maxUploadsPerMinute,
	}
}

// Ingest processes a broker CSV export for one user.
func (s *Service) Ingest(ctx context.Context, csvBytes []byte, filename, userID, brokerID string, accountTags []string) (*Result, error) {
	limiter := s.limiterFor(userID)
	if limiter.Tokens() < 1 {
		return nil, fmt.Errorf("upload limit for user %s: %w", userID, apperrors.ErrRateLimited)
	}

	headers, rows, err := parseCSV(csvBytes, filename)
	if err != nil {
		return nil, err
	}

	logger := logging.WithUser(s.logger, userID)

	mapping, err := s.mapper.MapColumns(ctx, headers, sampleRows(rows, s.samples))
	if err != nil {
		return nil, apperrors.NewMappingError(brokerID, err)
	}
	if mapping.Degraded {
		// Surfaced as a mapping failure; the fail-safe path below stages
		// every row rather than skipping validation.
		logger.Warn().Err(apperrors.NewMappingError(brokerID, apperrors.ErrTimeout)).Msg("AI mapping degraded, forcing staging")
	}
	logging.LogMapping(logger, brokerID, mapping.Source, mapping.OverallConfidence, fieldsToStrings(mapping.MissingRequired))

	format, created, err := s.registry.FindOrCreate(ctx, brokerID, headers, sampleRows(rows, s.samples), mapping)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ImportBatchID: uuid.NewString(),
		FormatID:      format.ID,
		FormatCreated: created,
		Mapping:       mapping,
	}

	direct := format.IsApproved && !format.Rejected() &&
		mapping.OverallConfidence >= s.threshold && !mapping.RequiresUserReview

	if direct {
		if err := s.insertDirect(ctx, format, headers, rows, userID, brokerID, accountTags, result); err != nil {
			return nil, err
		}
		// Upload quota is charged only on a successful commit, never for
		// staged rows.
		limiter.Allow()
	} else {
		if err := s.stageRows(ctx, format, headers, rows, userID, result); err != nil {
			return nil, err
		}
		result.RequiresReview = true
	}

	logging.LogIngest(logger, result.ImportBatchID, result.DirectOrders, result.StagedRows, len(result.RowErrors), result.RequiresReview)
	return result, nil
}

// IngestWithCorrections is the inline user-confirmation path: the user fixed
// the proposed mapping at upload time, so rows are written directly as orders
// instead of staged, provided the corrected mapping covers all required
// fields. The corrections are merged into the format and recorded as
// feedback. Note this path can race the admin approval path for the same
// format; the per-format migration lock keeps migrations serialized, but both
// paths remain able to produce orders for the format.
func (s *Service) IngestWithCorrections(ctx context.Context, csvBytes []byte, filename, userID, brokerID string,
	accountTags []string, corrected map[string]models.FieldMapping) (*Result, error) {
	limiter := s.limiterFor(userID)
	if limiter.Tokens() < 1 {
		return nil, fmt.Errorf("upload limit for user %s: %w", userID, apperrors.ErrRateLimited)
	}

	headers, rows, err := parseCSV(csvBytes, filename)
	if err != nil {
		return nil, err
	}

	mapping, err := s.mapper.MapColumns(ctx, headers, sampleRows(rows, s.samples))
	if err != nil {
		return nil, apperrors.NewMappingError(brokerID, err)
	}

	format, created, err := s.registry.FindOrCreate(ctx, brokerID, headers, sampleRows(rows, s.samples), mapping)
	if err != nil {
		return nil, err
	}

	// Rejection is final for a signature: no corrections revive it.
	if format.Rejected() {
		return nil, fmt.Errorf("format %s: %w", format.ID, apperrors.ErrFormatRejected)
	}

	if len(corrected) > 0 {
		format, err = s.registry.ApplyUserCorrections(ctx, format.ID, userID, corrected)
		if err != nil {
			return nil, err
		}
	}

	if missing := RequiredCoverage(format.FieldMappings); len(missing) > 0 {
		return nil, fmt.Errorf("corrected mapping still missing %v: %w", missing, apperrors.ErrMissingRequired)
	}

	result := &Result{
		ImportBatchID: uuid.NewString(),
		FormatID:      format.ID,
		FormatCreated: created,
		Mapping:       mapping,
	}

	if err := s.insertDirect(ctx, format, headers, rows, userID, brokerID, accountTags, result); err != nil {
		return nil, err
	}
	limiter.Allow()

	logging.LogIngest(logging.WithUser(s.logger, userID), result.ImportBatchID, result.DirectOrders, 0, len(result.RowErrors), false)
	return result, nil
}

// insertDirect maps every row with the format's mapping and inserts valid
// rows as orders in one all-or-nothing batch. A row-level mapping failure is
// recorded but does not abort the batch.
func (s *Service) insertDirect(ctx context.Context, format *models.BrokerCsvFormat, headers []string, rows [][]string,
	userID, brokerID string, accountTags []string, result *Result) error {
	var orders []models.Order
	for i, record := range rows {
		raw := rowToMap(headers, record)
		mapped := MapRow(format.FieldMappings, raw)
		order, issues := BuildOrder(mapped, userID, result.ImportBatchID, brokerID, accountTags)
		if len(issues) > 0 {
			result.RowErrors = append(result.RowErrors, RowError{RowIndex: i, Issues: issues})
			s.logger.Debug().Int("row", i).Strs("issues", issues).Msg("Row excluded from direct insert")
			continue
		}
		orders = append(orders, *order)
	}

	if err := s.store.InsertOrders(ctx, orders); err != nil {
		return fmt.Errorf("order batch insert failed: %w", err)
	}
	result.DirectOrders = len(orders)
	return nil
}

// stageRows writes every data row as a PENDING staging record, including rows
// with validation issues, which stay visible to the reviewer.
func (s *Service) stageRows(ctx context.Context, format *models.BrokerCsvFormat, headers []string, rows [][]string,
	userID string, result *Result) error {
	now := time.Now().UTC()
	staged := make([]models.OrderStaging, 0, len(rows))
	for i, record := range rows {
		raw := rowToMap(headers, record)
		mapped := MapRow(format.FieldMappings, raw)

		row := models.OrderStaging{
			ID:                uuid.NewString(),
			UserID:            userID,
			BrokerCsvFormatID: format.ID,
			ImportBatchID:     result.ImportBatchID,
			RowIndex:          i,
			RawCsvRow:         raw,
			InitialMappedData: mapped,
			MigrationStatus:   models.StagingPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		if _, issues := BuildOrder(mapped, userID, result.ImportBatchID, format.BrokerID, nil); len(issues) > 0 {
			row.ProcessingErrors = issues
			result.RowErrors = append(result.RowErrors, RowError{RowIndex: i, Issues: issues})
		}

		staged = append(staged, row)
	}

	if err := s.store.SaveStagingRows(ctx, staged); err != nil {
		return fmt.Errorf("staging insert failed: %w", err)
	}
	result.StagedRows = len(staged)
	return nil
}

func (s *Service) limiterFor(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.uploadLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(s.uploadRate, s.uploadBurst)
		s.uploadLimiters[userID] = limiter
	}
	return limiter
}

func fieldsToStrings(fields []models.CanonicalField) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
