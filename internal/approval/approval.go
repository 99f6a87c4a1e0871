// Package approval implements the format approval state machine: moving a
// broker CSV format from unapproved to approved (or rejected) and migrating
// its staged rows into production orders, atomically and idempotently.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/ingest"
	"tradejournal/internal/logging"
	"tradejournal/internal/models"
	"tradejournal/internal/registry"
	"tradejournal/internal/store"
)

// Service runs format approvals and staged-order migrations.
type Service struct {
	store    store.DataStore
	registry *registry.Registry
	logger   zerolog.Logger
	lockTTL  time.Duration

	// results is a hot cache over the durable idempotency records, so a
	// tight double-click does not even hit storage.
	results *cache.Cache

	mu            sync.Mutex
	adminLimiters map[string]*rate.Limiter
	approvalRate  rate.Limit
	approvalBurst int
}

// NewService creates an approval service.
func NewService(dataStore store.DataStore, formatRegistry *registry.Registry, lockTTL, resultCacheTTL time.Duration,
	maxApprovalsPerMinute int, logger zerolog.Logger) *Service {
	return &Service{
		store:         dataStore,
		registry:      formatRegistry,
		logger:        logger,
		lockTTL:       lockTTL,
		results:       cache.New(resultCacheTTL, 2*resultCacheTTL),
		adminLimiters: make(map[string]*rate.Limiter),
		approvalRate:  rate.Limit(float64(maxApprovalsPerMinute) / 60.0),
		approvalBurst: maxApprovalsPerMinute,
	}
}

// ApproveFormatAndMigrateOrders approves a format, merging any corrected
// mappings, then migrates every PENDING/FAILED staged row under it. Holding
// the per-format advisory lock serializes concurrent approvals; the loser
// gets a retryable ConcurrentApprovalError. With an idempotency key, a prior
// successful run returns its cached result without re-migrating.
func (s *Service) ApproveFormatAndMigrateOrders(ctx context.Context, formatID, adminID string,
	corrected map[string]models.FieldMapping, idempotencyKey string) (*models.MigrationResult, error) {
	if !s.limiterFor(adminID).Allow() {
		return nil, fmt.Errorf("approval limit for admin %s: %w", adminID, apperrors.ErrRateLimited)
	}

	if idempotencyKey != "" {
		if cached, err := s.priorResult(ctx, idempotencyKey); err != nil {
			return nil, err
		} else if cached != nil {
			s.logger.Info().Str("idempotency_key", idempotencyKey).Msg("Returning cached migration result")
			return cached, nil
		}
	}

	owner := adminID + ":" + uuid.NewString()
	acquired, holder, err := s.store.AcquireFormatLock(ctx, formatID, owner, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return nil, &apperrors.ConcurrentApprovalError{FormatID: formatID, Holder: holder}
	}
	defer func() {
		if err := s.store.ReleaseFormatLock(context.WithoutCancel(ctx), formatID, owner); err != nil {
			s.logger.Warn().Err(err).Str("format_id", formatID).Msg("Failed to release format lock")
		}
	}()

	// Re-check under the lock: the key may have been recorded by the run we
	// were racing.
	if idempotencyKey != "" {
		if cached, err := s.priorResult(ctx, idempotencyKey); err != nil {
			return nil, err
		} else if cached != nil {
			return cached, nil
		}
	}

	format, err := s.registry.Approve(ctx, formatID, adminID, corrected)
	if err != nil {
		return nil, err
	}

	result, err := s.migrateRows(ctx, format)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if err := s.store.SaveMigrationResult(ctx, idempotencyKey, result); err != nil {
			return nil, fmt.Errorf("idempotency record failed: %w", err)
		}
		s.results.Set(idempotencyKey, result, cache.DefaultExpiration)
	}

	logging.LogMigration(logging.WithFormat(s.logger, formatID), formatID,
		result.MigratedCount, result.FailedCount, result.SkippedCount, result.Duration)
	return result, nil
}

func (s *Service) priorResult(ctx context.Context, idempotencyKey string) (*models.MigrationResult, error) {
	if cached, ok := s.results.Get(idempotencyKey); ok {
		return cached.(*models.MigrationResult), nil
	}
	stored, err := s.store.GetMigrationResult(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if stored != nil {
		s.results.Set(idempotencyKey, stored, cache.DefaultExpiration)
	}
	return stored, nil
}

// migrateRows migrates every PENDING/FAILED row under the format. One bad row
// never blocks the batch: failures are marked FAILED with the error appended
// and the retry count incremented.
func (s *Service) migrateRows(ctx context.Context, format *models.BrokerCsvFormat) (*models.MigrationResult, error) {
	start := time.Now()

	rows, err := s.store.GetStagingRows(ctx, store.StagingFilter{
		FormatID: format.ID,
		Statuses: []models.MigrationStatus{models.StagingPending, models.StagingFailed},
	})
	if err != nil {
		return nil, fmt.Errorf("staging query failed: %w", err)
	}

	result := &models.MigrationResult{FormatID: format.ID, RollbackAvailable: true}

	for i := range rows {
		row := &rows[i]
		outcome := s.migrateRow(ctx, format, row)
		switch outcome {
		case migrated:
			result.MigratedCount++
		case failed:
			result.FailedCount++
		case skipped:
			result.SkippedCount++
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

type rowOutcome int

const (
	migrated rowOutcome = iota
	failed
	skipped
)

// migrateRow moves one staging row through MIGRATING to MIGRATED or FAILED.
// Winning the PENDING->MIGRATING (or FAILED->MIGRATING) claim is what
// authorizes this process to insert the order, so a row is never
// double-inserted.
func (s *Service) migrateRow(ctx context.Context, format *models.BrokerCsvFormat, row *models.OrderStaging) rowOutcome {
	from := row.MigrationStatus
	if from != models.StagingPending && from != models.StagingFailed {
		return skipped
	}
	if !from.CanTransition(models.StagingMigrating) {
		s.logger.Error().Str("staging_id", row.ID).Str("from", string(from)).Msg("Illegal staging transition requested")
		return skipped
	}

	claimed, err := s.store.ClaimStagingRow(ctx, row.ID, from, models.StagingMigrating)
	if err != nil {
		s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Staging claim failed")
		return failed
	}
	if !claimed {
		// Another process won the claim; its migration owns the row.
		return skipped
	}
	row.MigrationStatus = models.StagingMigrating

	mapped := ingest.MapRow(format.FieldMappings, row.RawCsvRow)
	order, issues := ingest.BuildOrder(mapped, row.UserID, row.ImportBatchID, format.BrokerID, nil)
	if len(issues) > 0 {
		s.markFailed(ctx, row, format.ID, fmt.Sprintf("validation: %v", issues))
		return failed
	}

	if err := s.store.InsertOrders(ctx, []models.Order{*order}); err != nil {
		migErr := &apperrors.MigrationError{StagingID: row.ID, FormatID: format.ID, Err: err}
		s.markFailed(ctx, row, format.ID, migErr.Error())
		return failed
	}

	if err := row.Transition(models.StagingMigrated); err != nil {
		s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Post-insert transition failed")
		return failed
	}
	row.MigratedOrderID = order.ID
	if err := s.store.UpdateStagingRow(ctx, row); err != nil {
		s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Staging update failed after migration")
		return failed
	}
	return migrated
}

func (s *Service) markFailed(ctx context.Context, row *models.OrderStaging, formatID, reason string) {
	if err := row.Transition(models.StagingFailed); err != nil {
		s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Failed-state transition rejected")
		return
	}
	row.RetryCount++
	row.ProcessingErrors = append(row.ProcessingErrors, reason)
	if err := s.store.UpdateStagingRow(ctx, row); err != nil {
		s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Staging update failed")
	}
	s.logger.Warn().Str("staging_id", row.ID).Str("format_id", formatID).Str("reason", reason).Msg("Staging row migration failed")
}

// RejectFormat rejects a format and cascades rejection to its PENDING staged
// rows. REJECTED is terminal; rejected rows are never auto-retried.
func (s *Service) RejectFormat(ctx context.Context, formatID, adminID, reason string) (int, error) {
	if !s.limiterFor(adminID).Allow() {
		return 0, fmt.Errorf("approval limit for admin %s: %w", adminID, apperrors.ErrRateLimited)
	}

	if _, err := s.registry.Reject(ctx, formatID, adminID, reason); err != nil {
		return 0, err
	}

	rows, err := s.store.GetStagingRows(ctx, store.StagingFilter{
		FormatID: formatID,
		Statuses: []models.MigrationStatus{models.StagingPending, models.StagingFailed},
	})
	if err != nil {
		return 0, fmt.Errorf("staging query failed: %w", err)
	}

	rejected := 0
	for i := range rows {
		row := &rows[i]
		if err := row.Transition(models.StagingRejected); err != nil {
			s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Rejection transition failed")
			continue
		}
		row.ProcessingErrors = append(row.ProcessingErrors, "format rejected: "+reason)
		if err := s.store.UpdateStagingRow(ctx, row); err != nil {
			s.logger.Error().Err(err).Str("staging_id", row.ID).Msg("Staging update failed during rejection")
			continue
		}
		rejected++
	}

	s.logger.Info().Str("format_id", formatID).Int("rejected_rows", rejected).Msg("Format rejected")
	return rejected, nil
}

// ProcessOrphanedStagingRecords re-runs migration for rows whose format is
// already approved but which are still PENDING/FAILED after a crash or
// partial failure. Safe to call repeatedly: rows already MIGRATED are never
// revisited.
func (s *Service) ProcessOrphanedStagingRecords(ctx context.Context, adminID string) (*models.MigrationResult, error) {
	if !s.limiterFor(adminID).Allow() {
		return nil, fmt.Errorf("approval limit for admin %s: %w", adminID, apperrors.ErrRateLimited)
	}

	start := time.Now()

	orphans, err := s.store.ListOrphanedStaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphan query failed: %w", err)
	}

	result := &models.MigrationResult{RollbackAvailable: true}
	formats := make(map[string]*models.BrokerCsvFormat)

	for i := range orphans {
		row := &orphans[i]
		format, ok := formats[row.BrokerCsvFormatID]
		if !ok {
			format, err = s.store.GetFormatByID(ctx, row.BrokerCsvFormatID)
			if err != nil {
				s.logger.Error().Err(err).Str("format_id", row.BrokerCsvFormatID).Msg("Orphan format lookup failed")
				result.FailedCount++
				continue
			}
			formats[row.BrokerCsvFormatID] = format
		}

		switch s.migrateRow(ctx, format, row) {
		case migrated:
			result.MigratedCount++
		case failed:
			result.FailedCount++
		case skipped:
			result.SkippedCount++
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("migrated", result.MigratedCount).
		Int("failed", result.FailedCount).
		Int("skipped", result.SkippedCount).
		Msg("Orphaned staging recovery completed")
	return result, nil
}

// RollbackMigration manually reverses a completed migration: created orders
// are deleted and their staging rows reset to PENDING. Guarded by the same
// per-format lock as approval.
func (s *Service) RollbackMigration(ctx context.Context, formatID, adminID string) (int, error) {
	owner := adminID + ":" + uuid.NewString()
	acquired, holder, err := s.store.AcquireFormatLock(ctx, formatID, owner, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return 0, &apperrors.ConcurrentApprovalError{FormatID: formatID, Holder: holder}
	}
	defer func() {
		if err := s.store.ReleaseFormatLock(context.WithoutCancel(ctx), formatID, owner); err != nil {
			s.logger.Warn().Err(err).Str("format_id", formatID).Msg("Failed to release format lock")
		}
	}()

	n, err := s.store.RollbackMigration(ctx, formatID)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("format_id", formatID).Str("admin", adminID).Int("rows", n).Msg("Migration rolled back")
	return n, nil
}

func (s *Service) limiterFor(adminID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.adminLimiters[adminID]
	if !ok {
		limiter = rate.NewLimiter(s.approvalRate, s.approvalBurst)
		s.adminLimiters[adminID] = limiter
	}
	return limiter
}
