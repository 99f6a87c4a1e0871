package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/ingest"
	"tradejournal/internal/mapper"
	"tradejournal/internal/models"
	"tradejournal/internal/registry"
	"tradejournal/internal/store"
)

const stagingCSV = `Symbol,Side,Qty,Price,Exec Time
AAPL,BUY,100,150.25,2024-03-01 10:30:00
AAPL,SELL,100,152.00,2024-03-01 11:15:00
TSLA,BUY,50,200.00,2024-03-01 12:00:00
`

type harness struct {
	approval *Service
	ingest   *ingest.Service
	store    store.DataStore
	registry *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	logger := zerolog.Nop()
	formatRegistry := registry.New(dataStore, 10, logger)
	columnMapper := mapper.NewColumnMapper(nil, 5*time.Second, 0.7, logger)
	ingestSvc := ingest.NewService(dataStore, columnMapper, formatRegistry, 0.7, 5, 10, logger)
	approvalSvc := NewService(dataStore, formatRegistry, 30*time.Second, time.Minute, 10, logger)

	return &harness{approval: approvalSvc, ingest: ingestSvc, store: dataStore, registry: formatRegistry}
}

// stage uploads a CSV against an unapproved format and returns the format ID.
func (h *harness) stage(t *testing.T, csv, userID string) string {
	t.Helper()
	result, err := h.ingest.Ingest(context.Background(), []byte(csv), "export.csv", userID, "ibkr", nil)
	if err != nil {
		t.Fatalf("staging upload failed: %v", err)
	}
	if result.StagedRows == 0 {
		t.Fatalf("upload went direct, expected staging (direct=%d)", result.DirectOrders)
	}
	return result.FormatID
}

func TestApproveMigratesStagedRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	result, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "")
	if err != nil {
		t.Fatalf("ApproveFormatAndMigrateOrders failed: %v", err)
	}
	if result.MigratedCount != 3 || result.FailedCount != 0 || result.SkippedCount != 0 {
		t.Errorf("migrated/failed/skipped = %d/%d/%d, want 3/0/0",
			result.MigratedCount, result.FailedCount, result.SkippedCount)
	}

	orders, err := h.store.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}

	rows, err := h.store.GetStagingRows(ctx, store.StagingFilter{FormatID: formatID})
	if err != nil {
		t.Fatalf("staging query failed: %v", err)
	}
	for _, row := range rows {
		if row.MigrationStatus != models.StagingMigrated {
			t.Errorf("row %d status = %s, want MIGRATED", row.RowIndex, row.MigrationStatus)
		}
		if row.MigratedOrderID == "" {
			t.Errorf("row %d has no migrated order id", row.RowIndex)
		}
	}

	format, err := h.store.GetFormatByID(ctx, formatID)
	if err != nil {
		t.Fatalf("format lookup failed: %v", err)
	}
	if !format.IsApproved || format.ApprovedBy != "admin-1" {
		t.Error("format approval metadata missing")
	}
}

func TestApproveMarksBadRowsFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	mixed := `Symbol,Side,Qty,Price,Exec Time
AAPL,BUY,100,150.25,2024-03-01 10:30:00
TSLA,TRANSFER,50,200.00,2024-03-01 12:00:00
`
	formatID := h.stage(t, mixed, "user-1")

	result, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "")
	if err != nil {
		t.Fatalf("ApproveFormatAndMigrateOrders failed: %v", err)
	}
	if result.MigratedCount != 1 || result.FailedCount != 1 {
		t.Errorf("migrated/failed = %d/%d, want 1/1", result.MigratedCount, result.FailedCount)
	}

	failed, err := h.store.GetStagingRows(ctx, store.StagingFilter{
		FormatID: formatID,
		Statuses: []models.MigrationStatus{models.StagingFailed},
	})
	if err != nil {
		t.Fatalf("staging query failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("got %d FAILED rows, want 1", len(failed))
	}
	if failed[0].RetryCount != 1 || len(failed[0].ProcessingErrors) == 0 {
		t.Errorf("failed row bookkeeping: retries=%d errors=%v",
			failed[0].RetryCount, failed[0].ProcessingErrors)
	}
}

func TestApproveIdempotencyKeyReturnsCachedResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	first, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "deploy-42")
	if err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	if first.MigratedCount != 3 {
		t.Fatalf("migrated = %d, want 3", first.MigratedCount)
	}

	// Same key again: cached result, nothing re-migrated.
	second, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "deploy-42")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.MigratedCount != first.MigratedCount || second.FormatID != first.FormatID {
		t.Errorf("replay result %+v differs from original %+v", second, first)
	}

	orders, err := h.store.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 3 {
		t.Errorf("replay duplicated orders: got %d, want 3", len(orders))
	}
}

func TestApproveIdempotencySurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	if _, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "deploy-7"); err != nil {
		t.Fatalf("first approval failed: %v", err)
	}

	// A fresh service has a cold cache; the durable record must still answer.
	cold := NewService(h.store, h.registry, 30*time.Second, time.Minute, 10, zerolog.Nop())
	replay, err := cold.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "deploy-7")
	if err != nil {
		t.Fatalf("cold replay failed: %v", err)
	}
	if replay.MigratedCount != 3 {
		t.Errorf("cold replay migrated = %d, want 3", replay.MigratedCount)
	}

	orders, err := h.store.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 3 {
		t.Errorf("cold replay duplicated orders: got %d", len(orders))
	}
}

func TestRejectCascadesToStagedRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	rejected, err := h.approval.RejectFormat(ctx, formatID, "admin-1", "columns misread")
	if err != nil {
		t.Fatalf("RejectFormat failed: %v", err)
	}
	if rejected != 3 {
		t.Errorf("rejected rows = %d, want 3", rejected)
	}

	rows, err := h.store.GetStagingRows(ctx, store.StagingFilter{FormatID: formatID})
	if err != nil {
		t.Fatalf("staging query failed: %v", err)
	}
	for _, row := range rows {
		if row.MigrationStatus != models.StagingRejected {
			t.Errorf("row %d status = %s, want REJECTED", row.RowIndex, row.MigrationStatus)
		}
	}

	// A rejected format cannot subsequently be approved.
	if _, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-2", nil, ""); err == nil {
		t.Fatal("expected error approving a rejected format")
	}

	orders, err := h.store.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("rejected format produced %d orders", len(orders))
	}
}

func TestProcessOrphanedStagingRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	// Approve through the registry only, simulating a crash between approval
	// and migration: the rows are orphaned PENDING under an approved format.
	if _, err := h.registry.Approve(ctx, formatID, "admin-1", nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	result, err := h.approval.ProcessOrphanedStagingRecords(ctx, "admin-1")
	if err != nil {
		t.Fatalf("ProcessOrphanedStagingRecords failed: %v", err)
	}
	if result.MigratedCount != 3 {
		t.Errorf("migrated = %d, want 3", result.MigratedCount)
	}

	// Second sweep finds nothing left to do.
	again, err := h.approval.ProcessOrphanedStagingRecords(ctx, "admin-1")
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if again.MigratedCount != 0 || again.FailedCount != 0 {
		t.Errorf("second sweep re-migrated: %+v", again)
	}

	orders, err := h.store.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 3 {
		t.Errorf("got %d orders, want 3", len(orders))
	}
}

func TestRollbackMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	if _, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, ""); err != nil {
		t.Fatalf("approval failed: %v", err)
	}

	n, err := h.approval.RollbackMigration(ctx, formatID, "admin-1")
	if err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if n != 3 {
		t.Errorf("rolled back %d rows, want 3", n)
	}

	orders, err := h.store.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("rollback left %d orders", len(orders))
	}

	rows, err := h.store.GetStagingRows(ctx, store.StagingFilter{FormatID: formatID})
	if err != nil {
		t.Fatalf("staging query failed: %v", err)
	}
	for _, row := range rows {
		if row.MigrationStatus != models.StagingPending {
			t.Errorf("row %d status = %s, want PENDING after rollback", row.RowIndex, row.MigrationStatus)
		}
		if row.MigratedOrderID != "" {
			t.Errorf("row %d still references order %s", row.RowIndex, row.MigratedOrderID)
		}
	}
}

func TestApproveBlockedByHeldLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	acquired, _, err := h.store.AcquireFormatLock(ctx, formatID, "other-process", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("lock setup failed: acquired=%v err=%v", acquired, err)
	}

	_, err = h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "")
	if err == nil {
		t.Fatal("expected concurrent approval error")
	}
	var concurrent *apperrors.ConcurrentApprovalError
	if !apperrors.As(err, &concurrent) {
		t.Fatalf("error %T is not a ConcurrentApprovalError", err)
	}
	if concurrent.Holder != "other-process" {
		t.Errorf("holder = %q, want other-process", concurrent.Holder)
	}

	// Lock released: the retry goes through.
	if err := h.store.ReleaseFormatLock(ctx, formatID, "other-process"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	result, err := h.approval.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "")
	if err != nil {
		t.Fatalf("retry after release failed: %v", err)
	}
	if result.MigratedCount != 3 {
		t.Errorf("migrated = %d, want 3", result.MigratedCount)
	}
}

func TestApprovalRateLimitPerAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	formatID := h.stage(t, stagingCSV, "user-1")

	// Burst of one approval per minute.
	tight := NewService(h.store, h.registry, 30*time.Second, time.Minute, 1, zerolog.Nop())

	if _, err := tight.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, ""); err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	_, err := tight.ApproveFormatAndMigrateOrders(ctx, formatID, "admin-1", nil, "")
	if !apperrors.Is(err, apperrors.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}

	// A different admin has an independent budget.
	if _, err := tight.RejectFormat(ctx, formatID, "admin-2", "n/a"); err != nil && apperrors.Is(err, apperrors.ErrRateLimited) {
		t.Errorf("admin-2 rate limited by admin-1's spend: %v", err)
	}
}
