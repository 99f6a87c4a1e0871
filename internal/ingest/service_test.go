package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/mapper"
	"tradejournal/internal/models"
	"tradejournal/internal/registry"
	"tradejournal/internal/store"
)

const sampleCSV = `Symbol,Side,Qty,Price,Exec Time
AAPL,BUY,100,150.25,2024-03-01 10:30:00
AAPL,SELL,100,152.00,2024-03-01 11:15:00
TSLA,BUY,50,200.00,2024-03-01 12:00:00
`

func newTestService(t *testing.T) (*Service, store.DataStore, *registry.Registry) {
	t.Helper()
	dataStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	logger := zerolog.Nop()
	columnMapper := mapper.NewColumnMapper(nil, 5*time.Second, 0.7, logger)
	formatRegistry := registry.New(dataStore, 10, logger)
	svc := NewService(dataStore, columnMapper, formatRegistry, 0.7, 5, 10, logger)
	return svc, dataStore, formatRegistry
}

func TestIngestUnknownFormatStagesRows(t *testing.T) {
	ctx := context.Background()
	svc, dataStore, _ := newTestService(t)

	result, err := svc.Ingest(ctx, []byte(sampleCSV), "export.csv", "user-1", "ibkr", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if !result.FormatCreated {
		t.Error("first upload should create the format")
	}
	if !result.RequiresReview {
		t.Error("unapproved format must route to staging")
	}
	if result.DirectOrders != 0 || result.StagedRows != 3 {
		t.Errorf("direct/staged = %d/%d, want 0/3", result.DirectOrders, result.StagedRows)
	}

	rows, err := dataStore.GetStagingRows(ctx, store.StagingFilter{FormatID: result.FormatID})
	if err != nil {
		t.Fatalf("staging query failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d staged rows, want 3", len(rows))
	}
	for _, row := range rows {
		if row.MigrationStatus != models.StagingPending {
			t.Errorf("row %d status = %s, want PENDING", row.RowIndex, row.MigrationStatus)
		}
		if row.RawCsvRow["Symbol"] == "" {
			t.Error("raw row values not preserved")
		}
	}

	orders, err := dataStore.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("staging path created %d orders", len(orders))
	}
}

func TestIngestApprovedFormatImportsDirectly(t *testing.T) {
	ctx := context.Background()
	svc, dataStore, formatRegistry := newTestService(t)

	// First upload registers the format and stages.
	first, err := svc.Ingest(ctx, []byte(sampleCSV), "export.csv", "user-1", "ibkr", nil)
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}

	if _, err := formatRegistry.Approve(ctx, first.FormatID, "admin-1", nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	// Second upload of the same shape goes direct.
	second, err := svc.Ingest(ctx, []byte(sampleCSV), "export.csv", "user-2", "ibkr", []string{"swing"})
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if second.FormatCreated {
		t.Error("same signature must reuse the format")
	}
	if second.FormatID != first.FormatID {
		t.Errorf("format id = %s, want %s", second.FormatID, first.FormatID)
	}
	if second.RequiresReview {
		t.Error("approved high-confidence format must not require review")
	}
	if second.DirectOrders != 3 || second.StagedRows != 0 {
		t.Errorf("direct/staged = %d/%d, want 3/0", second.DirectOrders, second.StagedRows)
	}

	orders, err := dataStore.GetOrders(ctx, store.OrderFilter{UserID: "user-2"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}
	if orders[0].Symbol != "AAPL" || orders[0].Side != models.SideBuy {
		t.Errorf("first order = %s %s", orders[0].Symbol, orders[0].Side)
	}
	if len(orders[0].Tags) != 1 || orders[0].Tags[0] != "swing" {
		t.Errorf("tags = %v", orders[0].Tags)
	}
}

func TestIngestDirectSkipsBadRowsWithoutAborting(t *testing.T) {
	ctx := context.Background()
	svc, dataStore, formatRegistry := newTestService(t)

	first, err := svc.Ingest(ctx, []byte(sampleCSV), "export.csv", "user-1", "ibkr", nil)
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	if _, err := formatRegistry.Approve(ctx, first.FormatID, "admin-1", nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	mixed := `Symbol,Side,Qty,Price,Exec Time
AAPL,BUY,100,150.25,2024-03-01 10:30:00
TSLA,TRANSFER,50,200.00,2024-03-01 12:00:00
MSFT,SELL,25,410.00,2024-03-01 13:00:00
`
	result, err := svc.Ingest(ctx, []byte(mixed), "export.csv", "user-3", "ibkr", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if result.DirectOrders != 2 {
		t.Errorf("direct orders = %d, want 2", result.DirectOrders)
	}
	if len(result.RowErrors) != 1 || result.RowErrors[0].RowIndex != 1 {
		t.Errorf("row errors = %+v", result.RowErrors)
	}

	orders, err := dataStore.GetOrders(ctx, store.OrderFilter{UserID: "user-3"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("got %d orders, want 2", len(orders))
	}
}

func TestIngestMalformedCSVPersistsNothing(t *testing.T) {
	ctx := context.Background()
	svc, dataStore, _ := newTestService(t)

	_, err := svc.Ingest(ctx, []byte("Symbol,Side\nAAPL\n"), "bad.csv", "user-1", "ibkr", nil)
	if err == nil {
		t.Fatal("expected parse error")
	}
	var parseErr *apperrors.ParseError
	if !apperrors.As(err, &parseErr) {
		t.Fatalf("error %T is not a ParseError", err)
	}

	rows, err := dataStore.GetStagingRows(ctx, store.StagingFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("staging query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("parse failure staged %d rows", len(rows))
	}
}

func TestIngestWithCorrectionsImportsInline(t *testing.T) {
	ctx := context.Background()
	svc, dataStore, _ := newTestService(t)

	// Headers cryptic enough that the heuristic maps them to metadata.
	cryptic := `Tkr,Action Code,Filled Amount,Px,When
AAPL,BUY,100,150.25,2024-03-01 10:30:00
AAPL,SELL,100,152.00,2024-03-01 11:15:00
`
	corrections := map[string]models.FieldMapping{
		"Tkr":           {CanonicalField: models.FieldSymbol},
		"Action Code":   {CanonicalField: models.FieldSide},
		"Filled Amount": {CanonicalField: models.FieldQuantity},
		"Px":            {CanonicalField: models.FieldPrice},
		"When":          {CanonicalField: models.FieldOrderExecutedTime},
	}

	result, err := svc.IngestWithCorrections(ctx, []byte(cryptic), "export.csv", "user-1", "webull", nil, corrections)
	if err != nil {
		t.Fatalf("IngestWithCorrections failed: %v", err)
	}
	if result.DirectOrders != 2 {
		t.Errorf("direct orders = %d, want 2", result.DirectOrders)
	}

	orders, err := dataStore.GetOrders(ctx, store.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}

	// Corrections were merged into the stored format.
	format, err := dataStore.GetFormatByID(ctx, result.FormatID)
	if err != nil {
		t.Fatalf("format lookup failed: %v", err)
	}
	if got := format.FieldMappings["Tkr"].CanonicalField; got != models.FieldSymbol {
		t.Errorf("Tkr mapping = %s, want symbol", got)
	}
}

func TestIngestWithCorrectionsRejectedFormatRefused(t *testing.T) {
	ctx := context.Background()
	svc, dataStore, formatRegistry := newTestService(t)

	first, err := svc.Ingest(ctx, []byte(sampleCSV), "export.csv", "user-1", "ibkr", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if _, err := formatRegistry.Reject(ctx, first.FormatID, "admin-1", "columns are garbage"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// Inline corrections must not bypass the rejection.
	corrections := map[string]models.FieldMapping{
		"Qty": {CanonicalField: models.FieldQuantity},
	}
	_, err = svc.IngestWithCorrections(ctx, []byte(sampleCSV), "export.csv", "user-2", "ibkr", nil, corrections)
	if !apperrors.Is(err, apperrors.ErrFormatRejected) {
		t.Fatalf("error = %v, want ErrFormatRejected", err)
	}

	orders, err := dataStore.GetOrders(ctx, store.OrderFilter{UserID: "user-2"})
	if err != nil {
		t.Fatalf("order query failed: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("rejected format produced %d orders", len(orders))
	}
}

func TestIngestWithCorrectionsStillMissingRequired(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	cryptic := `Tkr,Action Code,Filled Amount
AAPL,BUY,100
`
	// Correction covers the symbol only; side/quantity/executed time stay
	// unmapped or cryptic.
	corrections := map[string]models.FieldMapping{
		"Tkr": {CanonicalField: models.FieldSymbol},
	}

	_, err := svc.IngestWithCorrections(ctx, []byte(cryptic), "export.csv", "user-1", "webull", nil, corrections)
	if err == nil {
		t.Fatal("expected missing-required error")
	}
	if !apperrors.Is(err, apperrors.ErrMissingRequired) {
		t.Errorf("error = %v, want ErrMissingRequired", err)
	}
}
