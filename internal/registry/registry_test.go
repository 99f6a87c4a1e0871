package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/mapper"
	"tradejournal/internal/models"
	"tradejournal/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, store.DataStore) {
	t.Helper()
	dataStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })
	return New(dataStore, 10, zerolog.Nop()), dataStore
}

func testMapping() *mapper.MappingResult {
	return &mapper.MappingResult{
		Mappings: map[string]models.FieldMapping{
			"Symbol":    {CanonicalField: models.FieldSymbol, Confidence: 0.95},
			"Side":      {CanonicalField: models.FieldSide, Confidence: 0.95},
			"Qty":       {CanonicalField: models.FieldQuantity, Confidence: 0.9},
			"Exec Time": {CanonicalField: models.FieldOrderExecutedTime, Confidence: 0.9},
		},
		OverallConfidence: 0.92,
	}
}

func TestSignatureNormalization(t *testing.T) {
	base := Signature([]string{"Symbol", "Side", "Qty"})

	cases := []struct {
		name    string
		headers []string
		same    bool
	}{
		{"identical", []string{"Symbol", "Side", "Qty"}, true},
		{"reordered", []string{"Qty", "Symbol", "Side"}, true},
		{"case folded", []string{"SYMBOL", "side", "qTy"}, true},
		{"whitespace", []string{" Symbol ", "Side", "Qty"}, true},
		{"extra column", []string{"Symbol", "Side", "Qty", "Price"}, false},
		{"renamed column", []string{"Symbol", "Side", "Quantity"}, false},
	}

	for _, tc := range cases {
		got := Signature(tc.headers)
		if (got == base) != tc.same {
			t.Errorf("%s: Signature(%v) same=%v, want %v", tc.name, tc.headers, got == base, tc.same)
		}
	}
}

func TestFindOrCreateReusesFormat(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	headers := []string{"Symbol", "Side", "Qty", "Exec Time"}

	format, created, err := reg.FindOrCreate(ctx, "tdameritrade", headers, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected first lookup to create")
	}
	if format.IsApproved {
		t.Error("new format must not be approved")
	}
	if format.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", format.UsageCount)
	}

	// Same shape, different column order: same format, usage bumped.
	again, created, err := reg.FindOrCreate(ctx, "tdameritrade", []string{"Qty", "Exec Time", "Symbol", "Side"}, nil, testMapping())
	if err != nil {
		t.Fatalf("second FindOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected reuse, got create")
	}
	if again.ID != format.ID {
		t.Errorf("format id = %s, want %s", again.ID, format.ID)
	}
	if again.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", again.UsageCount)
	}

	// Same headers, different broker: distinct format.
	other, created, err := reg.FindOrCreate(ctx, "webull", headers, nil, testMapping())
	if err != nil {
		t.Fatalf("cross-broker FindOrCreate failed: %v", err)
	}
	if !created || other.ID == format.ID {
		t.Error("same signature under a different broker must be a new format")
	}
}

func TestApproveMergesCorrectionsAndRecordsFeedback(t *testing.T) {
	ctx := context.Background()
	reg, dataStore := newTestRegistry(t)

	mapping := testMapping()
	mapping.Mappings["Filled"] = models.FieldMapping{CanonicalField: models.FieldBrokerMetadata, Confidence: 0.2}
	format, _, err := reg.FindOrCreate(ctx, "etrade", []string{"Symbol", "Side", "Qty", "Exec Time", "Filled"}, nil, mapping)
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	confidenceBefore := format.Confidence

	approved, err := reg.Approve(ctx, format.ID, "admin-1", map[string]models.FieldMapping{
		"Filled": {CanonicalField: models.FieldQuantity},
	})
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !approved.IsApproved {
		t.Error("format not approved")
	}
	if approved.ApprovedBy != "admin-1" || approved.ApprovedAt == nil {
		t.Error("approval metadata missing")
	}
	if got := approved.FieldMappings["Filled"].CanonicalField; got != models.FieldQuantity {
		t.Errorf("corrected mapping = %s, want quantity", got)
	}
	if approved.FieldMappings["Filled"].Confidence != 1.0 {
		t.Errorf("human correction confidence = %v, want 1.0", approved.FieldMappings["Filled"].Confidence)
	}
	if approved.Confidence >= confidenceBefore {
		t.Errorf("confidence %v did not decay from %v after a correction", approved.Confidence, confidenceBefore)
	}

	// The change survives a reload.
	reloaded, err := dataStore.GetFormatByID(ctx, format.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.IsApproved {
		t.Error("approval not persisted")
	}
}

func TestApproveUnknownHeaderFails(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	format, _, err := reg.FindOrCreate(ctx, "etrade", []string{"Symbol", "Side", "Qty", "Exec Time"}, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}

	_, err = reg.Approve(ctx, format.ID, "admin-1", map[string]models.FieldMapping{
		"No Such Column": {CanonicalField: models.FieldPrice},
	})
	if err == nil {
		t.Fatal("expected error correcting a header the format does not have")
	}
}

func TestRejectedFormatCannotBeApproved(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	format, _, err := reg.FindOrCreate(ctx, "robinhood", []string{"Symbol", "Side", "Qty", "Exec Time"}, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}

	rejected, err := reg.Reject(ctx, format.ID, "admin-1", "mapping is nonsense")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if !rejected.Rejected() || rejected.RejectReason != "mapping is nonsense" {
		t.Error("rejection metadata missing")
	}

	if _, err := reg.Approve(ctx, format.ID, "admin-2", nil); err == nil {
		t.Fatal("expected error approving a rejected format")
	}
}

func TestListPendingExcludesRejected(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	headers := []string{"Symbol", "Side", "Qty", "Exec Time"}
	first, _, err := reg.FindOrCreate(ctx, "a-broker", headers, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	bad, _, err := reg.FindOrCreate(ctx, "b-broker", headers, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	second, _, err := reg.FindOrCreate(ctx, "c-broker", headers, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	if _, err := reg.Reject(ctx, bad.ID, "admin-1", "junk"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// A page sized for the unrejected formats comes back full: the rejected
	// one in between must not eat a page slot.
	summaries, err := reg.ListPending(ctx, store.SortByCreated, 2, 0)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d pending formats, want 2", len(summaries))
	}
	for _, s := range summaries {
		if s.Format.ID == bad.ID {
			t.Errorf("rejected format %s listed as pending", bad.ID)
		}
		if s.Format.ID != first.ID && s.Format.ID != second.ID {
			t.Errorf("unexpected format %s in pending list", s.Format.ID)
		}
	}
}

func TestApproveMissingFormatReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	_, err := reg.Approve(ctx, "no-such-format", "admin-1", nil)
	if !apperrors.Is(err, apperrors.ErrFormatNotFound) {
		t.Errorf("error = %v, want ErrFormatNotFound", err)
	}
}

func TestUserCorrectionsRateLimited(t *testing.T) {
	ctx := context.Background()
	dataStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })
	reg := New(dataStore, 1, zerolog.Nop()) // one correction per minute

	format, _, err := reg.FindOrCreate(ctx, "ibkr", []string{"Symbol", "Side", "Qty", "Exec Time"}, nil, testMapping())
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}

	correction := map[string]models.FieldMapping{
		"Qty": {CanonicalField: models.FieldPrice},
	}
	if _, err := reg.ApplyUserCorrections(ctx, format.ID, "user-1", correction); err != nil {
		t.Fatalf("first correction failed: %v", err)
	}

	_, err = reg.ApplyUserCorrections(ctx, format.ID, "user-1", correction)
	if !apperrors.Is(err, apperrors.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}

	// The limit is per user.
	if _, err := reg.ApplyUserCorrections(ctx, format.ID, "user-2", correction); err != nil {
		t.Errorf("other user's correction limited: %v", err)
	}
}
