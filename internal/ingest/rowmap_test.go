package ingest

import (
	"errors"
	"strings"
	"testing"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/models"
)

func TestParseCSVRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"empty file", ""},
		{"headers only", "Symbol,Side,Qty\n"},
		{"blank header row", " , , \nAAPL,BUY,100\n"},
		{"ragged rows", "Symbol,Side,Qty\nAAPL,BUY,100\nTSLA,SELL\n"},
		{"unterminated quote", "Symbol,Side,Qty\n\"AAPL,BUY,100\n"},
	}

	for _, tc := range cases {
		_, _, err := parseCSV([]byte(tc.data), "upload.csv")
		if err == nil {
			t.Errorf("%s: expected parse error", tc.name)
			continue
		}
		var parseErr *apperrors.ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("%s: error %T is not a ParseError", tc.name, err)
		}
	}
}

func TestParseCSVSkipsBlankRows(t *testing.T) {
	data := "Symbol,Side,Qty\nAAPL,BUY,100\n,,\nTSLA,SELL,50\n"
	headers, rows, err := parseCSV([]byte(data), "upload.csv")
	if err != nil {
		t.Fatalf("parseCSV failed: %v", err)
	}
	if len(headers) != 3 {
		t.Errorf("headers = %v", headers)
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2 (blank row skipped)", len(rows))
	}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"100", 100, true},
		{"100.5", 100.5, true},
		{"-3.25", -3.25, true},
		{"$1,234.56", 1234.56, true},
		{"(5.00)", -5, true},
		{"($1,000)", -1000, true},
		{" 42 ", 42, true},
		{"1e3", 1000, true},
		{"abc", 0, false},
		{"", 0, false},
		{"12..5", 0, false},
	}

	for _, tc := range cases {
		got, err := parseNumber(tc.raw)
		if (err == nil) != tc.ok {
			t.Errorf("parseNumber(%q) err = %v, ok want %v", tc.raw, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("parseNumber(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	for _, raw := range []string{
		"2024-03-01 10:30:00",
		"2024-03-01T10:30:00",
		"03/01/2024 10:30:00",
		"03/01/2024 10:30",
		"3/1/2024 1:30:00 PM",
		"2024-03-01",
		"03/01/2024",
	} {
		if _, err := parseTimestamp(raw); err != nil {
			t.Errorf("parseTimestamp(%q) failed: %v", raw, err)
		}
	}
	if _, err := parseTimestamp("first of March"); err == nil {
		t.Error("expected error for prose date")
	}
}

func testFieldMappings() map[string]models.FieldMapping {
	return map[string]models.FieldMapping{
		"Symbol":    {CanonicalField: models.FieldSymbol, Confidence: 0.9},
		"Side":      {CanonicalField: models.FieldSide, Confidence: 0.9},
		"Qty":       {CanonicalField: models.FieldQuantity, Confidence: 0.9},
		"Price":     {CanonicalField: models.FieldPrice, Confidence: 0.9},
		"Exec Time": {CanonicalField: models.FieldOrderExecutedTime, Confidence: 0.9},
		"Notes":     {CanonicalField: models.FieldBrokerMetadata, Confidence: 0.5},
	}
}

func TestMapRowPreservesMetadata(t *testing.T) {
	raw := map[string]string{
		"Symbol":    "AAPL",
		"Side":      "BUY",
		"Qty":       "100",
		"Price":     "150.25",
		"Exec Time": "2024-03-01 10:30:00",
		"Notes":     "opening position",
		"Cusip":     "037833100", // header not in the format at all
	}

	mapped := MapRow(testFieldMappings(), raw)

	if mapped.Values[models.FieldSymbol] != "AAPL" {
		t.Errorf("symbol = %q", mapped.Values[models.FieldSymbol])
	}
	if mapped.Metadata["Notes"] != "opening position" {
		t.Errorf("metadata-mapped column lost: %v", mapped.Metadata)
	}
	if mapped.Metadata["Cusip"] != "037833100" {
		t.Errorf("unmapped column lost: %v", mapped.Metadata)
	}
	if mapped.Confidence == 0 {
		t.Error("mapped confidence not computed")
	}
}

func TestBuildOrderValid(t *testing.T) {
	mapped := MapRow(testFieldMappings(), map[string]string{
		"Symbol":    "aapl",
		"Side":      "Bot",
		"Qty":       "100",
		"Price":     "$150.25",
		"Exec Time": "2024-03-01 10:30:00",
		"Notes":     "x",
	})

	order, issues := BuildOrder(mapped, "user-1", "batch-1", "ibkr", []string{"main"})
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if order.Symbol != "AAPL" {
		t.Errorf("symbol not uppercased: %q", order.Symbol)
	}
	if order.Side != models.SideBuy {
		t.Errorf("side = %s", order.Side)
	}
	if order.Quantity != 100 || order.Price != 150.25 {
		t.Errorf("qty/price = %v/%v", order.Quantity, order.Price)
	}
	if order.BrokerMetadata["Notes"] != "x" {
		t.Error("broker metadata not carried onto order")
	}
	if order.UserID != "user-1" || order.ImportBatchID != "batch-1" || order.BrokerID != "ibkr" {
		t.Error("ownership fields not set")
	}
}

func TestBuildOrderCollectsAllIssues(t *testing.T) {
	mapped := MapRow(testFieldMappings(), map[string]string{
		"Symbol":    "not a symbol!!",
		"Side":      "transfer",
		"Qty":       "-5",
		"Exec Time": "someday",
	})

	order, issues := BuildOrder(mapped, "user-1", "batch-1", "ibkr", nil)
	if order != nil {
		t.Fatal("invalid row must not produce an order")
	}
	if len(issues) != 4 {
		t.Errorf("issues = %v, want 4 entries", issues)
	}
	joined := strings.Join(issues, "; ")
	for _, want := range []string{"invalid symbol", "invalid side", "negative quantity", "invalid date"} {
		if !strings.Contains(joined, want) {
			t.Errorf("issues missing %q: %v", want, issues)
		}
	}
}

func TestBuildOrderMissingRequired(t *testing.T) {
	mapped := MapRow(testFieldMappings(), map[string]string{"Price": "10"})
	_, issues := BuildOrder(mapped, "user-1", "batch-1", "ibkr", nil)
	if len(issues) != 4 {
		t.Errorf("issues = %v, want one per missing required field", issues)
	}
}

func TestRequiredCoverage(t *testing.T) {
	full := testFieldMappings()
	if missing := RequiredCoverage(full); len(missing) != 0 {
		t.Errorf("full mapping reported missing %v", missing)
	}

	partial := map[string]models.FieldMapping{
		"Symbol": {CanonicalField: models.FieldSymbol},
		"Qty":    {CanonicalField: models.FieldQuantity},
	}
	missing := RequiredCoverage(partial)
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want side and orderExecutedTime", missing)
	}
}
