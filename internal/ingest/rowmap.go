package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradejournal/internal/models"
)

// symbolPattern is the canonical symbol shape. Anything else is a validation
// issue on the row, never silently normalized away.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9\-\.]{1,12}$`)

// timestampLayouts covers the date formats seen across broker exports.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"2006-01-02",
	"01/02/2006",
}

// MapRow applies a format's field mappings to one raw CSV row, producing the
// best-effort mapped view. Columns mapped to brokerMetadata are preserved
// under their original header.
func MapRow(fieldMappings map[string]models.FieldMapping, raw map[string]string) models.MappedRow {
	mapped := models.MappedRow{
		Values:   make(map[models.CanonicalField]string),
		Metadata: make(map[string]string),
	}

	var confidenceSum float64
	var count int
	for header, value := range raw {
		fm, ok := fieldMappings[header]
		if !ok || fm.CanonicalField == models.FieldBrokerMetadata {
			if value != "" {
				mapped.Metadata[header] = value
			}
			continue
		}
		mapped.Values[fm.CanonicalField] = value
		confidenceSum += fm.Confidence
		count++
	}
	if count > 0 {
		mapped.Confidence = confidenceSum / float64(count)
	}

	return mapped
}

// BuildOrder validates a mapped row and constructs a typed Order. The issues
// list is non-empty exactly when the row must be excluded from insertion;
// this is the single boundary where duck-typed row data becomes typed.
func BuildOrder(mapped models.MappedRow, userID, batchID, brokerID string, tags []string) (*models.Order, []string) {
	var issues []string

	symbol := strings.ToUpper(strings.TrimSpace(mapped.Values[models.FieldSymbol]))
	if symbol == "" {
		issues = append(issues, fmt.Sprintf("missing required field %s", models.FieldSymbol))
	} else if !symbolPattern.MatchString(symbol) {
		issues = append(issues, fmt.Sprintf("invalid symbol %q, expected %s", symbol, symbolPattern.String()))
	}

	var side models.OrderSide
	if rawSide := mapped.Values[models.FieldSide]; rawSide == "" {
		issues = append(issues, fmt.Sprintf("missing required field %s", models.FieldSide))
	} else if normalized, ok := models.NormalizeSide(rawSide); !ok {
		issues = append(issues, fmt.Sprintf("invalid side value %q, not a recognized broker side label", rawSide))
	} else {
		side = normalized
	}

	var quantity float64
	if rawQty := mapped.Values[models.FieldQuantity]; rawQty == "" {
		issues = append(issues, fmt.Sprintf("missing required field %s", models.FieldQuantity))
	} else if qty, err := parseNumber(rawQty); err != nil {
		issues = append(issues, fmt.Sprintf("invalid quantity %q", rawQty))
	} else if qty < 0 {
		issues = append(issues, fmt.Sprintf("negative quantity %q", rawQty))
	} else {
		quantity = qty
	}

	var executedAt time.Time
	if rawTime := mapped.Values[models.FieldOrderExecutedTime]; rawTime == "" {
		issues = append(issues, fmt.Sprintf("missing required field %s", models.FieldOrderExecutedTime))
	} else if t, err := parseTimestamp(rawTime); err != nil {
		issues = append(issues, fmt.Sprintf("invalid date format %q", rawTime))
	} else {
		executedAt = t
	}

	var placedAt *time.Time
	if rawPlaced := mapped.Values[models.FieldOrderPlacedTime]; rawPlaced != "" {
		if t, err := parseTimestamp(rawPlaced); err == nil {
			placedAt = &t
		} else {
			issues = append(issues, fmt.Sprintf("invalid date format %q", rawPlaced))
		}
	}

	price := parseOptionalNumber(mapped.Values[models.FieldPrice], &issues, string(models.FieldPrice))
	commission := parseOptionalNumber(mapped.Values[models.FieldCommission], &issues, string(models.FieldCommission))
	fees := parseOptionalNumber(mapped.Values[models.FieldFees], &issues, string(models.FieldFees))

	if len(issues) > 0 {
		return nil, issues
	}

	return &models.Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		ImportBatchID:  batchID,
		BrokerID:       brokerID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		Price:          price,
		Commission:     commission,
		Fees:           fees,
		PlacedAt:       placedAt,
		ExecutedAt:     executedAt,
		Route:          mapped.Values[models.FieldRoute],
		Account:        mapped.Values[models.FieldAccount],
		Tags:           tags,
		BrokerMetadata: mapped.Metadata,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func parseOptionalNumber(raw string, issues *[]string, field string) float64 {
	if raw == "" {
		return 0
	}
	v, err := parseNumber(raw)
	if err != nil {
		*issues = append(*issues, fmt.Sprintf("invalid %s %q", field, raw))
		return 0
	}
	return v
}

// parseNumber accepts broker money/number spellings: $ prefixes, thousands
// separators, and accounting-style parentheses for negatives.
func parseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "$", "")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if negative {
		v = -v
	}
	return v, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// RequiredCoverage reports the required canonical fields that the given
// mappings leave unmapped.
func RequiredCoverage(fieldMappings map[string]models.FieldMapping) []models.CanonicalField {
	mapped := make(map[models.CanonicalField]bool)
	for _, fm := range fieldMappings {
		mapped[fm.CanonicalField] = true
	}
	var missing []models.CanonicalField
	for _, f := range models.RequiredFields() {
		if !mapped[f] {
			missing = append(missing, f)
		}
	}
	return missing
}
