package mapper

import (
	"strconv"
	"strings"
	"time"

	"tradejournal/internal/models"
)

// headerSynonyms maps normalized header spellings seen across broker exports
// onto canonical fields. Exact synonym hits score higher than substring hits.
var headerSynonyms = map[models.CanonicalField][]string{
	models.FieldSymbol:            {"symbol", "ticker", "instrument", "stock", "underlying", "security"},
	models.FieldSide:              {"side", "action", "buysell", "buy sell", "transaction type", "order type", "type"},
	models.FieldQuantity:          {"quantity", "qty", "shares", "filled qty", "fill qty", "exec qty", "size", "contracts"},
	models.FieldPrice:             {"price", "avg price", "average price", "fill price", "exec price", "trade price", "execution price"},
	models.FieldOrderPlacedTime:   {"placed time", "order time", "placed", "submit time", "order date"},
	models.FieldOrderExecutedTime: {"executed time", "exec time", "fill time", "filled time", "execution time", "trade time", "time", "date time", "datetime", "trade date", "date"},
	models.FieldCommission:        {"commission", "comm", "commissions"},
	models.FieldFees:              {"fees", "fee", "ecn fee", "sec fee", "reg fees", "other fees"},
	models.FieldRoute:             {"route", "venue", "exchange", "destination"},
	models.FieldAccount:           {"account", "acct", "account id", "account number"},
}

var sampleTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006 15:04:05 PM",
	"2006-01-02 15:04:05 -0700",
}

// heuristicMap produces a rule-based mapping from header synonyms plus
// sample-value probing. Used when no LLM is configured or the call fails.
func (m *ColumnMapper) heuristicMap(headers []string, sampleRows [][]string) *MappingResult {
	result := &MappingResult{
		Mappings: make(map[string]models.FieldMapping, len(headers)),
	}

	claimed := make(map[models.CanonicalField]bool)

	// First pass: synonym matching on normalized headers.
	for _, header := range headers {
		norm := normalizeHeader(header)
		if field, confidence, ok := matchSynonym(norm, claimed); ok {
			result.Mappings[header] = models.FieldMapping{
				CanonicalField: field,
				Confidence:     confidence,
				Rationale:      "header matches known broker column name",
			}
			if field != models.FieldBrokerMetadata {
				claimed[field] = true
			}
		}
	}

	// Second pass: probe sample values for still-unmapped headers.
	for i, header := range headers {
		if _, done := result.Mappings[header]; done {
			continue
		}
		samples := columnSamples(sampleRows, i)
		if field, confidence, rationale, ok := probeSamples(samples, claimed); ok {
			result.Mappings[header] = models.FieldMapping{
				CanonicalField: field,
				Confidence:     confidence,
				Rationale:      rationale,
			}
			claimed[field] = true
			continue
		}
		result.Mappings[header] = models.FieldMapping{
			CanonicalField: models.FieldBrokerMetadata,
			Confidence:     0.3,
			Rationale:      "no canonical field matched, kept as broker metadata",
		}
	}

	return result
}

func normalizeHeader(header string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '_', r == '-', r == '/', r == '.':
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func matchSynonym(norm string, claimed map[models.CanonicalField]bool) (models.CanonicalField, float64, bool) {
	// Exact hits first so "price" does not land on "avg price"'s field.
	for _, spec := range models.CanonicalSchema {
		for _, syn := range headerSynonyms[spec.Field] {
			if norm == syn && !claimed[spec.Field] {
				return spec.Field, 0.9, true
			}
		}
	}
	for _, spec := range models.CanonicalSchema {
		for _, syn := range headerSynonyms[spec.Field] {
			if strings.Contains(norm, syn) && !claimed[spec.Field] {
				return spec.Field, 0.7, true
			}
		}
	}
	return "", 0, false
}

func columnSamples(sampleRows [][]string, col int) []string {
	var samples []string
	for _, row := range sampleRows {
		if col < len(row) && strings.TrimSpace(row[col]) != "" {
			samples = append(samples, strings.TrimSpace(row[col]))
		}
	}
	return samples
}

// probeSamples guesses a field from what the column's values look like.
// Conservative confidences: a probe hit alone never clears the review
// threshold.
func probeSamples(samples []string, claimed map[models.CanonicalField]bool) (models.CanonicalField, float64, string, bool) {
	if len(samples) == 0 {
		return "", 0, "", false
	}

	allSides, allTimes, allNumeric, anyDecimal := true, true, true, false
	for _, v := range samples {
		if _, ok := models.NormalizeSide(v); !ok {
			allSides = false
		}
		if !looksLikeTime(v) {
			allTimes = false
		}
		if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err != nil {
			allNumeric = false
		} else if f != float64(int64(f)) {
			anyDecimal = true
		}
	}

	switch {
	case allSides && !claimed[models.FieldSide]:
		return models.FieldSide, 0.6, "sample values are all recognized side labels", true
	case allTimes && !claimed[models.FieldOrderExecutedTime]:
		return models.FieldOrderExecutedTime, 0.5, "sample values parse as timestamps", true
	case allNumeric && anyDecimal && !claimed[models.FieldPrice]:
		return models.FieldPrice, 0.4, "sample values are decimal numbers", true
	case allNumeric && !anyDecimal && !claimed[models.FieldQuantity]:
		return models.FieldQuantity, 0.4, "sample values are whole numbers", true
	}
	return "", 0, "", false
}

func looksLikeTime(v string) bool {
	for _, layout := range sampleTimeLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
