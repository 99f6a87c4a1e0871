package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradejournal/internal/models"
	"tradejournal/pkg/utils"
)

// MappingResult is the advisory output of column mapping. It never writes
// data itself; ingestion branches on it.
type MappingResult struct {
	Mappings           map[string]models.FieldMapping `json:"mappings"` // header -> mapping
	OverallConfidence  float64                        `json:"overallConfidence"`
	RequiresUserReview bool                           `json:"requiresUserReview"`
	MissingRequired    []models.CanonicalField        `json:"missingRequired"`
	Suggestions        []string                       `json:"suggestions"`

	// Source is "ai" or "heuristic". Degraded is set when the AI call failed
	// and the heuristic fallback was substituted; ingestion treats that as a
	// mapping failure and forces the staging path.
	Source   string `json:"source"`
	Degraded bool   `json:"degraded"`
}

// ColumnMapper maps CSV headers onto the canonical order schema using an LLM
// with a heuristic fallback. With no LLM client configured it runs purely
// heuristic.
type ColumnMapper struct {
	llm       LLMClient
	timeout   time.Duration
	threshold float64
	logger    zerolog.Logger
}

// NewColumnMapper creates a column mapper. llm may be nil.
func NewColumnMapper(llm LLMClient, timeout time.Duration, threshold float64, logger zerolog.Logger) *ColumnMapper {
	return &ColumnMapper{llm: llm, timeout: timeout, threshold: threshold, logger: logger}
}

// MapColumns produces a field mapping for the given headers and sample rows.
// It always returns a deterministic result: on AI failure or timeout it falls
// back to the heuristic mapper with review forced, never an unbounded error.
func (m *ColumnMapper) MapColumns(ctx context.Context, headers []string, sampleRows [][]string) (*MappingResult, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("no headers to map")
	}

	if m.llm == nil {
		result := m.heuristicMap(headers, sampleRows)
		result.Source = "heuristic"
		m.finalize(result)
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	retryCfg := utils.DefaultRetryConfig()
	retryCfg.MaxAttempts = 2

	response, err := utils.RetryWithResult(ctx, retryCfg, func() (string, error) {
		return m.llm.CompleteWithSystem(ctx, systemPrompt, m.buildPrompt(headers, sampleRows))
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("AI column mapping failed, using heuristic fallback")
		result := m.heuristicMap(headers, sampleRows)
		result.Source = "heuristic"
		result.Degraded = true
		m.finalize(result)
		result.RequiresUserReview = true
		return result, nil
	}

	result, err := m.parseResponse(response, headers)
	if err != nil {
		m.logger.Warn().Err(err).Msg("unparseable AI mapping response, using heuristic fallback")
		result = m.heuristicMap(headers, sampleRows)
		result.Source = "heuristic"
		result.Degraded = true
		m.finalize(result)
		result.RequiresUserReview = true
		return result, nil
	}

	result.Source = "ai"
	m.finalize(result)
	return result, nil
}

const systemPrompt = `You are a data-mapping assistant for a trading journal.
You map broker CSV export columns onto a fixed canonical order schema.
Respond ONLY with a JSON object in exactly this shape, no prose:
{
  "mappings": [
    {"header": "<csv header>", "field": "<canonical field>", "confidence": <0-1>, "rationale": "<short reason>"}
  ],
  "suggestions": ["<optional notes for a human reviewer>"]
}
Every input header must appear exactly once. Use the field "brokerMetadata"
for columns that fit no canonical field. Confidence reflects how certain you
are that the column holds that field's data.`

func (m *ColumnMapper) buildPrompt(headers []string, sampleRows [][]string) string {
	var sb strings.Builder

	sb.WriteString("Canonical fields:\n")
	for _, spec := range models.CanonicalSchema {
		req := "optional"
		if spec.Required {
			req = "required"
		}
		sb.WriteString(fmt.Sprintf("  - %s (%s): %s\n", spec.Field, req, spec.Description))
	}

	sb.WriteString("\nCSV headers:\n")
	for i, h := range headers {
		sb.WriteString(fmt.Sprintf("  %d. %q\n", i+1, h))
	}

	if len(sampleRows) > 0 {
		sb.WriteString("\nSample rows:\n")
		for _, row := range sampleRows {
			sb.WriteString("  ")
			for i, v := range row {
				if i > 0 {
					sb.WriteString(" | ")
				}
				sb.WriteString(v)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

type aiMappingResponse struct {
	Mappings []struct {
		Header     string  `json:"header"`
		Field      string  `json:"field"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	} `json:"mappings"`
	Suggestions []string `json:"suggestions"`
}

// parseResponse decodes the model's JSON reply, tolerating markdown fences.
func (m *ColumnMapper) parseResponse(response string, headers []string) (*MappingResult, error) {
	cleaned := strings.TrimSpace(response)
	if idx := strings.Index(cleaned, "{"); idx > 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 && idx < len(cleaned)-1 {
		cleaned = cleaned[:idx+1]
	}

	var parsed aiMappingResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("invalid mapping JSON: %w", err)
	}
	if len(parsed.Mappings) == 0 {
		return nil, fmt.Errorf("mapping JSON contained no mappings")
	}

	result := &MappingResult{
		Mappings:    make(map[string]models.FieldMapping, len(headers)),
		Suggestions: parsed.Suggestions,
	}

	for _, pm := range parsed.Mappings {
		field := pm.Field
		confidence := clamp01(pm.Confidence)
		rationale := pm.Rationale
		if !models.IsCanonicalField(field) {
			field = string(models.FieldBrokerMetadata)
			confidence = 0.1
			rationale = fmt.Sprintf("model proposed unknown field %q", pm.Field)
		}
		result.Mappings[pm.Header] = models.FieldMapping{
			CanonicalField: models.CanonicalField(field),
			Confidence:     confidence,
			Rationale:      rationale,
		}
	}

	// Headers the model skipped land in the metadata bucket with zero
	// confidence so the reviewer sees them.
	for _, h := range headers {
		if _, ok := result.Mappings[h]; !ok {
			result.Mappings[h] = models.FieldMapping{
				CanonicalField: models.FieldBrokerMetadata,
				Confidence:     0,
				Rationale:      "not mapped by model",
			}
		}
	}

	return result, nil
}

// finalize computes the aggregate confidence, the missing-required list and
// the review flag. Required fields carry double weight.
func (m *ColumnMapper) finalize(result *MappingResult) {
	required := make(map[models.CanonicalField]bool)
	for _, f := range models.RequiredFields() {
		required[f] = true
	}

	var weighted, totalWeight float64
	mappedFields := make(map[models.CanonicalField]bool)
	for _, fm := range result.Mappings {
		weight := 1.0
		if required[fm.CanonicalField] {
			weight = 2.0
		}
		weighted += fm.Confidence * weight
		totalWeight += weight
		if fm.CanonicalField != models.FieldBrokerMetadata {
			mappedFields[fm.CanonicalField] = true
		}
	}
	if totalWeight > 0 {
		result.OverallConfidence = weighted / totalWeight
	}

	result.MissingRequired = nil
	for _, f := range models.RequiredFields() {
		if !mappedFields[f] {
			result.MissingRequired = append(result.MissingRequired, f)
		}
	}

	result.RequiresUserReview = result.OverallConfidence < m.threshold || len(result.MissingRequired) > 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
