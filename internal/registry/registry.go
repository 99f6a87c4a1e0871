// Package registry persists broker CSV formats keyed by broker and header
// signature, and tracks their approval lifecycle.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/mapper"
	"tradejournal/internal/models"
	"tradejournal/internal/store"
)

// correctionDecay is multiplied into a format's confidence for every field a
// human had to correct.
const correctionDecay = 0.9

// Registry manages broker CSV formats.
type Registry struct {
	store  store.DataStore
	logger zerolog.Logger

	mu               sync.Mutex
	feedbackLimiters map[string]*rate.Limiter
	feedbackRate     rate.Limit
	feedbackBurst    int
}

// New creates a format registry. maxFeedbackPerMinute throttles mapping
// corrections per user.
func New(dataStore store.DataStore, maxFeedbackPerMinute int, logger zerolog.Logger) *Registry {
	return &Registry{
		store:            dataStore,
		logger:           logger,
		feedbackLimiters: make(map[string]*rate.Limiter),
		feedbackRate:     rate.Limit(float64(maxFeedbackPerMinute) / 60.0),
		feedbackBurst:    maxFeedbackPerMinute,
	}
}

// Signature computes the normalized header signature: headers are trimmed,
// case-folded, sorted and hashed, so column order and casing do not produce
// distinct formats.
func Signature(headers []string) string {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = strings.ToLower(strings.TrimSpace(h))
	}
	sort.Strings(normalized)
	sum := sha256.Sum256([]byte(strings.Join(normalized, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// FindOrCreate looks up the format for (brokerID, headers); when none exists
// it creates a new unapproved one seeded with the mapping result. Returns the
// format and whether it was newly created. Reuse increments the usage count.
func (r *Registry) FindOrCreate(ctx context.Context, brokerID string, headers []string, sampleData [][]string, mapping *mapper.MappingResult) (*models.BrokerCsvFormat, bool, error) {
	signature := Signature(headers)

	existing, err := r.store.GetFormatBySignature(ctx, brokerID, signature)
	if err != nil {
		return nil, false, fmt.Errorf("format lookup failed: %w", err)
	}
	if existing != nil {
		if err := r.store.IncrementFormatUsage(ctx, existing.ID); err != nil {
			return nil, false, fmt.Errorf("usage increment failed: %w", err)
		}
		existing.UsageCount++
		return existing, false, nil
	}

	format := &models.BrokerCsvFormat{
		ID:            uuid.NewString(),
		BrokerID:      brokerID,
		SignatureHash: signature,
		FormatName:    fmt.Sprintf("%s (%d columns)", brokerID, len(headers)),
		Headers:       headers,
		SampleData:    sampleData,
		FieldMappings: mapping.Mappings,
		Confidence:    mapping.OverallConfidence,
		IsApproved:    false,
		UsageCount:    1,
		CreatedAt:     time.Now().UTC(),
	}

	if err := r.store.SaveFormat(ctx, format); err != nil {
		return nil, false, fmt.Errorf("format create failed: %w", err)
	}

	r.logger.Info().
		Str("format_id", format.ID).
		Str("broker", brokerID).
		Float64("confidence", format.Confidence).
		Msg("New broker csv format registered")

	return format, true, nil
}

// Approve marks a format approved, merging any corrected mappings and
// recording each correction as feedback. Corrections decay the format's
// confidence.
func (r *Registry) Approve(ctx context.Context, formatID, adminID string, corrected map[string]models.FieldMapping) (*models.BrokerCsvFormat, error) {
	format, err := r.store.GetFormatByID(ctx, formatID)
	if err != nil {
		return nil, fmt.Errorf("format lookup failed: %w", err)
	}
	if format.Rejected() {
		return nil, fmt.Errorf("format %s: %w", formatID, apperrors.ErrFormatRejected)
	}

	if err := r.applyCorrections(ctx, format, adminID, corrected); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	format.IsApproved = true
	format.ApprovedBy = adminID
	format.ApprovedAt = &now

	if err := r.store.UpdateFormat(ctx, format); err != nil {
		return nil, fmt.Errorf("format approval update failed: %w", err)
	}

	r.logger.Info().
		Str("format_id", formatID).
		Str("admin", adminID).
		Int("corrections", len(corrected)).
		Msg("Broker csv format approved")

	return format, nil
}

// ApplyUserCorrections merges a user's inline mapping corrections into the
// format without approving it, recording feedback and decaying confidence.
// Submissions are rate limited per user.
func (r *Registry) ApplyUserCorrections(ctx context.Context, formatID, userID string, corrected map[string]models.FieldMapping) (*models.BrokerCsvFormat, error) {
	limiter := r.limiterFor(userID)
	if limiter.Tokens() < 1 {
		return nil, fmt.Errorf("feedback limit for user %s: %w", userID, apperrors.ErrRateLimited)
	}

	format, err := r.store.GetFormatByID(ctx, formatID)
	if err != nil {
		return nil, fmt.Errorf("format lookup failed: %w", err)
	}

	if err := r.applyCorrections(ctx, format, userID, corrected); err != nil {
		return nil, err
	}
	if err := r.store.UpdateFormat(ctx, format); err != nil {
		return nil, fmt.Errorf("format correction update failed: %w", err)
	}
	limiter.Allow()
	return format, nil
}

func (r *Registry) limiterFor(userID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.feedbackLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(r.feedbackRate, r.feedbackBurst)
		r.feedbackLimiters[userID] = limiter
	}
	return limiter
}

func (r *Registry) applyCorrections(ctx context.Context, format *models.BrokerCsvFormat, submittedBy string, corrected map[string]models.FieldMapping) error {
	for header, correction := range corrected {
		previous, known := format.FieldMappings[header]
		if !known {
			return fmt.Errorf("corrected header %q is not part of format %s", header, format.ID)
		}
		if previous.CanonicalField == correction.CanonicalField {
			continue
		}

		fb := &models.MappingFeedback{
			ID:             uuid.NewString(),
			FormatID:       format.ID,
			SubmittedBy:    submittedBy,
			Header:         header,
			SuggestedField: previous.CanonicalField,
			CorrectedField: correction.CanonicalField,
			CreatedAt:      time.Now().UTC(),
		}
		if err := r.store.SaveMappingFeedback(ctx, fb); err != nil {
			return fmt.Errorf("feedback record failed: %w", err)
		}

		if correction.Confidence == 0 {
			correction.Confidence = 1.0 // human said so
		}
		if correction.Rationale == "" {
			correction.Rationale = fmt.Sprintf("corrected by %s", submittedBy)
		}
		format.FieldMappings[header] = correction
		format.Confidence *= correctionDecay
	}
	return nil
}

// Reject marks a format rejected. A rejected format stays unapproved for its
// signature; the caller cascades rejection to staged rows.
func (r *Registry) Reject(ctx context.Context, formatID, adminID, reason string) (*models.BrokerCsvFormat, error) {
	format, err := r.store.GetFormatByID(ctx, formatID)
	if err != nil {
		return nil, fmt.Errorf("format lookup failed: %w", err)
	}

	now := time.Now().UTC()
	format.IsApproved = false
	format.RejectedBy = adminID
	format.RejectedAt = &now
	format.RejectReason = reason

	if err := r.store.UpdateFormat(ctx, format); err != nil {
		return nil, fmt.Errorf("format rejection update failed: %w", err)
	}

	r.logger.Info().
		Str("format_id", formatID).
		Str("admin", adminID).
		Str("reason", reason).
		Msg("Broker csv format rejected")

	return format, nil
}

// ListPending returns unapproved, unrejected formats with pending row counts
// for the admin review surface. Rejected formats are filtered in the query so
// pages stay full.
func (r *Registry) ListPending(ctx context.Context, sortBy store.FormatSortKey, limit, offset int) ([]store.FormatSummary, error) {
	approved := false
	return r.store.ListFormats(ctx, store.FormatFilter{
		Approved:        &approved,
		ExcludeRejected: true,
		SortBy:          sortBy,
		Limit:           limit,
		Offset:          offset,
	})
}
