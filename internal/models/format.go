package models

import "time"

// FieldMapping maps one CSV header onto a canonical field.
type FieldMapping struct {
	CanonicalField CanonicalField `json:"canonicalField"`
	Confidence     float64        `json:"confidence"` // 0-1
	Rationale      string         `json:"rationale"`
}

// BrokerCsvFormat is a reusable header-to-field mapping recipe keyed by
// broker and CSV header signature. Formats are shared across users: the same
// broker export shape recurs, so approval of a format benefits everyone.
type BrokerCsvFormat struct {
	ID            string
	BrokerID      string
	SignatureHash string
	FormatName    string
	Headers       []string
	SampleData    [][]string
	FieldMappings map[string]FieldMapping // header -> mapping
	Confidence    float64                 // 0-1 overall
	IsApproved    bool
	UsageCount    int
	ApprovedBy    string
	ApprovedAt    *time.Time
	RejectedBy    string
	RejectedAt    *time.Time
	RejectReason  string
	CreatedAt     time.Time
}

// Rejected reports whether the format was explicitly rejected. A rejected
// format stays unapproved for its signature; a changed broker export produces
// a new signature and therefore a fresh format.
func (f *BrokerCsvFormat) Rejected() bool {
	return f.RejectedAt != nil
}

// MappedField returns the header mapped to the given canonical field, if any.
func (f *BrokerCsvFormat) MappedField(field CanonicalField) (string, bool) {
	for header, m := range f.FieldMappings {
		if m.CanonicalField == field {
			return header, true
		}
	}
	return "", false
}

// MappingFeedback is an append-only audit record linking a mapping decision
// to a human correction. Corrections decay the format's confidence.
type MappingFeedback struct {
	ID             string
	FormatID       string
	SubmittedBy    string
	Header         string
	SuggestedField CanonicalField
	CorrectedField CanonicalField
	CreatedAt      time.Time
}
