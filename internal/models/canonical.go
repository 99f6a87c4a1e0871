package models

// CanonicalField identifies a column in the canonical order schema that
// broker CSV headers are mapped onto.
type CanonicalField string

const (
	FieldSymbol            CanonicalField = "symbol"
	FieldSide              CanonicalField = "side"
	FieldQuantity          CanonicalField = "quantity"
	FieldPrice             CanonicalField = "price"
	FieldOrderPlacedTime   CanonicalField = "orderPlacedTime"
	FieldOrderExecutedTime CanonicalField = "orderExecutedTime"
	FieldCommission        CanonicalField = "commission"
	FieldFees              CanonicalField = "fees"
	FieldRoute             CanonicalField = "route"
	FieldAccount           CanonicalField = "account"

	// FieldBrokerMetadata is the catch-all bucket for columns that do not
	// correspond to any canonical field. Values land in Order.BrokerMetadata.
	FieldBrokerMetadata CanonicalField = "brokerMetadata"
)

// FieldSpec describes one canonical field for mapping and validation.
type FieldSpec struct {
	Field       CanonicalField
	Required    bool
	Description string
}

// CanonicalSchema is the fixed target schema for column mapping, in a stable
// order so prompts and reports are deterministic.
var CanonicalSchema = []FieldSpec{
	{FieldSymbol, true, "ticker symbol of the traded instrument"},
	{FieldSide, true, "order side: buy or sell, including broker variants like B/S, BOT/SLD, Buy to Open"},
	{FieldQuantity, true, "number of shares or contracts filled"},
	{FieldPrice, false, "average fill price per share"},
	{FieldOrderPlacedTime, false, "timestamp the order was placed"},
	{FieldOrderExecutedTime, true, "timestamp the order was executed or filled"},
	{FieldCommission, false, "commission charged for the execution"},
	{FieldFees, false, "exchange, regulatory or other fees"},
	{FieldRoute, false, "execution route or venue"},
	{FieldAccount, false, "account identifier or label"},
	{FieldBrokerMetadata, false, "catch-all for columns that fit no canonical field"},
}

// RequiredFields returns the canonical fields that must be mapped for a row
// to become a production order.
func RequiredFields() []CanonicalField {
	var req []CanonicalField
	for _, spec := range CanonicalSchema {
		if spec.Required {
			req = append(req, spec.Field)
		}
	}
	return req
}

// IsCanonicalField reports whether name is a known canonical field.
func IsCanonicalField(name string) bool {
	for _, spec := range CanonicalSchema {
		if string(spec.Field) == name {
			return true
		}
	}
	return false
}
