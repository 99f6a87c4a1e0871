package models

import "strings"

// sideVariants is the fixed enumerated set of broker side labels accepted by
// row validation. Anything outside it is a validation issue, never a guess.
var sideVariants = map[string]OrderSide{
	"buy":           SideBuy,
	"b":             SideBuy,
	"bot":           SideBuy,
	"bought":        SideBuy,
	"buy to open":   SideBuy,
	"bto":           SideBuy,
	"buy to close":  SideBuy,
	"btc":           SideBuy,
	"buy to cover":  SideBuy,
	"cover":         SideBuy,
	"long":          SideBuy,
	"sell":          SideSell,
	"s":             SideSell,
	"sld":           SideSell,
	"sold":          SideSell,
	"sell short":    SideSell,
	"short":         SideSell,
	"ss":            SideSell,
	"sell to open":  SideSell,
	"sto":           SideSell,
	"sell to close": SideSell,
	"stc":           SideSell,
}

// NormalizeSide maps a broker side label variant onto the canonical side.
func NormalizeSide(raw string) (OrderSide, bool) {
	side, ok := sideVariants[strings.ToLower(strings.TrimSpace(raw))]
	return side, ok
}
