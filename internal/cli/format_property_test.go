package cli

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var currencyPattern = regexp.MustCompile(`^-?\$\d{1,3}(,\d{3})*\.\d{2}$`)

// Property: FormatCurrency always produces $-prefixed output with western
// thousands grouping and two decimals, and the digits parse back to the
// rounded input.
func TestProperty_FormatCurrency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	amountGen := gen.Float64Range(-1e9, 1e9)

	properties.Property("output matches the currency shape", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCurrency(amount)
			if !currencyPattern.MatchString(formatted) {
				t.Logf("FormatCurrency(%v) = %q", amount, formatted)
				return false
			}
			return true
		},
		amountGen,
	))

	properties.Property("digits round-trip to the cent", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCurrency(amount)
			cleaned := strings.NewReplacer("$", "", ",", "").Replace(formatted)
			parsed, err := strconv.ParseFloat(cleaned, 64)
			if err != nil {
				t.Logf("unparseable output %q", formatted)
				return false
			}
			// Within half a cent of the input.
			if math.Abs(parsed-amount) > 0.005+math.Abs(amount)*1e-12 {
				t.Logf("FormatCurrency(%v) parsed back to %v", amount, parsed)
				return false
			}
			return true
		},
		amountGen,
	))

	properties.Property("sign is preserved", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCurrency(amount)
			return strings.HasPrefix(formatted, "-") == (amount < 0)
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}
