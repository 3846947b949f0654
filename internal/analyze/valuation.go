package analyze

import "github.com/docval/docval/pkg/models"

const (
	ebitdaMultiple  = 6.0
	revenueMultiple = 1.0
)

// Valuate computes a multiples-based valuation from extracted financials.
// Profitable companies are valued on an EBITDA multiple; the rest fall back
// to a revenue multiple. Equity never drops below book value.
func Valuate(f *models.Financials) *models.Valuation {
	v := &models.Valuation{Financials: *f}

	if f.EBITDA > 0 {
		v.EnterpriseValue = f.EBITDA * ebitdaMultiple
		v.Method = "ebitda_multiple"
	} else {
		v.EnterpriseValue = f.Revenue * revenueMultiple
		v.Method = "revenue_multiple"
	}

	bookValue := f.TotalAssets - f.TotalLiabilities
	equity := v.EnterpriseValue - f.TotalLiabilities
	if equity < bookValue {
		equity = bookValue
	}
	if equity < 0 {
		equity = 0
	}
	v.EquityValue = equity

	return v
}
