package models

import "context"

// Extractor is the capability interface for the AI extraction stage.
// Never call a specific provider directly — always inject this interface.
type Extractor interface {
	// Extract pulls structured financials out of a raw document.
	Extract(ctx context.Context, doc []byte, filename string) (*Financials, error)
	// Name returns the provider identifier (e.g., "openai").
	Name() string
	// Model returns the model identifier the provider is configured with.
	Model() string
}

// Financials holds the figures extracted from a financial statement.
// Monetary values are in whole units of Currency.
type Financials struct {
	CompanyName      string  `json:"company_name"`
	Year             int     `json:"year"`
	Currency         string  `json:"currency"`
	Revenue          float64 `json:"revenue"`
	EBITDA           float64 `json:"ebitda"`
	NetIncome        float64 `json:"net_income"`
	TotalAssets      float64 `json:"total_assets"`
	TotalLiabilities float64 `json:"total_liabilities"`
}

// Valuation is the computed output of the valuation stage.
type Valuation struct {
	Financials      Financials `json:"financials"`
	EnterpriseValue float64    `json:"enterprise_value"`
	EquityValue     float64    `json:"equity_value"`
	Method          string     `json:"method"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
}
