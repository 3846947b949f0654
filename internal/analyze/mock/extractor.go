// Package mock provides a configurable models.Extractor for testing.
package mock

import (
	"context"

	"github.com/docval/docval/pkg/models"
)

// Extractor satisfies models.Extractor for testing.
type Extractor struct {
	Name_       string
	Model_      string
	ExtractFunc func(ctx context.Context, doc []byte, filename string) (*models.Financials, error)
}

func (m *Extractor) Name() string {
	if m.Name_ == "" {
		return "mock"
	}
	return m.Name_
}

func (m *Extractor) Model() string {
	if m.Model_ == "" {
		return "mock-v1"
	}
	return m.Model_
}

func (m *Extractor) Extract(ctx context.Context, doc []byte, filename string) (*models.Financials, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, doc, filename)
	}
	return &models.Financials{
		CompanyName: "Mock Co",
		Year:        2024,
		Currency:    "EUR",
		Revenue:     100_000,
		EBITDA:      20_000,
	}, nil
}

// NewFailing returns an Extractor that always returns err.
func NewFailing(err error) *Extractor {
	return &Extractor{ExtractFunc: func(context.Context, []byte, string) (*models.Financials, error) {
		return nil, err
	}}
}

var _ models.Extractor = (*Extractor)(nil)
