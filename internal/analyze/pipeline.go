// Package analyze runs the multi-stage valuation of a submitted document:
// AI extraction of the financials, deterministic valuation, and rendering of
// the report artifact.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docval/docval/internal/config"
	"github.com/docval/docval/internal/queue"
	"github.com/docval/docval/internal/storage"
	"github.com/docval/docval/pkg/models"
)

// Pipeline turns an uploaded document into a report artifact.
type Pipeline struct {
	extractor models.Extractor
	storage   storage.Store
	timeout   time.Duration
}

func NewPipeline(extractor models.Extractor, st storage.Store, timeout time.Duration) *Pipeline {
	return &Pipeline{extractor: extractor, storage: st, timeout: timeout}
}

// Process runs the full pipeline for one task and returns the ref of the
// rendered report artifact.
func (p *Pipeline) Process(ctx context.Context, task queue.Task) (string, error) {
	rc, err := p.storage.Open(ctx, task.InputRef)
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	doc, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	if len(doc) == 0 {
		return "", ErrEmptyDocument
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fin, err := p.extractor.Extract(extractCtx, doc, path.Base(task.InputRef))
	if err != nil {
		if errors.Is(extractCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			return "", fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return "", fmt.Errorf("extract financials: %w", err)
	}

	valuation := Valuate(fin)
	valuation.Provider = p.extractor.Name()
	valuation.Model = p.extractor.Model()

	payload, err := json.MarshalIndent(valuation, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	ref, err := p.storage.Save(ctx, fmt.Sprintf("reports/%s.json", task.ReportID), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return ref, nil
}

// NewExtractor constructs the configured extraction provider.
// Called once at startup.
func NewExtractor(cfg config.AIConfig) (models.Extractor, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIExtractor(cfg.OpenAI), nil
	case "mock":
		return NewStaticExtractor(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, mock", cfg.Provider)
	}
}

// StaticExtractor returns fixed financials without calling any provider.
// Used in development and tests.
type StaticExtractor struct{}

func NewStaticExtractor() *StaticExtractor { return &StaticExtractor{} }

func (s *StaticExtractor) Name() string  { return "mock" }
func (s *StaticExtractor) Model() string { return "mock-v1" }

func (s *StaticExtractor) Extract(_ context.Context, _ []byte, _ string) (*models.Financials, error) {
	return &models.Financials{
		CompanyName:      "Static Example s.r.o.",
		Year:             2024,
		Currency:         "EUR",
		Revenue:          1_200_000,
		EBITDA:           240_000,
		NetIncome:        150_000,
		TotalAssets:      900_000,
		TotalLiabilities: 400_000,
	}, nil
}

var _ models.Extractor = (*StaticExtractor)(nil)
