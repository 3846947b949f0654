package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/docval/docval/internal/config"
	"github.com/docval/docval/pkg/models"
)

// Documents are truncated to this many bytes before being sent for
// extraction, to stay inside the model's context window.
const maxPromptBytes = 100_000

const extractionPrompt = `You are a financial analyst. Extract the key figures from the financial
statement below. Respond with a single JSON object with exactly these keys:
company_name (string), year (integer), currency (ISO 4217 string),
revenue, ebitda, net_income, total_assets, total_liabilities (numbers in
whole units of the currency). Use 0 for figures the document does not state.`

// OpenAIExtractor implements models.Extractor against an OpenAI-compatible
// chat completions endpoint.
type OpenAIExtractor struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewOpenAIExtractor(cfg config.OpenAIConfig) *OpenAIExtractor {
	// Timeouts are applied per request through the context.
	return &OpenAIExtractor{cfg: cfg, client: &http.Client{}}
}

func (e *OpenAIExtractor) Name() string  { return "openai" }
func (e *OpenAIExtractor) Model() string { return e.cfg.Model }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (e *OpenAIExtractor) Extract(ctx context.Context, doc []byte, filename string) (*models.Financials, error) {
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}

	body, err := json.Marshal(chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: fmt.Sprintf("Document %q:\n\n%s", filename, docText(doc))},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u := e.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	var fin models.Financials
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &fin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &fin, nil
}

// docText renders the document for the prompt. json.Marshal replaces any
// invalid UTF-8 left by the truncation with the replacement rune.
func docText(doc []byte) string {
	if len(doc) > maxPromptBytes {
		doc = doc[:maxPromptBytes]
	}
	return string(doc)
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

var _ models.Extractor = (*OpenAIExtractor)(nil)
