package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devalimohamed/somali-transcriber/internal/config"
)

const formatterSystemPrompt = `You are editing a translated call note.
Keep the original meaning and content exactly as provided.
Only do light structural cleanup:
- fix sentence order only when needed for clarity
- fix grammar, punctuation, and capitalization
- split or join sentences for readability
Do not add, remove, summarize, expand, or infer details.
Do not change names, dates, numbers, places, or actions.
Do not use report format, headings, bullet points, labels, or templates.
Return plain text only.`

// OllamaFormatter implements Formatter against a local Ollama instance.
// Unconfigured (empty base URL) it is a pass-through.
type OllamaFormatter struct {
	cfg        config.OllamaConfig
	httpClient *http.Client
}

func NewOllamaFormatter(cfg config.OllamaConfig) *OllamaFormatter {
	return &OllamaFormatter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *OllamaFormatter) Format(ctx context.Context, englishText string) (string, error) {
	if strings.TrimSpace(englishText) == "" {
		return "", fmt.Errorf("format: transcript cannot be empty")
	}
	if strings.TrimSpace(f.cfg.BaseURL) == "" {
		return englishText, nil
	}

	payload := map[string]any{
		"model":  f.cfg.Model,
		"stream": false,
		"prompt": formatterSystemPrompt + "\n\nTranscript:\n" + englishText,
		"options": map[string]any{
			"temperature": 0.0,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	raw, err := doWithRetry(ctx, f.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("format: ollama request failed: %w", err)
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("format: decode ollama response: %w", err)
	}
	if strings.TrimSpace(parsed.Response) == "" {
		return "", fmt.Errorf("format: ollama returned empty response")
	}
	return strings.TrimSpace(parsed.Response), nil
}
