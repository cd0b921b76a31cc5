package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/devalimohamed/somali-transcriber/internal/config"

	"github.com/cenkalti/backoff/v4"
)

const translationSystemPrompt = `Translate spoken-call transcript text to English faithfully.
Rules:
- Preserve facts, uncertainty, dates, numbers, names, and actions exactly.
- Do not summarize, add details, remove details, or infer anything.
- Keep roughly the same amount of detail and meaning.
- If the input is already English, return the content unchanged.
- Output plain English text only.`

// OpenAIClient implements Transcriber and Translator against the OpenAI API.
// Without an API key it degrades to deterministic local-development fallbacks.
type OpenAIClient struct {
	cfg        config.OpenAIConfig
	httpClient *http.Client
	clock      func() time.Time
}

func NewOpenAIClient(cfg config.OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		clock:      time.Now,
	}
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio io.Reader, filename, mimeType string) (Result, error) {
	start := c.clock()

	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return c.fallbackResult(start, "OpenAI API key missing"), nil
	}

	// Buffer once; the request body may be rebuilt on retry.
	data, err := io.ReadAll(audio)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: read audio: %w", err)
	}

	raw, err := doWithRetry(ctx, c.httpClient, func() (*http.Request, error) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		_ = w.WriteField("model", c.cfg.TranscribeModel)
		// Some transcription models reject verbose_json; json works across variants.
		_ = w.WriteField("response_format", "json")
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/transcriptions", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: openai request failed: %w", err)
	}

	text, language := parseTranscription(raw)
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("transcribe: openai returned empty text")
	}

	return Result{
		DetectedLanguage: language,
		Text:             text,
		ProviderModel:    c.cfg.TranscribeModel,
		LatencyMs:        c.clock().Sub(start).Milliseconds(),
	}, nil
}

func (c *OpenAIClient) TranslateToEnglish(ctx context.Context, text, detectedLanguage string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("translate: source text cannot be empty")
	}
	if IsEnglish(detectedLanguage) {
		return strings.TrimSpace(text), nil
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return strings.TrimSpace(text), nil
	}

	language := strings.TrimSpace(detectedLanguage)
	if language == "" {
		language = "unknown"
	}

	payload := map[string]any{
		"model":       c.cfg.TranslationModel,
		"temperature": 0.0,
		"messages": []map[string]string{
			{"role": "system", "content": translationSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("Detected language: %s\n\nTranscript:\n%s", language, text)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	raw, err := doWithRetry(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("translate: openai request failed: %w", err)
	}

	translated := parseChatContent(raw)
	if strings.TrimSpace(translated) == "" {
		return "", fmt.Errorf("translate: openai returned empty text")
	}
	return strings.TrimSpace(translated), nil
}

func (c *OpenAIClient) fallbackResult(start time.Time, reason string) Result {
	return Result{
		DetectedLanguage: "unknown",
		Text:             reason + ", using transcript fallback for local development.",
		ProviderModel:    "mock-openai",
		LatencyMs:        c.clock().Sub(start).Milliseconds(),
	}
}

func parseTranscription(raw []byte) (text, language string) {
	language = "unknown"
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, language
	}

	var parsed struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return trimmed, language
	}
	if parsed.Language != "" {
		language = parsed.Language
	}
	return parsed.Text, language
}

func parseChatContent(raw []byte) string {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return ""
	}

	content := parsed.Choices[0].Message.Content
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}

	// Some models return content as an array of typed parts.
	var asParts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &asParts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range asParts {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// doWithRetry performs an HTTP call with bounded exponential backoff on
// transient failures (network errors, 429, 5xx). Client errors are permanent.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) ([]byte, error) {
	var out []byte
	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
		}
		out = body
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}
