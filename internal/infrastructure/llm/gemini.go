// Package llm scores text batches through a generative-language API with
// credential rotation. Scoring never fails a pipeline run: batches that
// cannot be scored come back neutral.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"orbit/internal/ports"
	"orbit/internal/retry"
	"orbit/internal/rotation"
)

const systemInstruction = `You are a financial sentiment annotator. For each JSON line, read "text". Output a JSON array with one object per input line, each with only these fields: {"id": string, "sentiment": number in [-1,1], "stance": one of ["bull","bear","neutral"], "sarcasm": boolean}. No prose, no extra keys.`

// Options configures the scorer.
type Options struct {
	Endpoint   string
	Model      string
	BatchSize  int
	Retry      retry.Policy
	HTTPClient *http.Client
}

// GeminiScorer batches sentiment requests against a Gemini-style endpoint,
// rotating credentials per batch under daily-quota tracking.
type GeminiScorer struct {
	endpoint   string
	model      string
	batchSize  int
	creds      ports.CredentialProvider
	retry      retry.Policy
	httpClient *http.Client
	log        *slog.Logger
}

var _ ports.SentimentScorer = (*GeminiScorer)(nil)

// NewGeminiScorer builds a scorer from configuration.
func NewGeminiScorer(opts Options, creds ports.CredentialProvider, log *slog.Logger) *GeminiScorer {
	if opts.BatchSize == 0 {
		opts.BatchSize = 200
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &GeminiScorer{
		endpoint:   opts.Endpoint,
		model:      opts.Model,
		batchSize:  opts.BatchSize,
		creds:      creds,
		retry:      opts.Retry,
		httpClient: opts.HTTPClient,
		log:        log,
	}
}

// ScoreBatch scores every item, in chunks of the configured batch size.
// Credential exhaustion or a persistently failing chunk yields neutral
// results for that chunk; the caller always gets one result per input.
func (s *GeminiScorer) ScoreBatch(ctx context.Context, items []ports.SentimentInput) []ports.SentimentResult {
	results := make([]ports.SentimentResult, 0, len(items))

	for start := 0; start < len(items); start += s.batchSize {
		end := start + s.batchSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		cred, err := s.creds.Next()
		if err != nil {
			if errors.Is(err, rotation.ErrExhausted) {
				s.log.Warn("credentials exhausted, filling neutral", "items", len(chunk))
			} else {
				s.log.Error("credential rotation failed, filling neutral", "error", err)
			}
			results = append(results, neutralResults(chunk)...)
			continue
		}

		scored, err := s.scoreChunk(ctx, chunk, cred.Value)
		s.creds.RecordUsage(cred.Name, 1, 0)
		if err != nil {
			s.log.Warn("chunk scoring failed, filling neutral", "items", len(chunk), "error", err)
			results = append(results, neutralResults(chunk)...)
			continue
		}
		results = append(results, scored...)
	}

	return results
}

// scoreChunk issues one API call with bounded retries on rate limiting and
// server errors.
func (s *GeminiScorer) scoreChunk(ctx context.Context, chunk []ports.SentimentInput, apiKey string) ([]ports.SentimentResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		scored, status, err := s.callAPI(ctx, chunk, apiKey)
		if err == nil {
			return scored, nil
		}
		lastErr = err

		if status != http.StatusTooManyRequests && status < http.StatusInternalServerError && status != 0 {
			return nil, err
		}
		if attempt+1 < s.retry.MaxAttempts {
			if sleepErr := s.retry.Sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", s.retry.MaxAttempts, lastErr)
}

func (s *GeminiScorer) callAPI(ctx context.Context, chunk []ports.SentimentInput, apiKey string) ([]ports.SentimentResult, int, error) {
	lines := make([]string, 0, len(chunk))
	for _, item := range chunk {
		line, err := json.Marshal(map[string]string{"id": item.ID, "text": item.Text})
		if err != nil {
			return nil, 0, fmt.Errorf("marshal item %s: %w", item.ID, err)
		}
		lines = append(lines, string(line))
	}

	body, err := json.Marshal(map[string]any{
		"system_instruction": map[string]any{
			"parts": []map[string]string{{"text": systemInstruction}},
		},
		"contents": []map[string]any{{
			"role":  "user",
			"parts": []map[string]string{{"text": strings.Join(lines, "\n")}},
		}},
		"generationConfig": map[string]any{
			"temperature":        0,
			"response_mime_type": "application/json",
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", s.endpoint, s.model, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, resp.StatusCode, fmt.Errorf("model error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var envelope struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Candidates) == 0 || len(envelope.Candidates[0].Content.Parts) == 0 {
		return nil, resp.StatusCode, fmt.Errorf("empty model response")
	}

	scored, err := parseResults(envelope.Candidates[0].Content.Parts[0].Text, chunk)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return scored, resp.StatusCode, nil
}

// parseResults maps the model's JSON array back onto the input order;
// items the model skipped come back neutral.
func parseResults(text string, chunk []ports.SentimentInput) ([]ports.SentimentResult, error) {
	var raw []struct {
		ID        string  `json:"id"`
		Sentiment float64 `json:"sentiment"`
		Stance    string  `json:"stance"`
		Sarcasm   bool    `json:"sarcasm"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}

	byID := make(map[string]ports.SentimentResult, len(raw))
	for _, r := range raw {
		byID[r.ID] = ports.SentimentResult{
			ID:        r.ID,
			Sentiment: clamp(r.Sentiment, -1, 1),
			Stance:    validStance(r.Stance),
			Sarcasm:   r.Sarcasm,
		}
	}

	results := make([]ports.SentimentResult, 0, len(chunk))
	for _, item := range chunk {
		if r, ok := byID[item.ID]; ok {
			results = append(results, r)
			continue
		}
		results = append(results, neutralResult(item.ID))
	}
	return results, nil
}

func neutralResult(id string) ports.SentimentResult {
	return ports.SentimentResult{ID: id, Sentiment: 0, Stance: "neutral", Sarcasm: false}
}

func neutralResults(chunk []ports.SentimentInput) []ports.SentimentResult {
	out := make([]ports.SentimentResult, 0, len(chunk))
	for _, item := range chunk {
		out = append(out, neutralResult(item.ID))
	}
	return out
}

func validStance(stance string) string {
	switch stance {
	case "bull", "bear", "neutral":
		return stance
	default:
		return "neutral"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
