package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
	"orbit/internal/ports"
	"orbit/internal/retry"
	"orbit/internal/rotation"
)

type fakeCreds struct {
	mu        sync.Mutex
	exhausted bool
	nextCalls int
	usage     map[string]int
}

func (f *fakeCreds) Next() (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return domain.Credential{}, rotation.ErrExhausted
	}
	f.nextCalls++
	return domain.Credential{Name: fmt.Sprintf("key-%d", f.nextCalls), Value: "secret"}, nil
}

func (f *fakeCreds) RecordUsage(name string, requests, tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usage == nil {
		f.usage = make(map[string]int)
	}
	f.usage[name] += requests
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func geminiEnvelope(t *testing.T, results []map[string]any) string {
	t.Helper()
	text, err := json.Marshal(results)
	require.NoError(t, err)
	envelope := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": string(text)}},
			},
		}},
	}
	out, err := json.Marshal(envelope)
	require.NoError(t, err)
	return string(out)
}

func testScorer(serverURL string, creds ports.CredentialProvider, batchSize int) *GeminiScorer {
	return NewGeminiScorer(Options{
		Endpoint:  serverURL,
		Model:     "gemini-2.0-flash",
		BatchSize: batchSize,
		Retry:     retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, creds, discardLog())
}

func TestScoreBatchParsesAndValidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		fmt.Fprint(w, geminiEnvelope(t, []map[string]any{
			{"id": "a", "sentiment": 0.8, "stance": "bull", "sarcasm": false},
			{"id": "b", "sentiment": -3.5, "stance": "mega-bearish", "sarcasm": true},
		}))
	}))
	defer server.Close()

	creds := &fakeCreds{}
	scorer := testScorer(server.URL, creds, 0)

	results := scorer.ScoreBatch(context.Background(), []ports.SentimentInput{
		{ID: "a", Text: "markets rally"},
		{ID: "b", Text: "definitely fine"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, ports.SentimentResult{ID: "a", Sentiment: 0.8, Stance: "bull"}, results[0])
	assert.Equal(t, -1.0, results[1].Sentiment)
	assert.Equal(t, "neutral", results[1].Stance)
	assert.True(t, results[1].Sarcasm)
	assert.Equal(t, 1, creds.usage["key-1"])
}

func TestScoreBatchNeutralOnExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when credentials are exhausted")
	}))
	defer server.Close()

	scorer := testScorer(server.URL, &fakeCreds{exhausted: true}, 0)

	results := scorer.ScoreBatch(context.Background(), []ports.SentimentInput{
		{ID: "a", Text: "one"},
		{ID: "b", Text: "two"},
	})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 0.0, r.Sentiment)
		assert.Equal(t, "neutral", r.Stance)
		assert.False(t, r.Sarcasm)
	}
}

func TestScoreBatchRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, geminiEnvelope(t, []map[string]any{
			{"id": "a", "sentiment": 0.2, "stance": "neutral", "sarcasm": false},
		}))
	}))
	defer server.Close()

	scorer := testScorer(server.URL, &fakeCreds{}, 0)

	results := scorer.ScoreBatch(context.Background(), []ports.SentimentInput{{ID: "a", Text: "hmm"}})

	require.Len(t, results, 1)
	assert.Equal(t, 0.2, results[0].Sentiment)
	assert.Equal(t, 2, calls)
}

func TestScoreBatchNeutralOnPersistentServerError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	scorer := testScorer(server.URL, &fakeCreds{}, 0)

	results := scorer.ScoreBatch(context.Background(), []ports.SentimentInput{{ID: "a", Text: "down"}})

	require.Len(t, results, 1)
	assert.Equal(t, "neutral", results[0].Stance)
	assert.Equal(t, 2, calls)
}

func TestScoreBatchChunksAndRotatesPerChunk(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var out []map[string]any
		for _, line := range strings.Split(req.Contents[0].Parts[0].Text, "\n") {
			var item struct {
				ID string `json:"id"`
			}
			require.NoError(t, json.Unmarshal([]byte(line), &item))
			out = append(out, map[string]any{"id": item.ID, "sentiment": 0.1, "stance": "bull", "sarcasm": false})
		}
		fmt.Fprint(w, geminiEnvelope(t, out))
	}))
	defer server.Close()

	creds := &fakeCreds{}
	scorer := testScorer(server.URL, creds, 2)

	results := scorer.ScoreBatch(context.Background(), []ports.SentimentInput{
		{ID: "a", Text: "1"}, {ID: "b", Text: "2"}, {ID: "c", Text: "3"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, creds.nextCalls)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestScoreBatchFillsMissingIDsNeutral(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, geminiEnvelope(t, []map[string]any{
			{"id": "a", "sentiment": 0.5, "stance": "bull", "sarcasm": false},
		}))
	}))
	defer server.Close()

	scorer := testScorer(server.URL, &fakeCreds{}, 0)

	results := scorer.ScoreBatch(context.Background(), []ports.SentimentInput{
		{ID: "a", Text: "scored"},
		{ID: "b", Text: "skipped by the model"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, "bull", results[0].Stance)
	assert.Equal(t, "neutral", results[1].Stance)
	assert.Equal(t, 0.0, results[1].Sentiment)
}
