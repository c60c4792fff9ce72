package insights

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sylsas/backend/internal/domain"
)

type stubGenerator struct {
	calls  int
	text   string
	err    error
	prompt string
}

func (g *stubGenerator) Generate(_ context.Context, _ string, prompt string) (string, error) {
	g.calls++
	g.prompt = prompt
	return g.text, g.err
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]domain.InsightAnswer
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string]domain.InsightAnswer{}}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.InsightAnswer, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.InsightAnswer, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = *value
	return nil
}

var summary = domain.BusinessSummary{
	ProductCount:         3,
	SaleCount:            2,
	TotalExpense:         5000,
	StockValuation:       90000,
	LowStockProductNames: []string{"Basic Tee"},
	RecentSales:          []string{"2x Basic Tee for 700"},
	TotalProfit:          340,
}

func TestAskWithoutGeneratorReturnsMissingKeyMessage(t *testing.T) {
	answer := NewAdvisor(nil, nil, 0).Ask(context.Background(), summary, "How is business?")
	assert.Equal(t, "API Key not found. Please ensure it is configured.", answer.Answer)
	assert.True(t, answer.Fallback)
}

func TestAskGeneratorFailureFallsBack(t *testing.T) {
	gen := &stubGenerator{err: errors.New("boom")}
	answer := NewAdvisor(gen, nil, time.Minute).Ask(context.Background(), summary, "Stock?")
	assert.Equal(t, MessageUnavailable, answer.Answer)
	assert.True(t, answer.Fallback)
}

func TestAskEmptyAnswerFallsBack(t *testing.T) {
	gen := &stubGenerator{text: "   "}
	answer := NewAdvisor(gen, nil, time.Minute).Ask(context.Background(), summary, "Stock?")
	assert.Equal(t, MessageEmpty, answer.Answer)
}

func TestAskCachesAnswers(t *testing.T) {
	gen := &stubGenerator{text: "Restock Basic Tee."}
	advisor := NewAdvisor(gen, newMapCache(), time.Minute)

	first := advisor.Ask(context.Background(), summary, "What should I restock?")
	second := advisor.Ask(context.Background(), summary, "what should I restock?")

	assert.Equal(t, "Restock Basic Tee.", first.Answer)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, gen.calls)

	changed := summary
	changed.SaleCount++
	third := advisor.Ask(context.Background(), changed, "What should I restock?")
	assert.False(t, third.Cached)
	assert.Equal(t, 2, gen.calls)
}

func TestSystemInstructionEmbedsSummary(t *testing.T) {
	instruction, err := SystemInstruction(summary)
	require.NoError(t, err)
	assert.Contains(t, instruction, "Sylsas Business Assistant")
	assert.Contains(t, instruction, `"low_stock_items"`)
	assert.Contains(t, instruction, "Basic Tee")
}

type generateBody struct {
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

func TestGeminiClientParsesCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent"), r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))

		var body generateBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.SystemInstruction)
		assert.Equal(t, "sys", body.SystemInstruction.Parts[0].Text)
		assert.Equal(t, "hello", body.Contents[0].Parts[0].Text)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Sales "},{"text":"are up."}]}}]}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(context.Background(), "secret", "gemini-test", WithGeminiBaseURL(server.URL))
	require.NoError(t, err)
	text, err := client.Generate(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Sales are up.", text)
}

func TestGeminiClientRejectsNonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(context.Background(), "bad", "gemini-test", WithGeminiBaseURL(server.URL))
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini")
}

func TestAdvisorOverGeminiFallsBackOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"model not found","status":"INVALID_ARGUMENT"}}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(context.Background(), "secret", "gemini-test", WithGeminiBaseURL(server.URL))
	require.NoError(t, err)
	answer := NewAdvisor(client, nil, 0).Ask(context.Background(), summary, "How are sales?")
	assert.True(t, answer.Fallback)
	assert.Equal(t, MessageUnavailable, answer.Answer)
}
