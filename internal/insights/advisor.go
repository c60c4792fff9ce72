package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"sylsas/backend/internal/cache"
	"sylsas/backend/internal/domain"
)

const (
	MessageMissingKey  = "API Key not found. Please ensure it is configured."
	MessageUnavailable = "Error connecting to AI assistant. Please try again later."
	MessageEmpty       = "I'm sorry, I couldn't analyze the data right now."
)

// Generator produces free text from a system instruction and a user prompt.
type Generator interface {
	Generate(ctx context.Context, systemInstruction string, prompt string) (string, error)
}

// Advisor answers operator questions about the business. It never returns an
// error: every failure becomes a fallback answer.
type Advisor struct {
	generator Generator
	cache     cache.InsightCache
	ttl       time.Duration
}

// NewAdvisor accepts a nil generator when no API key is configured.
func NewAdvisor(generator Generator, answers cache.InsightCache, ttl time.Duration) *Advisor {
	if answers == nil {
		answers = cache.NoopInsightCache{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Advisor{generator: generator, cache: answers, ttl: ttl}
}

func (a *Advisor) Ask(ctx context.Context, summary domain.BusinessSummary, query string) domain.InsightAnswer {
	if a.generator == nil {
		return domain.InsightAnswer{Answer: MessageMissingKey, Fallback: true}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.InsightAnswer{Answer: MessageEmpty, Fallback: true}
	}

	instruction, err := SystemInstruction(summary)
	if err != nil {
		log.Printf("[insights] WARN: build instruction: %v", err)
		return domain.InsightAnswer{Answer: MessageUnavailable, Fallback: true}
	}

	key, err := cache.InsightKey(summary, query)
	if err != nil {
		log.Printf("[insights] WARN: build cache key: %v", err)
		return domain.InsightAnswer{Answer: MessageUnavailable, Fallback: true}
	}
	if cached, ok, err := a.cache.Get(ctx, key); err == nil && ok {
		cached.Cached = true
		return *cached
	} else if err != nil {
		log.Printf("[insights] WARN: cache get failed: %v", err)
	}

	text, err := a.generator.Generate(ctx, instruction, query)
	if err != nil {
		log.Printf("[insights] WARN: generate failed: %v", err)
		return domain.InsightAnswer{Answer: MessageUnavailable, Fallback: true}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.InsightAnswer{Answer: MessageEmpty, Fallback: true}
	}

	answer := domain.InsightAnswer{Answer: text}
	if err := a.cache.Set(ctx, key, &answer, a.ttl); err != nil {
		log.Printf("[insights] WARN: cache set failed: %v", err)
	}
	return answer
}

// SystemInstruction embeds the summary and advisor guidelines.
func SystemInstruction(summary domain.BusinessSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`You are 'Sylsas Business Assistant', a friendly and expert advisor for Sylsas Fashion, a clothing store.
Analyze the provided business data and answer the owner's questions in a professional yet encouraging way.
Use simple business language (সহজ ব্যবসায়িক ভাষা). You can reply in both English and Bengali.

Current Business Data:
%s

Guidelines:
- If the user asks about growth, compare sales vs expenses.
- If asked about top products, identify them from sales.
- If asked about stock, mention items in low_stock_items.
- Provide actionable advice for increasing profit.`, data), nil
}
