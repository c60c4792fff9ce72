package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"sylsas/backend/internal/domain"
)

// InsightCache stores advisor answers under keys built by InsightKey.
// Fallback answers are never worth storing.
type InsightCache interface {
	Get(ctx context.Context, key string) (*domain.InsightAnswer, bool, error)
	Set(ctx context.Context, key string, value *domain.InsightAnswer, ttl time.Duration) error
}

// InsightKey scopes an answer to the business state it was generated from:
// a new sale or expense changes the summary fingerprint and so misses.
// Questions differing only in case or spacing share a key.
func InsightKey(summary domain.BusinessSummary, query string) (string, error) {
	state, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	stateSum := sha256.Sum256(state)
	querySum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(stateSum[:8]) + ":" + hex.EncodeToString(querySum[:16]), nil
}

func NormalizeQuery(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func cacheable(answer *domain.InsightAnswer) bool {
	return answer != nil && !answer.Fallback && strings.TrimSpace(answer.Answer) != ""
}

type NoopInsightCache struct{}

func (NoopInsightCache) Get(_ context.Context, _ string) (*domain.InsightAnswer, bool, error) {
	return nil, false, nil
}

func (NoopInsightCache) Set(_ context.Context, _ string, _ *domain.InsightAnswer, _ time.Duration) error {
	return nil
}
