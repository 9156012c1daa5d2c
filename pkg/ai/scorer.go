package ai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"emodiary/pkg/domain"
)

// ErrScoringUnavailable is returned once the retry budget is exhausted.
var ErrScoringUnavailable = errors.New("scoring unavailable")

// Scorer produces an emotional valence score for a diary body.
type Scorer interface {
	Score(ctx context.Context, diaryBody string) (int, error)
}

const scorePromptFormat = `以下は、ある日の日記です。日記の内容を読み、その内容に基づいて-100から100の範囲で整数のスコアをつけてください。活動的で前向きな内容には高いスコアを、消極的で否定的な内容には低いスコアをつけてください。整数値のみを返し、それ以外は何も含めないことを遵守してください。
### 日記:
%s`

// GeminiScorer asks a Gemini text model for a score and validates the reply.
type GeminiScorer struct {
	client   *GeminiClient
	model    string
	attempts int
	pause    time.Duration
}

// NewGeminiScorer builds a scorer with the fixed retry policy: up to 5
// attempts with a 1-second pause between them.
func NewGeminiScorer(client *GeminiClient, model string) *GeminiScorer {
	return &GeminiScorer{
		client:   client,
		model:    model,
		attempts: 5,
		pause:    time.Second,
	}
}

// Score sends the diary body to the model and retries until the reply parses
// as an integer in [-100,100]. Every call is a fresh request; there is no
// caching and no overall deadline beyond ctx.
func (s *GeminiScorer) Score(ctx context.Context, diaryBody string) (int, error) {
	prompt := fmt.Sprintf(scorePromptFormat, diaryBody)
	var lastErr error
	for i := 0; i < s.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.pause):
			}
		}
		text, err := s.client.GenerateText(ctx, s.model, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		score, ok := parseScore(text)
		if ok {
			return score, nil
		}
		lastErr = fmt.Errorf("model reply is not an integer in [%d,%d]", domain.MinScore, domain.MaxScore)
	}
	return 0, fmt.Errorf("%w after %d attempts: %v", ErrScoringUnavailable, s.attempts, lastErr)
}

// parseScore accepts only exact integers within score bounds; replies like
// "50.5" or "abc" are rejected and trigger a retry.
func parseScore(text string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, false
	}
	if v < domain.MinScore || v > domain.MaxScore {
		return 0, false
	}
	return v, true
}
