// Package budget tracks per-persona token consumption. Exceeding the
// budget is a graceful stop for the executor, not an error, so the
// tracker only reports, it never blocks.
package budget

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const defaultEncoding = "cl100k_base"

// Estimator counts tokens in text. The tiktoken encoding is initialized
// lazily (first use may download data); when that fails the estimator
// falls back to a characters/4 heuristic instead of erroring on the
// execution path.
type Estimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewEstimator creates an estimator for the given tiktoken encoding
// (empty means cl100k_base).
func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &Estimator{encoding: encoding}
}

// Estimate returns the token count of text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// ExtractTokens pulls a token count out of a task's output. Recognized
// shapes, in order: a map with "tokens_used", a map with a "usage" map
// whose "*_tokens" fields are summed, a string to estimate, anything
// else via its printed form.
func ExtractTokens(output any, est *Estimator) int {
	switch v := output.(type) {
	case nil:
		return 0
	case map[string]any:
		if n, ok := asInt(v["tokens_used"]); ok {
			return n
		}
		if usage, ok := v["usage"].(map[string]any); ok {
			total := 0
			found := false
			for k, raw := range usage {
				if !strings.HasSuffix(k, "_tokens") {
					continue
				}
				if n, ok := asInt(raw); ok {
					total += n
					found = true
				}
			}
			if found {
				return total
			}
		}
		return est.Estimate(fmt.Sprintf("%v", v))
	case string:
		return est.Estimate(v)
	default:
		return est.Estimate(fmt.Sprintf("%v", v))
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Tracker accumulates token usage per persona against a shared ceiling.
type Tracker struct {
	maxPerPersona int
	enforce       bool
	logger        *zap.Logger

	mu   sync.Mutex
	used map[string]int
}

// NewTracker creates a tracker. maxPerPersona <= 0 disables the ceiling;
// enforce=false records usage without ever reporting it exceeded.
func NewTracker(maxPerPersona int, enforce bool, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		maxPerPersona: maxPerPersona,
		enforce:       enforce,
		logger:        logger.With(zap.String("component", "token_budget")),
		used:          make(map[string]int),
	}
}

// Consume records tokens against the persona and reports whether the
// budget is now exhausted.
func (t *Tracker) Consume(persona string, tokens int) (remaining int, exceeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.used[persona] += tokens
	if t.maxPerPersona <= 0 {
		return -1, false
	}
	remaining = t.maxPerPersona - t.used[persona]
	exceeded = t.enforce && remaining < 0
	if exceeded {
		t.logger.Warn("token budget exhausted",
			zap.String("persona", persona),
			zap.Int("used", t.used[persona]),
			zap.Int("max", t.maxPerPersona),
		)
	}
	return remaining, exceeded
}

// Used returns the persona's accumulated token count.
func (t *Tracker) Used(persona string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[persona]
}

// Remaining returns the persona's remaining budget (-1 when unlimited).
func (t *Tracker) Remaining(persona string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxPerPersona <= 0 {
		return -1
	}
	return t.maxPerPersona - t.used[persona]
}

// Reset clears the persona's usage.
func (t *Tracker) Reset(persona string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.used, persona)
}
