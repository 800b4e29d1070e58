package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestExtractTokens(t *testing.T) {
	est := NewEstimator("")

	tests := []struct {
		name   string
		output any
		want   int
	}{
		{
			name:   "tokens_used field",
			output: map[string]any{"tokens_used": 120, "result": "ok"},
			want:   120,
		},
		{
			name:   "tokens_used as int64",
			output: map[string]any{"tokens_used": int64(77)},
			want:   77,
		},
		{
			name: "usage map sums token fields",
			output: map[string]any{
				"usage": map[string]any{
					"prompt_tokens":     float64(30),
					"completion_tokens": float64(12),
					"total_cost":        0.01,
				},
			},
			want: 42,
		},
		{name: "nil output", output: nil, want: 0},
		{name: "empty string", output: "", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTokens(tt.output, est))
		})
	}

	// Plain strings fall back to the length estimate; exact counts
	// depend on the encoding, so only check it is plausible.
	n := ExtractTokens("the quick brown fox jumps over the lazy dog", est)
	assert.Greater(t, n, 4)
	assert.Less(t, n, 44)
}

func TestTracker_Consume(t *testing.T) {
	tr := NewTracker(100, true, zap.NewNop())

	remaining, exceeded := tr.Consume("architect", 60)
	assert.Equal(t, 40, remaining)
	assert.False(t, exceeded)

	remaining, exceeded = tr.Consume("architect", 50)
	assert.Equal(t, -10, remaining)
	assert.True(t, exceeded)

	// Personas do not share budgets.
	remaining, exceeded = tr.Consume("reviewer", 10)
	assert.Equal(t, 90, remaining)
	assert.False(t, exceeded)

	assert.Equal(t, 110, tr.Used("architect"))
	tr.Reset("architect")
	assert.Equal(t, 0, tr.Used("architect"))
	assert.Equal(t, 100, tr.Remaining("architect"))
}

func TestTracker_EnforceDisabled(t *testing.T) {
	tr := NewTracker(10, false, zap.NewNop())

	remaining, exceeded := tr.Consume("p", 50)
	assert.Equal(t, -40, remaining)
	assert.False(t, exceeded, "usage is recorded but never enforced")
	assert.Equal(t, 50, tr.Used("p"))
}

func TestTracker_Unlimited(t *testing.T) {
	tr := NewTracker(0, true, zap.NewNop())

	remaining, exceeded := tr.Consume("p", 1_000_000)
	assert.Equal(t, -1, remaining)
	assert.False(t, exceeded)
	assert.Equal(t, -1, tr.Remaining("p"))
}
