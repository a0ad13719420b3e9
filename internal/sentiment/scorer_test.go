package sentiment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantSign      int // -1, 0, or 1
		minConfidence float64
	}{
		{
			name:          "positive term",
			text:          "BTC is mooning",
			wantSign:      1,
			minConfidence: 0.4,
		},
		{
			name:          "negative term",
			text:          "total rugpull, stay away",
			wantSign:      -1,
			minConfidence: 0.4,
		},
		{
			name:     "no sentiment terms",
			text:     "the transaction settled on chain",
			wantSign: 0,
		},
		{
			name:     "empty text",
			text:     "",
			wantSign: 0,
		},
		{
			name:          "negated positive reads negative",
			text:          "this is not bullish at all",
			wantSign:      -1,
			minConfidence: 0.3,
		},
		{
			name:          "double negation reads positive",
			text:          "it isn't not bullish",
			wantSign:      1,
			minConfidence: 0.3,
		},
		{
			name:          "negated negative reads positive",
			text:          "definitely not bearish",
			wantSign:      1,
			minConfidence: 0.4,
		},
		{
			name:          "mixed leans on the stronger term",
			text:          "small dip but huge gains ahead",
			wantSign:      1,
			minConfidence: 0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.text)
			switch tt.wantSign {
			case 1:
				assert.Greater(t, got.Polarity, 0.0)
			case -1:
				assert.Less(t, got.Polarity, 0.0)
			default:
				assert.Zero(t, got.Polarity)
				assert.Zero(t, got.Confidence)
			}
			assert.GreaterOrEqual(t, got.Confidence, tt.minConfidence)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestScoreNegationFlipsExactly(t *testing.T) {
	plain := Score("bullish")
	negated := Score("not bullish")

	assert.InDelta(t, -plain.Polarity, negated.Polarity, 1e-9)
	assert.InDelta(t, plain.Confidence, negated.Confidence, 1e-9)
}

func TestScoreNegationWindow(t *testing.T) {
	// Within three tokens the negator applies.
	near := Score("not at all bullish")
	assert.Less(t, near.Polarity, 0.0)

	// Past the window it no longer does.
	far := Score("not sure what happened today but bullish")
	assert.Greater(t, far.Polarity, 0.0)
}

func TestScoreIntensifier(t *testing.T) {
	base := Score("good")
	boosted := Score("very good")
	damped := Score("slightly good")

	assert.Greater(t, boosted.Polarity, base.Polarity)
	assert.Less(t, damped.Polarity, base.Polarity)
	assert.Greater(t, damped.Polarity, 0.0)
}

func TestScoreIntensifiedNegation(t *testing.T) {
	// Intensifier scales before the negator flips.
	got := Score("definitely not bearish")
	assert.Greater(t, got.Polarity, 0.9)
	assert.Greater(t, got.Confidence, 0.0)
}

func TestScorePolarityBounds(t *testing.T) {
	got := Score("extremely mooning absolutely bullish insanely amazing")
	assert.LessOrEqual(t, got.Polarity, 1.0)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestScoreSpan(t *testing.T) {
	// Two mentions far enough apart that each sees only its own context.
	text := "BTC is mooning right now" + strings.Repeat(" filler", 20) + " meanwhile ETH is crashing hard"

	btcStart := strings.Index(text, "BTC")
	btc := ScoreSpan(text, btcStart, btcStart+3)
	assert.Greater(t, btc.Polarity, 0.0)

	ethStart := strings.Index(text, "ETH")
	eth := ScoreSpan(text, ethStart, ethStart+3)
	assert.Less(t, eth.Polarity, 0.0)
}

func TestScoreSpanFallsBackToWholeText(t *testing.T) {
	text := "mooning again"
	misaligned := ScoreSpan(text, 500, 503)
	assert.Equal(t, Score(text), misaligned)
}

func TestScoreSpanEmptyText(t *testing.T) {
	assert.Equal(t, Result{}, ScoreSpan("", 0, 3))
}
