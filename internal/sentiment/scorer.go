// Package sentiment scores message text with a lexicon-and-rule model.
// Scoring is pure: the same (text, MethodVersion) pair always produces the
// same result, which keeps backfills reproducible.
package sentiment

import (
	"strings"
	"unicode"
)

// MethodVersion is stamped onto every score. Bump it whenever the lexicon
// or the scoring rules change.
const MethodVersion = "lex-1"

const (
	// negationWindow is how many tokens back a negator still flips a
	// sentiment term.
	negationWindow = 3

	// intensifierWindow is how many tokens forward an intensifier still
	// scales a sentiment term.
	intensifierWindow = 2

	// tokenScopeRadius is the token window either side of a mention span
	// used for token-scoped scoring.
	tokenScopeRadius = 8
)

// Result is a scored polarity with its confidence. Polarity 0 with
// confidence 0 means no sentiment-bearing terms were found, which is
// distinct from offsetting positive and negative terms (confidence > 0).
type Result struct {
	Polarity   float64 `json:"polarity"`
	Confidence float64 `json:"confidence"`
}

// Score scores the whole text.
func Score(text string) Result {
	return scoreTokens(tokenize(text))
}

// ScoreSpan scores the local context around a mention's byte span: only
// tokens within tokenScopeRadius of the span contribute, so each token in a
// multi-token message gets an independent reading.
func ScoreSpan(text string, spanStart, spanEnd int) Result {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return Result{}
	}

	first, last := -1, -1
	for i, tok := range tokens {
		if tok.end > spanStart && tok.start < spanEnd {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		// Span does not line up with any token; fall back to the whole text.
		return scoreTokens(tokens)
	}

	lo := first - tokenScopeRadius
	if lo < 0 {
		lo = 0
	}
	hi := last + tokenScopeRadius + 1
	if hi > len(tokens) {
		hi = len(tokens)
	}
	return scoreTokens(tokens[lo:hi])
}

type token struct {
	text  string
	start int
	end   int
}

func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i, r := range text {
		// Apostrophes stay inside tokens so contracted negators survive.
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, token{text: strings.ToLower(text[start:i]), start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{text: strings.ToLower(text[start:]), start: start, end: len(text)})
	}
	return tokens
}

func scoreTokens(tokens []token) Result {
	var (
		weightedSum float64
		totalWeight float64
	)

	for i, tok := range tokens {
		strength, ok := lexicon[tok.text]
		if !ok {
			continue
		}

		// Intensifiers scale the term before negation is applied.
		for j := i - 1; j >= 0 && j >= i-intensifierWindow; j-- {
			if mult, ok := intensifiers[tokens[j].text]; ok {
				strength *= mult
				break
			}
		}

		// An odd number of negators in the window flips the sign.
		flips := 0
		for j := i - 1; j >= 0 && j >= i-negationWindow; j-- {
			if negators[tokens[j].text] {
				flips++
			}
		}
		if flips%2 == 1 {
			strength = -strength
		}

		strength = clamp(strength)
		weight := abs(strength)
		if weight == 0 {
			continue
		}
		weightedSum += strength * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return Result{}
	}

	polarity := clamp(weightedSum / totalWeight)
	confidence := totalWeight / 2
	if confidence > 1 {
		confidence = 1
	}
	return Result{Polarity: polarity, Confidence: confidence}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
