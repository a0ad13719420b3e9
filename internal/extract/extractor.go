// Package extract detects token references in free-form message text.
package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/octopus-project/octopus/internal/models"
)

// Confidence tiers. An exact symbol or cashtag hit is certain; alias and
// fuzzy hits carry proportionally less weight.
const (
	symbolConfidence = 1.0
	aliasConfidence  = 0.8

	// minMessageLength is the shortest content worth scanning. Anything
	// below it (or with no alphanumeric rune) yields no mentions.
	minMessageLength = 2

	// maxFuzzyDistance bounds the edit distance for near-miss symbol hits.
	maxFuzzyDistance = 1

	// minFuzzyLength keeps fuzzy matching away from short symbols, where a
	// single edit turns one ticker into another.
	minFuzzyLength = 4
)

// Candidate is one detected token reference with its matched span.
type Candidate struct {
	TokenID    int64
	Surface    string
	Start      int
	End        int
	Confidence float64
}

type aliasPattern struct {
	tokenID int64
	re      *regexp.Regexp
}

// Registry is an immutable snapshot of the active token set. Reloading the
// registry means building a new snapshot; concurrent extractions never see a
// half-updated one.
type Registry struct {
	bySymbol map[string]int64
	symbols  []symbolEntry
	aliases  []aliasPattern
}

type symbolEntry struct {
	tokenID int64
	symbol  string // lowercase
}

// NewRegistry builds a snapshot from the active tokens. Duplicate symbols
// (case-insensitive) or alias patterns that do not compile are registry
// corruption and fail with a ResourceError.
func NewRegistry(tokens []models.Token) (*Registry, error) {
	r := &Registry{bySymbol: make(map[string]int64, len(tokens))}

	for _, token := range tokens {
		if !token.Active {
			continue
		}
		sym := strings.ToLower(strings.TrimSpace(token.Symbol))
		if sym == "" {
			return nil, &models.ResourceError{
				Resource: "token registry",
				Err:      fmt.Errorf("token %d has an empty symbol", token.ID),
			}
		}
		if other, exists := r.bySymbol[sym]; exists {
			return nil, &models.ResourceError{
				Resource: "token registry",
				Err:      fmt.Errorf("symbol %q shared by tokens %d and %d", token.Symbol, other, token.ID),
			}
		}
		r.bySymbol[sym] = token.ID
		r.symbols = append(r.symbols, symbolEntry{tokenID: token.ID, symbol: sym})

		for _, alias := range token.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b(?:` + alias + `)\b`)
			if err != nil {
				return nil, &models.ResourceError{
					Resource: "token registry",
					Err:      fmt.Errorf("token %d alias %q: %w", token.ID, alias, err),
				}
			}
			r.aliases = append(r.aliases, aliasPattern{tokenID: token.ID, re: re})
		}
	}

	return r, nil
}

// Size returns the number of registered symbols.
func (r *Registry) Size() int { return len(r.symbols) }

// Extract scans text and returns the resolved set of token mentions, ordered
// by span start then token ID. Message content is untrusted free text and
// never causes an error; unusable input simply yields no candidates.
func (r *Registry) Extract(text string) []Candidate {
	if !scannable(text) {
		return nil
	}

	var candidates []Candidate
	words := tokenize(text)

	for _, w := range words {
		lower := strings.ToLower(w.text)

		// Exact symbol or cashtag hit.
		if id, ok := r.bySymbol[lower]; ok {
			start := w.start
			if w.cashtag {
				start-- // include the $ marker
			}
			candidates = append(candidates, Candidate{
				TokenID:    id,
				Surface:    text[start:w.end],
				Start:      start,
				End:        w.end,
				Confidence: symbolConfidence,
			})
			continue
		}

		// Near-miss symbol hit, scored by normalized edit distance.
		if len(lower) >= minFuzzyLength {
			for _, entry := range r.symbols {
				if len(entry.symbol) < minFuzzyLength {
					continue
				}
				d := editDistance(lower, entry.symbol)
				if d > 0 && d <= maxFuzzyDistance {
					conf := 1.0 - float64(d)/float64(len(entry.symbol))
					candidates = append(candidates, Candidate{
						TokenID:    entry.tokenID,
						Surface:    text[w.start:w.end],
						Start:      w.start,
						End:        w.end,
						Confidence: conf,
					})
				}
			}
		}
	}

	// Alias hits (may span multiple words).
	for _, ap := range r.aliases {
		for _, loc := range ap.re.FindAllStringIndex(text, -1) {
			candidates = append(candidates, Candidate{
				TokenID:    ap.tokenID,
				Surface:    text[loc[0]:loc[1]],
				Start:      loc[0],
				End:        loc[1],
				Confidence: aliasConfidence,
			})
		}
	}

	return resolve(candidates)
}

// resolve drops duplicate and overlapping candidates. Overlaps keep the
// higher confidence, then the longer span, then the lower token ID, so the
// outcome never depends on scan order.
func resolve(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	// Strongest first, so a single pass can greedily claim spans.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.TokenID < b.TokenID
	})

	var kept []Candidate
	seen := make(map[int64]bool)
	for _, c := range candidates {
		if seen[c.TokenID] {
			continue // one mention per distinct token
		}
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		kept = append(kept, c)
		seen[c.TokenID] = true
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Start != kept[j].Start {
			return kept[i].Start < kept[j].Start
		}
		return kept[i].TokenID < kept[j].TokenID
	})
	return kept
}

func scannable(text string) bool {
	if len(strings.TrimSpace(text)) < minMessageLength {
		return false
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

type word struct {
	text    string
	start   int
	end     int
	cashtag bool
}

// tokenize splits text into alphanumeric runs with byte offsets, noting
// words introduced by a cashtag marker.
func tokenize(text string) []word {
	var words []word
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			words = append(words, makeWord(text, start, i))
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, makeWord(text, start, len(text)))
	}
	return words
}

func makeWord(text string, start, end int) word {
	return word{
		text:    text[start:end],
		start:   start,
		end:     end,
		cashtag: start > 0 && text[start-1] == '$',
	}
}

// editDistance is the Levenshtein distance between two short strings.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
