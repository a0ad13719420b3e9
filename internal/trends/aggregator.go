// Package trends computes time-windowed mention and sentiment statistics.
package trends

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
)

// trendingBuckets is how many trailing buckets feed the trending score: the
// most recent bucket is compared against the trailing average of the rest.
const trendingBuckets = 6

// Aggregator computes TrendPoint series on demand. Results are memoized per
// (token, platform, window, width) and dropped whenever the processor
// writes new mentions; the cache is a derived view, never a source of truth.
type Aggregator struct {
	store storage.Store

	mu    sync.Mutex
	cache map[cacheKey][]models.TrendPoint
}

type cacheKey struct {
	tokenID  int64
	platform models.Platform
	from     int64
	to       int64
	width    time.Duration
}

// NewAggregator creates a trend aggregator.
func NewAggregator(store storage.Store) *Aggregator {
	return &Aggregator{
		store: store,
		cache: make(map[cacheKey][]models.TrendPoint),
	}
}

// Invalidate drops all memoized trend series. Called after new
// mention/score writes.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[cacheKey][]models.TrendPoint)
}

// BucketStart aligns t down to the bucket grid. Buckets are fixed-width and
// anchored to the Unix epoch, so boundaries are identical across calls
// regardless of call time.
func BucketStart(t time.Time, width time.Duration) time.Time {
	sec := int64(width / time.Second)
	ts := t.Unix()
	aligned := ts - mod(ts, sec)
	return time.Unix(aligned, 0).UTC()
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// validWidth rejects widths the epoch-second grid cannot represent:
// BucketStart aligns on whole Unix seconds, so sub-second or fractional
// widths would collapse to a zero-second grid.
func validWidth(width time.Duration) error {
	if width < time.Second || width%time.Second != 0 {
		return &models.InputError{Reason: "bucket width must be a whole number of seconds"}
	}
	return nil
}

// Aggregate returns the TrendPoint sequence for one token (0 = all tokens
// combined) on one platform (PlatformAll = all) between from and to, in
// fixed buckets of the given width. Empty buckets are included with zero
// counts so series share a common grid.
func (a *Aggregator) Aggregate(ctx context.Context, tokenID int64, platform models.Platform, from, to time.Time, width time.Duration) ([]models.TrendPoint, error) {
	if err := validWidth(width); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, &models.InputError{Reason: "invalid aggregation window"}
	}

	gridStart := BucketStart(from, width)
	gridEnd := BucketStart(to.Add(width-time.Nanosecond), width)

	key := cacheKey{tokenID: tokenID, platform: platform, from: gridStart.Unix(), to: gridEnd.Unix(), width: width}
	a.mu.Lock()
	if cached, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return cloneSeries(cached), nil
	}
	a.mu.Unlock()

	rows, err := a.store.ListMentionRows(ctx, tokenID, platform, gridStart, gridEnd)
	if err != nil {
		return nil, &models.ResourceError{Resource: "mention store", Err: err}
	}

	series := buildSeries(tokenID, platform, gridStart, gridEnd, width, rows)

	a.mu.Lock()
	a.cache[key] = series
	a.mu.Unlock()

	return cloneSeries(series), nil
}

type bucketAcc struct {
	count       int
	weightedSum float64
	totalWeight float64
	polarities  []float64
	weights     []float64
	authors     map[string]bool
}

func buildSeries(tokenID int64, platform models.Platform, gridStart, gridEnd time.Time, width time.Duration, rows []storage.MentionRow) []models.TrendPoint {
	n := int(gridEnd.Sub(gridStart) / width)
	if n <= 0 {
		return nil
	}

	accs := make([]bucketAcc, n)
	for _, row := range rows {
		idx := int(BucketStart(row.PostedAt, width).Sub(gridStart) / width)
		if idx < 0 || idx >= n {
			continue
		}
		acc := &accs[idx]
		acc.count++
		if acc.authors == nil {
			acc.authors = make(map[string]bool)
		}
		acc.authors[row.Author] = true
		// Confidence-0 scores are neutral-unknown, not polarity-0
		// evidence; they stay out of the weighted mean.
		if row.Confidence > 0 {
			acc.weightedSum += row.Polarity * row.Confidence
			acc.totalWeight += row.Confidence
			acc.polarities = append(acc.polarities, row.Polarity)
			acc.weights = append(acc.weights, row.Confidence)
		}
	}

	series := make([]models.TrendPoint, n)
	for i := range accs {
		acc := &accs[i]
		point := models.TrendPoint{
			TokenID:         tokenID,
			Platform:        platform,
			BucketStart:     gridStart.Add(time.Duration(i) * width),
			BucketWidth:     width,
			MentionCount:    acc.count,
			DistinctAuthors: len(acc.authors),
		}
		if acc.totalWeight > 0 {
			mean := acc.weightedSum / acc.totalWeight
			point.AvgSentiment = mean

			var varSum float64
			for j, pol := range acc.polarities {
				d := pol - mean
				varSum += acc.weights[j] * d * d
			}
			point.SentimentStddev = math.Sqrt(varSum / acc.totalWeight)
		}
		series[i] = point
	}
	return series
}

func cloneSeries(s []models.TrendPoint) []models.TrendPoint {
	out := make([]models.TrendPoint, len(s))
	copy(out, s)
	return out
}

// Trending ranks tokens by spike intensity: the most recent bucket's mention
// count normalized against the trailing average and spread of the prior
// buckets. A low-volume token with a sharp spike outranks a high-volume
// token with flat activity. Ties break by token ID ascending.
func (a *Aggregator) Trending(ctx context.Context, platform models.Platform, limit int, now time.Time, width time.Duration) ([]models.TrendingToken, error) {
	if err := validWidth(width); err != nil {
		return nil, err
	}

	gridEnd := BucketStart(now, width).Add(width)
	gridStart := gridEnd.Add(-time.Duration(trendingBuckets) * width)

	tokenIDs, err := a.store.ListMentionedTokenIDs(ctx, platform, gridStart, gridEnd)
	if err != nil {
		return nil, &models.ResourceError{Resource: "mention store", Err: err}
	}

	tokens, err := a.store.ListTokens(ctx, true)
	if err != nil {
		return nil, &models.ResourceError{Resource: "token registry", Err: err}
	}
	symbols := make(map[int64]string, len(tokens))
	for _, t := range tokens {
		symbols[t.ID] = t.Symbol
	}

	var ranked []models.TrendingToken
	for _, id := range tokenIDs {
		symbol, active := symbols[id]
		if !active {
			// Deactivated after its mentions were processed.
			continue
		}
		series, err := a.Aggregate(ctx, id, platform, gridStart, gridEnd, width)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			continue
		}

		latest := series[len(series)-1]
		prior := series[:len(series)-1]

		var sum float64
		for _, p := range prior {
			sum += float64(p.MentionCount)
		}
		mean := sum / float64(len(prior))

		var varSum float64
		for _, p := range prior {
			d := float64(p.MentionCount) - mean
			varSum += d * d
		}
		stddev := math.Sqrt(varSum / float64(len(prior)))

		// +1 keeps the spike from a silent baseline finite while still
		// rewarding it far above steady activity.
		score := (float64(latest.MentionCount) - mean) / (stddev + 1)

		ranked = append(ranked, models.TrendingToken{
			TokenID:      id,
			Symbol:       symbol,
			Score:        score,
			LatestCount:  latest.MentionCount,
			TrailingMean: mean,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].TokenID < ranked[j].TokenID
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	logrus.Debugf("Trending: ranked %d tokens on %q", len(ranked), platform)
	return ranked, nil
}

// SentimentSummary is an aggregate sentiment reading over one window.
type SentimentSummary struct {
	TokenID       int64     `json:"token_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	MentionCount  int       `json:"mention_count"`
	AvgSentiment  float64   `json:"avg_sentiment"`
	PositiveCount int       `json:"positive_count"`
	NeutralCount  int       `json:"neutral_count"`
	NegativeCount int       `json:"negative_count"`
}

// sentimentBand separates positive/negative from neutral readings.
const sentimentBand = 0.05

// Sentiment summarizes a token's sentiment over [from, to).
func (a *Aggregator) Sentiment(ctx context.Context, tokenID int64, from, to time.Time) (*SentimentSummary, error) {
	rows, err := a.store.ListMentionRows(ctx, tokenID, models.PlatformAll, from, to)
	if err != nil {
		return nil, &models.ResourceError{Resource: "mention store", Err: err}
	}

	summary := &SentimentSummary{TokenID: tokenID, WindowStart: from, WindowEnd: to}
	var weightedSum, totalWeight float64
	for _, row := range rows {
		summary.MentionCount++
		if row.Confidence <= 0 {
			summary.NeutralCount++
			continue
		}
		weightedSum += row.Polarity * row.Confidence
		totalWeight += row.Confidence
		switch {
		case row.Polarity > sentimentBand:
			summary.PositiveCount++
		case row.Polarity < -sentimentBand:
			summary.NegativeCount++
		default:
			summary.NeutralCount++
		}
	}
	if totalWeight > 0 {
		summary.AvgSentiment = weightedSum / totalWeight
	}
	return summary, nil
}
