// Package correlation measures how tokens' trend series co-move.
package correlation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/octopus-project/octopus/internal/trends"
)

// minOverlap is the minimum number of non-empty overlapping buckets below
// which a coefficient would be numerically meaningless and the request is
// answered with InsufficientDataError instead.
const minOverlap = 6

// Engine computes pairwise Pearson correlation between trend series.
// Results are cached in storage under canonical (min id, max id) ordering;
// Invalidate is wired to the same trigger as the trend cache.
type Engine struct {
	store  storage.Store
	trends *trends.Aggregator
	now    func() time.Time

	mu        sync.Mutex
	staleFrom time.Time
}

// NewEngine creates a correlation engine on top of the trend aggregator.
func NewEngine(store storage.Store, aggregator *trends.Aggregator) *Engine {
	return &Engine{store: store, trends: aggregator, now: time.Now}
}

// Invalidate marks stored correlation results computed before now as stale.
// Wired to the same trigger as the trend cache.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.staleFrom = e.now()
	e.mu.Unlock()
}

func (e *Engine) fresh(corr *models.Correlation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !corr.ComputedAt.Before(e.staleFrom)
}

// Correlate computes the Pearson correlation between two tokens'
// mention-count series over [from, to) on a shared bucket grid. The result
// is symmetric: Correlate(a, b) and Correlate(b, a) return the same
// coefficient and sample size.
func (e *Engine) Correlate(ctx context.Context, tokenA, tokenB int64, from, to time.Time, width time.Duration) (*models.Correlation, error) {
	return e.correlate(ctx, tokenA, tokenB, from, to, width, models.CorrelationMentions)
}

// CorrelateSentiment is Correlate over the weighted sentiment series.
func (e *Engine) CorrelateSentiment(ctx context.Context, tokenA, tokenB int64, from, to time.Time, width time.Duration) (*models.Correlation, error) {
	return e.correlate(ctx, tokenA, tokenB, from, to, width, models.CorrelationSentiment)
}

func (e *Engine) correlate(ctx context.Context, tokenA, tokenB int64, from, to time.Time, width time.Duration, method string) (*models.Correlation, error) {
	if tokenA == tokenB {
		return nil, &models.InputError{Reason: "correlation requires two distinct tokens"}
	}
	if tokenA > tokenB {
		tokenA, tokenB = tokenB, tokenA
	}

	gridStart := trends.BucketStart(from, width)
	gridEnd := trends.BucketStart(to.Add(width-time.Nanosecond), width)

	key := storage.CorrelationKey{
		TokenA:      tokenA,
		TokenB:      tokenB,
		WindowStart: gridStart,
		WindowEnd:   gridEnd,
		BucketWidth: width,
		Method:      method,
	}
	if cached, err := e.store.GetCorrelation(ctx, key); err == nil {
		if e.fresh(cached) {
			return cached, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, &models.ResourceError{Resource: "correlation cache", Err: err}
	}

	seriesA, err := e.trends.Aggregate(ctx, tokenA, models.PlatformAll, gridStart, gridEnd, width)
	if err != nil {
		return nil, err
	}
	seriesB, err := e.trends.Aggregate(ctx, tokenB, models.PlatformAll, gridStart, gridEnd, width)
	if err != nil {
		return nil, err
	}

	xs, ys, nonEmpty := alignSeries(seriesA, seriesB, method)
	if nonEmpty < minOverlap {
		return nil, &models.InsufficientDataError{Needed: minOverlap, Got: nonEmpty}
	}

	coeff, ok := pearson(xs, ys)
	if !ok {
		// A flat series has no variance to correlate against.
		return nil, &models.InsufficientDataError{Needed: minOverlap, Got: nonEmpty}
	}

	corr := &models.Correlation{
		TokenA:      tokenA,
		TokenB:      tokenB,
		WindowStart: gridStart,
		WindowEnd:   gridEnd,
		BucketWidth: width,
		Coefficient: coeff,
		SampleSize:  nonEmpty,
		Method:      method,
		ComputedAt:  e.now().UTC(),
	}
	if err := e.store.SaveCorrelation(ctx, corr); err != nil {
		logrus.Warnf("Failed to cache correlation (%d,%d): %v", tokenA, tokenB, err)
	}
	return corr, nil
}

// alignSeries zero-fills both series onto the shared grid and counts buckets
// where at least one side has activity.
func alignSeries(a, b []models.TrendPoint, method string) (xs, ys []float64, nonEmpty int) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	xs = make([]float64, n)
	ys = make([]float64, n)
	for i := 0; i < n; i++ {
		if method == models.CorrelationSentiment {
			xs[i] = a[i].AvgSentiment
			ys[i] = b[i].AvgSentiment
		} else {
			xs[i] = float64(a[i].MentionCount)
			ys[i] = float64(b[i].MentionCount)
		}
		if a[i].MentionCount > 0 || b[i].MentionCount > 0 {
			nonEmpty++
		}
	}
	return xs, ys, nonEmpty
}

// CorrelatePrice measures how one token's mention counts co-move with its
// own price series over the same bucket grid.
func (e *Engine) CorrelatePrice(ctx context.Context, tokenID int64, from, to time.Time, width time.Duration) (*models.Correlation, error) {
	gridStart := trends.BucketStart(from, width)
	gridEnd := trends.BucketStart(to.Add(width-time.Nanosecond), width)

	series, err := e.trends.Aggregate(ctx, tokenID, models.PlatformAll, gridStart, gridEnd, width)
	if err != nil {
		return nil, err
	}

	points, err := e.store.ListPricePoints(ctx, tokenID, gridStart, gridEnd)
	if err != nil {
		return nil, &models.ResourceError{Resource: "price store", Err: err}
	}

	// Bucket prices onto the same grid, averaging within each bucket.
	n := len(series)
	sums := make([]float64, n)
	counts := make([]int, n)
	for _, p := range points {
		idx := int(trends.BucketStart(p.FetchedAt, width).Sub(gridStart) / width)
		if idx < 0 || idx >= n {
			continue
		}
		v, _ := p.Price.Float64()
		sums[idx] += v
		counts[idx]++
	}

	var xs, ys []float64
	nonEmpty := 0
	for i := 0; i < n; i++ {
		if counts[i] == 0 {
			continue // no price sample, bucket not comparable
		}
		xs = append(xs, float64(series[i].MentionCount))
		ys = append(ys, sums[i]/float64(counts[i]))
		if series[i].MentionCount > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < minOverlap {
		return nil, &models.InsufficientDataError{Needed: minOverlap, Got: nonEmpty}
	}

	coeff, ok := pearson(xs, ys)
	if !ok {
		return nil, &models.InsufficientDataError{Needed: minOverlap, Got: nonEmpty}
	}

	return &models.Correlation{
		TokenA:      tokenID,
		TokenB:      tokenID,
		WindowStart: gridStart,
		WindowEnd:   gridEnd,
		BucketWidth: width,
		Coefficient: coeff,
		SampleSize:  nonEmpty,
		Method:      models.CorrelationPrice,
		ComputedAt:  e.now().UTC(),
	}, nil
}

// pearson returns the Pearson correlation coefficient of two equal-length
// series, or ok=false when either side has zero variance.
func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	if n == 0 {
		return 0, false
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varX*varY), true
}
