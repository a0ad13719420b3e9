// Package processing orchestrates mention extraction and sentiment scoring
// per message and owns the processed flag.
package processing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octopus-project/octopus/internal/extract"
	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/sentiment"
	"github.com/octopus-project/octopus/internal/storage"
)

// sweepPageSize bounds how many messages one sweep page loads, capping
// memory and write-lock duration.
const sweepPageSize = 200

// Status classifies the outcome for one message. Silent partial success is
// disallowed: every message in a batch gets exactly one of these.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result is the per-message processing outcome.
type Result struct {
	MessageID int64  `json:"message_id"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Mentions  int    `json:"mentions"`
}

// Summary aggregates a batch or sweep run.
type Summary struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results,omitempty"`
}

// Metrics tracks processor activity across runs.
type Metrics struct {
	TotalProcessed int       `json:"total_processed"`
	TotalMentions  int       `json:"total_mentions"`
	TotalFailed    int       `json:"total_failed"`
	LastRun        time.Time `json:"last_run"`
	LastRunCount   int       `json:"last_run_count"`
}

// Invalidator is notified after new mention/score writes so derived caches
// can drop stale entries.
type Invalidator interface {
	Invalidate()
}

// Processor derives mentions and sentiment scores from raw messages.
type Processor struct {
	store        storage.Store
	invalidators []Invalidator
	now          func() time.Time

	mu      sync.RWMutex
	metrics Metrics
}

// NewProcessor creates a message processor. Invalidators are notified after
// every successful write.
func NewProcessor(store storage.Store, invalidators ...Invalidator) *Processor {
	return &Processor{
		store:        store,
		invalidators: invalidators,
		now:          time.Now,
	}
}

// snapshot loads the active token set into an immutable registry. A failure
// here is a ResourceError: the job aborts and the scheduler retries.
func (p *Processor) snapshot(ctx context.Context) (*extract.Registry, error) {
	tokens, err := p.store.ListTokens(ctx, true)
	if err != nil {
		return nil, &models.ResourceError{Resource: "token registry", Err: err}
	}
	return extract.NewRegistry(tokens)
}

// Process runs extraction and scoring for one message. Idempotent:
// reprocessing replaces the previous derivation without duplicating rows.
// The returned error is resource-level only; per-message problems are
// reported in the Result.
func (p *Processor) Process(ctx context.Context, messageID int64) (Result, error) {
	registry, err := p.snapshot(ctx)
	if err != nil {
		return Result{MessageID: messageID, Status: StatusFailed, Reason: err.Error()}, err
	}
	res := p.processOne(ctx, registry, messageID)
	p.recordRun([]Result{res})
	return res, nil
}

// ProcessBatch processes a bounded list of messages with partial-failure
// semantics: one malformed message never aborts the rest.
func (p *Processor) ProcessBatch(ctx context.Context, messageIDs []int64) ([]Result, error) {
	registry, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(messageIDs))
	for _, id := range messageIDs {
		if err := ctx.Err(); err != nil {
			break
		}
		results = append(results, p.processOne(ctx, registry, id))
	}
	p.recordRun(results)
	return results, nil
}

// ProcessUnprocessed sweeps messages with processed = false, oldest first,
// in bounded pages. collectorRunID narrows the sweep when non-empty; limit
// caps the total number of messages (0 means no cap). The sweep stops
// cleanly on context cancellation and returns the partial summary.
func (p *Processor) ProcessUnprocessed(ctx context.Context, collectorRunID string, limit int) (Summary, error) {
	start := p.now()
	logrus.Infof("Starting unprocessed sweep (collector=%q limit=%d)", collectorRunID, limit)

	registry, err := p.snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	remaining := limit
	for {
		page := sweepPageSize
		if limit > 0 && remaining < page {
			page = remaining
		}
		if page == 0 {
			break
		}

		// Processed messages leave the unprocessed set, so each page
		// starts from offset zero; skipped and failed ones are paged past.
		msgs, err := p.store.ListUnprocessed(ctx, collectorRunID, page, summary.Skipped+summary.Failed)
		if err != nil {
			return summary, &models.ResourceError{Resource: "message store", Err: err}
		}
		if len(msgs) == 0 {
			break
		}

		for i := range msgs {
			if err := ctx.Err(); err != nil {
				logrus.Warnf("Sweep cancelled after %d messages: %v", len(summary.Results), err)
				return summary, nil
			}
			res := p.processMessage(ctx, registry, &msgs[i])
			summary.add(res)
		}

		if limit > 0 {
			remaining -= len(msgs)
			if remaining <= 0 {
				break
			}
		}
	}

	p.recordRun(summary.Results)
	logrus.Infof("Sweep completed in %v: %d processed, %d skipped, %d failed",
		p.now().Sub(start), summary.Processed, summary.Skipped, summary.Failed)
	return summary, nil
}

func (s *Summary) add(res Result) {
	s.Results = append(s.Results, res)
	switch res.Status {
	case StatusSucceeded:
		s.Processed++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

func (p *Processor) processOne(ctx context.Context, registry *extract.Registry, messageID int64) Result {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{MessageID: messageID, Status: StatusFailed, Reason: "message not found"}
		}
		return Result{MessageID: messageID, Status: StatusFailed, Reason: err.Error()}
	}
	return p.processMessage(ctx, registry, msg)
}

func (p *Processor) processMessage(ctx context.Context, registry *extract.Registry, msg *models.Message) Result {
	// Malformed messages are skipped, not failed: they carry a reason and
	// stay unprocessed, but are not an error of the processing run.
	if reason := validate(msg); reason != "" {
		logrus.Warnf("Skipping malformed message %d: %s", msg.ID, reason)
		return Result{MessageID: msg.ID, Status: StatusSkipped, Reason: reason}
	}

	candidates := registry.Extract(msg.Content)

	mentions := make([]models.Mention, 0, len(candidates))
	scores := make([]models.SentimentScore, 0, len(candidates)+1)

	for _, c := range candidates {
		mentions = append(mentions, models.Mention{
			MessageID:  msg.ID,
			TokenID:    c.TokenID,
			Surface:    c.Surface,
			SpanStart:  c.Start,
			SpanEnd:    c.End,
			Confidence: c.Confidence,
		})

		tokenID := c.TokenID
		local := sentiment.ScoreSpan(msg.Content, c.Start, c.End)
		scores = append(scores, models.SentimentScore{
			MessageID:     msg.ID,
			TokenID:       &tokenID,
			Polarity:      local.Polarity,
			Confidence:    local.Confidence,
			MethodVersion: sentiment.MethodVersion,
		})
	}

	// One message-level score regardless of mentions.
	whole := sentiment.Score(msg.Content)
	scores = append(scores, models.SentimentScore{
		MessageID:     msg.ID,
		Polarity:      whole.Polarity,
		Confidence:    whole.Confidence,
		MethodVersion: sentiment.MethodVersion,
	})

	if err := p.store.SaveProcessingResult(ctx, msg.ID, p.now().UTC(), mentions, scores); err != nil {
		logrus.Errorf("Failed to persist processing result for message %d: %v", msg.ID, err)
		return Result{MessageID: msg.ID, Status: StatusFailed, Reason: fmt.Sprintf("persist: %v", err)}
	}

	for _, inv := range p.invalidators {
		inv.Invalidate()
	}

	logrus.Debugf("Processed message %d: %d mentions", msg.ID, len(mentions))
	return Result{MessageID: msg.ID, Status: StatusSucceeded, Mentions: len(mentions)}
}

// validate reports the reason a message cannot be processed, or "".
func validate(msg *models.Message) string {
	if _, err := models.ParsePlatform(string(msg.Platform)); err != nil {
		return fmt.Sprintf("invalid platform %q", msg.Platform)
	}
	if msg.PostedAt.IsZero() {
		return "missing posted-at timestamp"
	}
	if strings.TrimSpace(msg.Author) == "" {
		return "missing author"
	}
	return ""
}

func (p *Processor) recordRun(results []Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.LastRun = p.now()
	p.metrics.LastRunCount = len(results)
	for _, r := range results {
		switch r.Status {
		case StatusSucceeded:
			p.metrics.TotalProcessed++
			p.metrics.TotalMentions += r.Mentions
		case StatusFailed:
			p.metrics.TotalFailed++
		}
	}
}

// GetMetrics returns a copy of the processor's run metrics.
func (p *Processor) GetMetrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}
