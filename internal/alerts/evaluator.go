// Package alerts evaluates stored alert rules against trend and correlation
// metrics and raises alert events.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octopus-project/octopus/internal/correlation"
	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/octopus-project/octopus/internal/trends"
)

// RuleState is the explicit per-rule lifecycle:
// Active -> (condition met, cooldown elapsed) -> Fired -> (cooldown) -> Active.
type RuleState string

const (
	StateActive RuleState = "active"
	StateFired  RuleState = "fired"
)

// StateOf derives a rule's current state from its last firing.
func StateOf(rule *models.AlertRule, now time.Time) RuleState {
	if rule.LastFiredAt != nil && now.Sub(*rule.LastFiredAt) < rule.Cooldown {
		return StateFired
	}
	return StateActive
}

// OutcomeStatus classifies the result of checking one rule.
type OutcomeStatus string

const (
	OutcomeFired    OutcomeStatus = "fired"
	OutcomeNotFired OutcomeStatus = "not_fired"
	OutcomeCooling  OutcomeStatus = "cooling_down"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeFailed   OutcomeStatus = "failed"
)

// Outcome reports what happened to one rule during a check pass.
type Outcome struct {
	RuleID   int64              `json:"rule_id"`
	Status   OutcomeStatus      `json:"status"`
	Reason   string             `json:"reason,omitempty"`
	Observed float64            `json:"observed,omitempty"`
	Event    *models.AlertEvent `json:"event,omitempty"`
}

// Notifier delivers fired alert events. Nil disables delivery.
type Notifier interface {
	SendAlert(event *models.AlertEvent, rule *models.AlertRule, token *models.Token) error
}

// Evaluator checks alert rules. Cooldown updates are serialized per rule:
// the check-and-fire step holds an exclusive per-rule lock so concurrent
// evaluator invocations cannot double-fire.
type Evaluator struct {
	store    storage.Store
	trends   *trends.Aggregator
	corr     *correlation.Engine
	notifier Notifier
	now      func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewEvaluator creates an alert evaluator. notifier may be nil.
func NewEvaluator(store storage.Store, aggregator *trends.Aggregator, engine *correlation.Engine, notifier Notifier) *Evaluator {
	return &Evaluator{
		store:    store,
		trends:   aggregator,
		corr:     engine,
		notifier: notifier,
		now:      time.Now,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (e *Evaluator) ruleLock(id int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Check evaluates all active rules, or just one when ruleID is non-nil.
// One rule failing never prevents evaluation of the rest; every rule's
// outcome is reported.
func (e *Evaluator) Check(ctx context.Context, ruleID *int64) ([]Outcome, error) {
	var rules []models.AlertRule
	if ruleID != nil {
		rule, err := e.store.GetAlertRule(ctx, *ruleID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return []Outcome{{RuleID: *ruleID, Status: OutcomeSkipped, Reason: "rule not found"}}, nil
			}
			return nil, &models.ResourceError{Resource: "alert rules", Err: err}
		}
		rules = []models.AlertRule{*rule}
	} else {
		var err error
		rules, err = e.store.ListAlertRules(ctx, true)
		if err != nil {
			return nil, &models.ResourceError{Resource: "alert rules", Err: err}
		}
	}

	outcomes := make([]Outcome, 0, len(rules))
	for i := range rules {
		if err := ctx.Err(); err != nil {
			break
		}
		outcomes = append(outcomes, e.checkRule(ctx, &rules[i]))
	}

	fired := 0
	for _, o := range outcomes {
		if o.Status == OutcomeFired {
			fired++
		}
	}
	logrus.Infof("Alert check: %d rules evaluated, %d fired", len(outcomes), fired)
	return outcomes, nil
}

func (e *Evaluator) checkRule(ctx context.Context, rule *models.AlertRule) Outcome {
	lock := e.ruleLock(rule.ID)
	lock.Lock()
	defer lock.Unlock()

	// Reload inside the lock so the cooldown read-modify-write sees the
	// latest firing.
	current, err := e.store.GetAlertRule(ctx, rule.ID)
	if err != nil {
		return Outcome{RuleID: rule.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("reload rule: %v", err)}
	}
	rule = current
	if !rule.Active {
		return Outcome{RuleID: rule.ID, Status: OutcomeSkipped, Reason: "rule inactive"}
	}

	token, reason := e.ruleToken(ctx, rule)
	if reason != "" {
		logrus.Warnf("Skipping alert rule %d: %s", rule.ID, reason)
		return Outcome{RuleID: rule.ID, Status: OutcomeSkipped, Reason: reason}
	}

	observed, snapshot, err := e.observe(ctx, rule)
	if err != nil {
		var insufficient *models.InsufficientDataError
		if errors.As(err, &insufficient) {
			return Outcome{RuleID: rule.ID, Status: OutcomeSkipped, Reason: err.Error()}
		}
		var ruleErr *models.RuleConfigError
		if errors.As(err, &ruleErr) {
			return Outcome{RuleID: rule.ID, Status: OutcomeSkipped, Reason: err.Error()}
		}
		return Outcome{RuleID: rule.ID, Status: OutcomeFailed, Reason: err.Error()}
	}

	met, err := rule.Comparator.Compare(observed, rule.Threshold)
	if err != nil {
		return Outcome{RuleID: rule.ID, Status: OutcomeSkipped, Reason: err.Error()}
	}
	if !met {
		return Outcome{RuleID: rule.ID, Status: OutcomeNotFired, Observed: observed}
	}

	now := e.now().UTC()
	if StateOf(rule, now) == StateFired {
		return Outcome{RuleID: rule.ID, Status: OutcomeCooling, Observed: observed}
	}

	event := &models.AlertEvent{
		RuleID:      rule.ID,
		TriggeredAt: now,
		Observed:    observed,
		Snapshot:    snapshot,
	}
	if err := e.store.SaveAlertEvent(ctx, event); err != nil {
		return Outcome{RuleID: rule.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("persist event: %v", err)}
	}

	if e.notifier != nil {
		if err := e.notifier.SendAlert(event, rule, token); err != nil {
			// The event is already persisted; delivery failure is not a
			// firing failure.
			logrus.Errorf("Failed to deliver alert for rule %d: %v", rule.ID, err)
		}
	}

	logrus.Infof("Alert rule %d fired: observed %.4f %s %.4f", rule.ID, observed, rule.Comparator, rule.Threshold)
	return Outcome{RuleID: rule.ID, Status: OutcomeFired, Observed: observed, Event: event}
}

// ruleToken resolves and vets the rule's token references. A missing or
// inactive token makes the rule skippable, not fatal.
func (e *Evaluator) ruleToken(ctx context.Context, rule *models.AlertRule) (*models.Token, string) {
	if rule.TokenID == nil {
		if rule.Metric == models.MetricCorrelation {
			return nil, "correlation rule without token"
		}
		return nil, "" // global rule
	}
	token, err := e.store.GetToken(ctx, *rule.TokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Sprintf("token %d not found", *rule.TokenID)
		}
		return nil, fmt.Sprintf("load token %d: %v", *rule.TokenID, err)
	}
	if !token.Active {
		return nil, fmt.Sprintf("token %s inactive", token.Symbol)
	}

	if rule.Metric == models.MetricCorrelation {
		if rule.OtherTokenID == nil {
			return nil, "correlation rule without second token"
		}
		other, err := e.store.GetToken(ctx, *rule.OtherTokenID)
		if err != nil || !other.Active {
			return nil, fmt.Sprintf("correlation counterpart token %d unavailable", *rule.OtherTokenID)
		}
	}
	return token, ""
}

// observe recomputes the rule's metric over its window ending now. The
// snapshot captures the contributing trend points or correlation as JSON.
func (e *Evaluator) observe(ctx context.Context, rule *models.AlertRule) (float64, string, error) {
	if rule.Window <= 0 {
		return 0, "", &models.RuleConfigError{RuleID: rule.ID, Reason: "window must be positive"}
	}

	now := e.now().UTC()
	var tokenID int64
	if rule.TokenID != nil {
		tokenID = *rule.TokenID
	}

	switch rule.Metric {
	case models.MetricMentionCount, models.MetricSentimentAvg:
		summary, err := e.trends.Sentiment(ctx, tokenID, now.Add(-rule.Window), now)
		if err != nil {
			return 0, "", err
		}
		snapshot := marshalSnapshot(summary)
		if rule.Metric == models.MetricMentionCount {
			return float64(summary.MentionCount), snapshot, nil
		}
		if summary.MentionCount == 0 {
			return 0, "", &models.InsufficientDataError{Needed: 1, Got: 0}
		}
		return summary.AvgSentiment, snapshot, nil

	case models.MetricSentimentDelta:
		current, err := e.trends.Sentiment(ctx, tokenID, now.Add(-rule.Window), now)
		if err != nil {
			return 0, "", err
		}
		previous, err := e.trends.Sentiment(ctx, tokenID, now.Add(-2*rule.Window), now.Add(-rule.Window))
		if err != nil {
			return 0, "", err
		}
		if current.MentionCount == 0 || previous.MentionCount == 0 {
			return 0, "", &models.InsufficientDataError{Needed: 1, Got: 0}
		}
		snapshot := marshalSnapshot([]*trends.SentimentSummary{previous, current})
		return current.AvgSentiment - previous.AvgSentiment, snapshot, nil

	case models.MetricCorrelation:
		corr, err := e.corr.Correlate(ctx, tokenID, *rule.OtherTokenID, now.Add(-rule.Window), now, correlationBucketWidth(rule.Window))
		if err != nil {
			return 0, "", err
		}
		return corr.Coefficient, marshalSnapshot(corr), nil
	}

	return 0, "", &models.RuleConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("unknown metric %q", rule.Metric)}
}

// correlationBucketWidth splits a rule window into enough buckets to clear
// the engine's minimum sample size.
func correlationBucketWidth(window time.Duration) time.Duration {
	width := (window / 12).Truncate(time.Second)
	if width < time.Minute {
		width = time.Minute
	}
	return width
}

func marshalSnapshot(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
