package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Platform identifies where a message was collected from. The set is closed:
// collectors for new platforms must be registered here first.
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformTelegram Platform = "telegram"
	PlatformReddit   Platform = "reddit"
	PlatformDiscord  Platform = "discord"

	// PlatformAll is a query scope, never stored on a message.
	PlatformAll Platform = ""
)

// ParsePlatform validates a platform string coming from a collector.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformTwitter, PlatformTelegram, PlatformReddit, PlatformDiscord:
		return Platform(s), nil
	}
	return "", &InputError{Reason: fmt.Sprintf("unknown platform %q", s)}
}

// Message is a raw collected post. Immutable once ingested; only the
// processed flag and timestamp change, and only through the processor.
type Message struct {
	ID                int64      `json:"id"`
	Platform          Platform   `json:"platform"`
	PlatformMessageID string     `json:"platform_message_id"`
	Author            string     `json:"author"`
	AuthorFollowers   int        `json:"author_followers"`
	Content           string     `json:"content"`
	PostedAt          time.Time  `json:"posted_at"`
	CollectorRunID    string     `json:"collector_run_id"`
	Processed         bool       `json:"processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}

// Token is a registry entry for a tracked cryptocurrency.
// Symbol is unique case-insensitively.
type Token struct {
	ID      int64    `json:"id"`
	Symbol  string   `json:"symbol"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	Active  bool     `json:"active"`
}

// Mention is a derived fact: one token reference detected in one message.
// Created only by the processor, never mutated.
type Mention struct {
	ID         int64     `json:"id"`
	MessageID  int64     `json:"message_id"`
	TokenID    int64     `json:"token_id"`
	Surface    string    `json:"surface"`
	SpanStart  int       `json:"span_start"`
	SpanEnd    int       `json:"span_end"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// SentimentScore is a derived fact. TokenID nil means the score covers the
// whole message rather than a single token's local context.
type SentimentScore struct {
	ID            int64     `json:"id"`
	MessageID     int64     `json:"message_id"`
	TokenID       *int64    `json:"token_id,omitempty"`
	Polarity      float64   `json:"polarity"`
	Confidence    float64   `json:"confidence"`
	MethodVersion string    `json:"method_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// TrendPoint is one bucket of aggregated mention/sentiment statistics.
// Recomputable from Mention+SentimentScore; never hand-edited.
type TrendPoint struct {
	TokenID         int64         `json:"token_id"`
	Platform        Platform      `json:"platform"`
	BucketStart     time.Time     `json:"bucket_start"`
	BucketWidth     time.Duration `json:"bucket_width"`
	MentionCount    int           `json:"mention_count"`
	AvgSentiment    float64       `json:"avg_sentiment"`
	SentimentStddev float64       `json:"sentiment_stddev"`
	DistinctAuthors int           `json:"distinct_authors"`
}

// Correlation methods.
const (
	CorrelationMentions  = "pearson_mentions"
	CorrelationSentiment = "pearson_sentiment"
	CorrelationPrice     = "pearson_mentions_price"
)

// Correlation is a recomputable pairwise association between two tokens'
// trend series. Canonical storage orders TokenA < TokenB.
type Correlation struct {
	TokenA      int64         `json:"token_a"`
	TokenB      int64         `json:"token_b"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	BucketWidth time.Duration `json:"bucket_width"`
	Coefficient float64       `json:"coefficient"`
	SampleSize  int           `json:"sample_size"`
	Method      string        `json:"method"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// AlertMetric selects which signal an alert rule watches.
type AlertMetric string

const (
	MetricMentionCount   AlertMetric = "mention_count"
	MetricSentimentAvg   AlertMetric = "sentiment_avg"
	MetricSentimentDelta AlertMetric = "sentiment_delta"
	MetricCorrelation    AlertMetric = "correlation"
)

// Comparator is the closed set of threshold comparisons for alert rules.
type Comparator string

const (
	CompareGT  Comparator = "gt"
	CompareGTE Comparator = "gte"
	CompareLT  Comparator = "lt"
	CompareLTE Comparator = "lte"
)

// Compare applies the comparator to an observed value and a threshold.
func (c Comparator) Compare(observed, threshold float64) (bool, error) {
	switch c {
	case CompareGT:
		return observed > threshold, nil
	case CompareGTE:
		return observed >= threshold, nil
	case CompareLT:
		return observed < threshold, nil
	case CompareLTE:
		return observed <= threshold, nil
	}
	return false, &RuleConfigError{Reason: fmt.Sprintf("unknown comparator %q", c)}
}

// AlertRule is a user-owned condition over trend or correlation metrics.
// TokenID nil means the rule is global. OtherTokenID is set only for
// correlation rules.
type AlertRule struct {
	ID           int64         `json:"id"`
	TokenID      *int64        `json:"token_id,omitempty"`
	OtherTokenID *int64        `json:"other_token_id,omitempty"`
	Metric       AlertMetric   `json:"metric"`
	Comparator   Comparator    `json:"comparator"`
	Threshold    float64       `json:"threshold"`
	Window       time.Duration `json:"window"`
	Active       bool          `json:"active"`
	Cooldown     time.Duration `json:"cooldown"`
	LastFiredAt  *time.Time    `json:"last_fired_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ValidateAlertRule rejects rules whose shape can never evaluate.
func ValidateAlertRule(rule *AlertRule) error {
	switch rule.Metric {
	case MetricMentionCount, MetricSentimentAvg, MetricSentimentDelta:
		if rule.TokenID == nil {
			return &RuleConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("metric %s requires token_id", rule.Metric)}
		}
	case MetricCorrelation:
		if rule.TokenID == nil || rule.OtherTokenID == nil {
			return &RuleConfigError{RuleID: rule.ID, Reason: "correlation metric requires token_id and other_token_id"}
		}
		if *rule.TokenID == *rule.OtherTokenID {
			return &RuleConfigError{RuleID: rule.ID, Reason: "correlation metric requires two distinct tokens"}
		}
	default:
		return &RuleConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("unknown metric %q", rule.Metric)}
	}

	switch rule.Comparator {
	case CompareGT, CompareGTE, CompareLT, CompareLTE:
	default:
		return &RuleConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("unknown comparator %q", rule.Comparator)}
	}

	if rule.Window <= 0 {
		return &RuleConfigError{RuleID: rule.ID, Reason: "window must be positive"}
	}
	if rule.Cooldown < 0 {
		return &RuleConfigError{RuleID: rule.ID, Reason: "cooldown must not be negative"}
	}
	return nil
}

// AlertEvent records one firing of a rule. Immutable.
type AlertEvent struct {
	ID          int64     `json:"id"`
	RuleID      int64     `json:"rule_id"`
	TriggeredAt time.Time `json:"triggered_at"`
	Observed    float64   `json:"observed"`
	// Snapshot is a JSON dump of the trend points or correlation that
	// produced the observed value.
	Snapshot string `json:"snapshot"`
}

// PricePoint is one fetched spot price for a token.
type PricePoint struct {
	ID        int64           `json:"id"`
	TokenID   int64           `json:"token_id"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Report is a periodic summary built by the scheduler and delivered through
// the notification channels.
type Report struct {
	GeneratedAt   time.Time              `json:"generated_at"`
	Period        string                 `json:"period"`
	TotalMessages int                    `json:"total_messages"`
	TotalMentions int                    `json:"total_mentions"`
	Trending      []TrendingToken        `json:"trending"`
	AlertEvents   []AlertEvent           `json:"alert_events"`
	Summary       map[string]interface{} `json:"summary"`
}

// TrendingToken is one entry of the trending ranking.
type TrendingToken struct {
	TokenID      int64   `json:"token_id"`
	Symbol       string  `json:"symbol"`
	Score        float64 `json:"score"`
	LatestCount  int     `json:"latest_count"`
	TrailingMean float64 `json:"trailing_mean"`
}
