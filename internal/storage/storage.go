// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/octopus-project/octopus/internal/models"
)

// ErrDuplicate is returned when an insert collides with an existing row
// under a uniqueness constraint (same platform-native message id, or a
// token symbol already registered).
var ErrDuplicate = errors.New("duplicate record")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// MentionRow is a mention joined with its message metadata and token-scoped
// sentiment score. It is the input shape for trend aggregation.
type MentionRow struct {
	MessageID  int64
	TokenID    int64
	Platform   models.Platform
	Author     string
	PostedAt   time.Time
	Polarity   float64
	Confidence float64
}

// CorrelationKey identifies one cached correlation result. TokenA < TokenB.
type CorrelationKey struct {
	TokenA      int64
	TokenB      int64
	WindowStart time.Time
	WindowEnd   time.Time
	BucketWidth time.Duration
	Method      string
}

// Store is the interface for all persistence operations.
type Store interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	ListUnprocessed(ctx context.Context, collectorRunID string, limit, offset int) ([]models.Message, error)
	CountMessagesSince(ctx context.Context, since time.Time) (int, error)

	CreateToken(ctx context.Context, token *models.Token) error
	GetToken(ctx context.Context, id int64) (*models.Token, error)
	ListTokens(ctx context.Context, activeOnly bool) ([]models.Token, error)
	SetTokenActive(ctx context.Context, id int64, active bool) error

	// SaveProcessingResult writes the derived facts for one message and
	// marks it processed, all in a single transaction. Re-running it for
	// the same message replaces the previous derivation without
	// duplicating rows.
	SaveProcessingResult(ctx context.Context, messageID int64, processedAt time.Time, mentions []models.Mention, scores []models.SentimentScore) error

	ListMentionRows(ctx context.Context, tokenID int64, platform models.Platform, from, to time.Time) ([]MentionRow, error)
	ListMentionedTokenIDs(ctx context.Context, platform models.Platform, from, to time.Time) ([]int64, error)
	CountMentionsSince(ctx context.Context, since time.Time) (int, error)

	GetCorrelation(ctx context.Context, key CorrelationKey) (*models.Correlation, error)
	SaveCorrelation(ctx context.Context, corr *models.Correlation) error

	CreateAlertRule(ctx context.Context, rule *models.AlertRule) error
	GetAlertRule(ctx context.Context, id int64) (*models.AlertRule, error)
	ListAlertRules(ctx context.Context, activeOnly bool) ([]models.AlertRule, error)
	// SaveAlertEvent inserts the event and advances the rule's last-fired
	// timestamp in one transaction.
	SaveAlertEvent(ctx context.Context, event *models.AlertEvent) error
	ListAlertEventsSince(ctx context.Context, since time.Time) ([]models.AlertEvent, error)

	InsertPricePoint(ctx context.Context, point *models.PricePoint) error
	ListPricePoints(ctx context.Context, tokenID int64, from, to time.Time) ([]models.PricePoint, error)

	Close() error
}
