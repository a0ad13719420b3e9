package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/migrations"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertMessage inserts a collected message, populating its ID. A message
// with the same (platform, platform_message_id) pair already present yields
// ErrDuplicate.
func (s *SQLite) InsertMessage(ctx context.Context, msg *models.Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (platform, platform_message_id, author, author_followers,
		                       content, posted_at, collector_run_id, processed, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Platform, msg.PlatformMessageID, msg.Author, msg.AuthorFollowers,
		msg.Content, formatTime(msg.PostedAt), msg.CollectorRunID,
		boolToInt(msg.Processed), formatTimePtr(msg.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetMessage returns a single message by its ID.
func (s *SQLite) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, platform_message_id, author, author_followers,
		        content, posted_at, collector_run_id, processed, processed_at
		 FROM messages WHERE id = ?`, id,
	)
	return scanMessage(row)
}

// ListUnprocessed returns unprocessed messages ordered by posted_at
// ascending. collectorRunID filters by collector run when non-empty.
func (s *SQLite) ListUnprocessed(ctx context.Context, collectorRunID string, limit, offset int) ([]models.Message, error) {
	query := `SELECT id, platform, platform_message_id, author, author_followers,
	                 content, posted_at, collector_run_id, processed, processed_at
	          FROM messages WHERE processed = 0`
	args := []interface{}{}
	if collectorRunID != "" {
		query += ` AND collector_run_id = ?`
		args = append(args, collectorRunID)
	}
	query += ` ORDER BY posted_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// CountMessagesSince counts messages posted at or after since.
func (s *SQLite) CountMessagesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE posted_at >= ?`, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row *sql.Row) (*models.Message, error) {
	msg, err := scanMessageRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func scanMessageRows(sc rowScanner) (*models.Message, error) {
	var (
		msg         models.Message
		platform    string
		postedAt    string
		processed   int
		processedAt *string
	)
	err := sc.Scan(&msg.ID, &platform, &msg.PlatformMessageID, &msg.Author,
		&msg.AuthorFollowers, &msg.Content, &postedAt, &msg.CollectorRunID,
		&processed, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Platform = models.Platform(platform)
	msg.PostedAt = parseTime(postedAt)
	msg.Processed = processed != 0
	if processedAt != nil {
		t := parseTime(*processedAt)
		msg.ProcessedAt = &t
	}
	return &msg, nil
}

// CreateToken inserts a token, populating its ID. Symbols are unique
// case-insensitively; a collision yields ErrDuplicate.
func (s *SQLite) CreateToken(ctx context.Context, token *models.Token) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (symbol, name, aliases, active) VALUES (?, ?, ?, ?)`,
		token.Symbol, token.Name, strings.Join(token.Aliases, ","), boolToInt(token.Active),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	token.ID = id
	return nil
}

// GetToken returns a single token by its ID.
func (s *SQLite) GetToken(ctx context.Context, id int64) (*models.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, name, aliases, active FROM tokens WHERE id = ?`, id,
	)
	var (
		token   models.Token
		aliases string
		active  int
	)
	if err := row.Scan(&token.ID, &token.Symbol, &token.Name, &aliases, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	token.Active = active != 0
	token.Aliases = splitAliases(aliases)
	return &token, nil
}

// ListTokens returns tokens ordered by ID, optionally only active ones.
func (s *SQLite) ListTokens(ctx context.Context, activeOnly bool) ([]models.Token, error) {
	query := `SELECT id, symbol, name, aliases, active FROM tokens`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []models.Token
	for rows.Next() {
		var (
			token   models.Token
			aliases string
			active  int
		)
		if err := rows.Scan(&token.ID, &token.Symbol, &token.Name, &aliases, &active); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		token.Active = active != 0
		token.Aliases = splitAliases(aliases)
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// SetTokenActive flips a token's active flag.
func (s *SQLite) SetTokenActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET active = ? WHERE id = ?`, boolToInt(active), id,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitAliases(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// SaveProcessingResult replaces the message's derived mentions and scores
// and marks it processed, all in one transaction. Concurrent calls for the
// same message are serialized by the database write lock, so retries and
// races converge on the same final state.
func (s *SQLite) SaveProcessingResult(ctx context.Context, messageID int64, processedAt time.Time, mentions []models.Mention, scores []models.SentimentScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("clear mentions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sentiment_scores WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("clear scores: %w", err)
	}

	now := formatTime(processedAt)
	for i := range mentions {
		m := &mentions[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO mentions (message_id, token_id, surface, span_start, span_end, confidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			messageID, m.TokenID, m.Surface, m.SpanStart, m.SpanEnd, m.Confidence, now,
		)
		if err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
		m.ID, _ = res.LastInsertId()
		m.MessageID = messageID
	}

	for i := range scores {
		sc := &scores[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sentiment_scores (message_id, token_id, polarity, confidence, method_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			messageID, sc.TokenID, sc.Polarity, sc.Confidence, sc.MethodVersion, now,
		)
		if err != nil {
			return fmt.Errorf("insert score: %w", err)
		}
		sc.ID, _ = res.LastInsertId()
		sc.MessageID = messageID
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET processed = 1, processed_at = ? WHERE id = ?`, now, messageID,
	); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	return tx.Commit()
}

// ListMentionRows returns mentions joined with message metadata and the
// token-scoped sentiment score, for trend aggregation. tokenID 0 selects all
// tokens; platform PlatformAll selects all platforms.
func (s *SQLite) ListMentionRows(ctx context.Context, tokenID int64, platform models.Platform, from, to time.Time) ([]MentionRow, error) {
	query := `SELECT m.message_id, m.token_id, msg.platform, msg.author, msg.posted_at,
	                 IFNULL(sc.polarity, 0), IFNULL(sc.confidence, 0)
	          FROM mentions m
	          JOIN messages msg ON msg.id = m.message_id
	          LEFT JOIN sentiment_scores sc
	                 ON sc.message_id = m.message_id AND sc.token_id = m.token_id
	          WHERE msg.posted_at >= ? AND msg.posted_at < ?`
	args := []interface{}{formatTime(from), formatTime(to)}
	if tokenID != 0 {
		query += ` AND m.token_id = ?`
		args = append(args, tokenID)
	}
	if platform != models.PlatformAll {
		query += ` AND msg.platform = ?`
		args = append(args, string(platform))
	}
	query += ` ORDER BY msg.posted_at ASC, m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mention rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []MentionRow
	for rows.Next() {
		var (
			r        MentionRow
			plat     string
			postedAt string
		)
		if err := rows.Scan(&r.MessageID, &r.TokenID, &plat, &r.Author, &postedAt, &r.Polarity, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan mention row: %w", err)
		}
		r.Platform = models.Platform(plat)
		r.PostedAt = parseTime(postedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListMentionedTokenIDs returns the distinct tokens mentioned in the window,
// ordered by ID.
func (s *SQLite) ListMentionedTokenIDs(ctx context.Context, platform models.Platform, from, to time.Time) ([]int64, error) {
	query := `SELECT DISTINCT m.token_id
	          FROM mentions m JOIN messages msg ON msg.id = m.message_id
	          WHERE msg.posted_at >= ? AND msg.posted_at < ?`
	args := []interface{}{formatTime(from), formatTime(to)}
	if platform != models.PlatformAll {
		query += ` AND msg.platform = ?`
		args = append(args, string(platform))
	}
	query += ` ORDER BY m.token_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mentioned tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan token id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountMentionsSince counts mentions whose message was posted at or after since.
func (s *SQLite) CountMentionsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mentions m JOIN messages msg ON msg.id = m.message_id
		 WHERE msg.posted_at >= ?`, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mentions: %w", err)
	}
	return n, nil
}

// GetCorrelation returns a cached correlation result, or ErrNotFound.
func (s *SQLite) GetCorrelation(ctx context.Context, key CorrelationKey) (*models.Correlation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT coefficient, sample_size, computed_at FROM correlations
		 WHERE token_a = ? AND token_b = ? AND window_start = ? AND window_end = ?
		   AND bucket_width = ? AND method = ?`,
		key.TokenA, key.TokenB, formatTime(key.WindowStart), formatTime(key.WindowEnd),
		int64(key.BucketWidth/time.Second), key.Method,
	)
	corr := models.Correlation{
		TokenA:      key.TokenA,
		TokenB:      key.TokenB,
		WindowStart: key.WindowStart,
		WindowEnd:   key.WindowEnd,
		BucketWidth: key.BucketWidth,
		Method:      key.Method,
	}
	var computedAt string
	if err := row.Scan(&corr.Coefficient, &corr.SampleSize, &computedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan correlation: %w", err)
	}
	corr.ComputedAt = parseTime(computedAt)
	return &corr, nil
}

// SaveCorrelation stores or refreshes a cached correlation result.
func (s *SQLite) SaveCorrelation(ctx context.Context, corr *models.Correlation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlations (token_a, token_b, window_start, window_end, bucket_width, method,
		                           coefficient, sample_size, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token_a, token_b, window_start, window_end, bucket_width, method)
		 DO UPDATE SET coefficient = excluded.coefficient,
		               sample_size = excluded.sample_size,
		               computed_at = excluded.computed_at`,
		corr.TokenA, corr.TokenB, formatTime(corr.WindowStart), formatTime(corr.WindowEnd),
		int64(corr.BucketWidth/time.Second), corr.Method,
		corr.Coefficient, corr.SampleSize, formatTime(corr.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("save correlation: %w", err)
	}
	return nil
}

// CreateAlertRule inserts an alert rule, populating its ID and CreatedAt.
func (s *SQLite) CreateAlertRule(ctx context.Context, rule *models.AlertRule) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (token_id, other_token_id, metric, comparator, threshold,
		                          window_seconds, active, cooldown_secs, last_fired_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.TokenID, rule.OtherTokenID, string(rule.Metric), string(rule.Comparator),
		rule.Threshold, int64(rule.Window/time.Second), boolToInt(rule.Active),
		int64(rule.Cooldown/time.Second), formatTimePtr(rule.LastFiredAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rule.ID = id
	rule.CreatedAt = now
	return nil
}

// GetAlertRule returns a single alert rule by its ID.
func (s *SQLite) GetAlertRule(ctx context.Context, id int64) (*models.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, alertRuleSelect+` WHERE id = ?`, id)
	rule, err := scanAlertRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListAlertRules returns rules ordered by ID, optionally only active ones.
func (s *SQLite) ListAlertRules(ctx context.Context, activeOnly bool) ([]models.AlertRule, error) {
	query := alertRuleSelect
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

const alertRuleSelect = `SELECT id, token_id, other_token_id, metric, comparator, threshold,
       window_seconds, active, cooldown_secs, last_fired_at, created_at FROM alert_rules`

func scanAlertRule(sc rowScanner) (*models.AlertRule, error) {
	var (
		rule        models.AlertRule
		metric      string
		comparator  string
		windowSecs  int64
		active      int
		cooldown    int64
		lastFiredAt *string
		createdAt   string
	)
	err := sc.Scan(&rule.ID, &rule.TokenID, &rule.OtherTokenID, &metric, &comparator,
		&rule.Threshold, &windowSecs, &active, &cooldown, &lastFiredAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert rule: %w", err)
	}
	rule.Metric = models.AlertMetric(metric)
	rule.Comparator = models.Comparator(comparator)
	rule.Window = time.Duration(windowSecs) * time.Second
	rule.Active = active != 0
	rule.Cooldown = time.Duration(cooldown) * time.Second
	if lastFiredAt != nil {
		t := parseTime(*lastFiredAt)
		rule.LastFiredAt = &t
	}
	rule.CreatedAt = parseTime(createdAt)
	return &rule, nil
}

// SaveAlertEvent inserts an alert event and advances its rule's last-fired
// timestamp in one transaction, so a crash never records a firing without
// resetting the cooldown clock.
func (s *SQLite) SaveAlertEvent(ctx context.Context, event *models.AlertEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO alert_events (rule_id, triggered_at, observed, snapshot)
		 VALUES (?, ?, ?, ?)`,
		event.RuleID, formatTime(event.TriggeredAt), event.Observed, event.Snapshot,
	)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	event.ID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		`UPDATE alert_rules SET last_fired_at = ? WHERE id = ?`,
		formatTime(event.TriggeredAt), event.RuleID,
	); err != nil {
		return fmt.Errorf("update rule fired: %w", err)
	}

	return tx.Commit()
}

// ListAlertEventsSince returns events triggered at or after since, newest last.
func (s *SQLite) ListAlertEventsSince(ctx context.Context, since time.Time) ([]models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, triggered_at, observed, snapshot FROM alert_events
		 WHERE triggered_at >= ? ORDER BY triggered_at ASC, id ASC`, formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.AlertEvent
	for rows.Next() {
		var (
			ev          models.AlertEvent
			triggeredAt string
		)
		if err := rows.Scan(&ev.ID, &ev.RuleID, &triggeredAt, &ev.Observed, &ev.Snapshot); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		ev.TriggeredAt = parseTime(triggeredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertPricePoint inserts a fetched price, populating its ID.
func (s *SQLite) InsertPricePoint(ctx context.Context, point *models.PricePoint) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO price_points (token_id, price, fetched_at) VALUES (?, ?, ?)`,
		point.TokenID, point.Price.String(), formatTime(point.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("insert price point: %w", err)
	}
	point.ID, _ = res.LastInsertId()
	return nil
}

// ListPricePoints returns a token's prices within [from, to), oldest first.
func (s *SQLite) ListPricePoints(ctx context.Context, tokenID int64, from, to time.Time) ([]models.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token_id, price, fetched_at FROM price_points
		 WHERE token_id = ? AND fetched_at >= ? AND fetched_at < ?
		 ORDER BY fetched_at ASC`, tokenID, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query price points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []models.PricePoint
	for rows.Next() {
		var (
			p         models.PricePoint
			price     string
			fetchedAt string
		)
		if err := rows.Scan(&p.ID, &p.TokenID, &price, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		p.Price = d
		p.FetchedAt = parseTime(fetchedAt)
		points = append(points, p)
	}
	return points, rows.Err()
}
