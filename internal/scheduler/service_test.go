package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/octopus-project/octopus/internal/alerts"
	"github.com/octopus-project/octopus/internal/archive"
	"github.com/octopus-project/octopus/internal/config"
	"github.com/octopus-project/octopus/internal/correlation"
	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/processing"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/octopus-project/octopus/internal/trends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memArchive keeps snapshots in memory so archival behavior is testable
// without a blob account.
type memArchive struct {
	blobs map[string][]byte
}

func newMemArchive() *memArchive {
	return &memArchive{blobs: make(map[string][]byte)}
}

func (m *memArchive) Store(name string, data []byte) error {
	m.blobs[name] = data
	return nil
}

func (m *memArchive) Retrieve(name string) ([]byte, error) {
	data, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", name)
	}
	return data, nil
}

func (m *memArchive) List(prefix string) ([]string, error) {
	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memArchive) Delete(name string) error {
	delete(m.blobs, name)
	return nil
}

func newTestService(t *testing.T, cfg *config.Config, archiver archive.Archiver) (*Service, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	aggregator := trends.NewAggregator(store)
	engine := correlation.NewEngine(store, aggregator)
	processor := processing.NewProcessor(store, aggregator, engine)
	evaluator := alerts.NewEvaluator(store, aggregator, engine, nil)

	return NewService(cfg, store, processor, aggregator, evaluator, nil, nil, archiver), store
}

func seedMention(t *testing.T, store *storage.SQLite, tokenID int64, seq int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	msg := &models.Message{
		Platform:          models.PlatformTwitter,
		PlatformMessageID: fmt.Sprintf("m-%d", seq),
		Author:            fmt.Sprintf("author-%d", seq),
		Content:           "seeded",
		PostedAt:          at,
	}
	require.NoError(t, store.InsertMessage(ctx, msg))
	require.NoError(t, store.SaveProcessingResult(ctx, msg.ID, at,
		[]models.Mention{{TokenID: tokenID, Surface: "x", SpanEnd: 1, Confidence: 1}},
		[]models.SentimentScore{{TokenID: &tokenID, Polarity: 0.5, Confidence: 1, MethodVersion: "lex-1"}},
	))
}

func TestBuildReport(t *testing.T) {
	cfg := &config.Config{
		ReportSchedule: "daily",
		BucketWidth:    time.Hour,
		TrendingLimit:  10,
	}
	service, store := newTestService(t, cfg, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

	token := &models.Token{Symbol: "BTC", Name: "Bitcoin", Active: true}
	require.NoError(t, store.CreateToken(ctx, token))

	// Two mentions inside the 24h period, one outside.
	seedMention(t, store, token.ID, 1, now.Add(-2*time.Hour))
	seedMention(t, store, token.ID, 2, now.Add(-3*time.Hour))
	seedMention(t, store, token.ID, 3, now.Add(-30*time.Hour))

	rule := &models.AlertRule{
		TokenID:    &token.ID,
		Metric:     models.MetricMentionCount,
		Comparator: models.CompareGT,
		Threshold:  1,
		Window:     time.Hour,
		Active:     true,
	}
	require.NoError(t, store.CreateAlertRule(ctx, rule))
	require.NoError(t, store.SaveAlertEvent(ctx, &models.AlertEvent{
		RuleID:      rule.ID,
		TriggeredAt: now.Add(-time.Hour),
		Observed:    2,
	}))

	report, err := service.BuildReport(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, now, report.GeneratedAt)
	assert.Equal(t, "daily", report.Period)
	assert.Equal(t, 2, report.TotalMessages)
	assert.Equal(t, 2, report.TotalMentions)
	require.Len(t, report.AlertEvents, 1)
	require.Len(t, report.Trending, 1)
	assert.Equal(t, "BTC", report.Trending[0].Symbol)
	assert.Equal(t, 1, report.Summary["alert_count"])
}

func TestBuildReportWeeklyPeriod(t *testing.T) {
	cfg := &config.Config{
		ReportSchedule: "weekly",
		BucketWidth:    time.Hour,
		TrendingLimit:  10,
	}
	service, store := newTestService(t, cfg, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

	token := &models.Token{Symbol: "BTC", Name: "Bitcoin", Active: true}
	require.NoError(t, store.CreateToken(ctx, token))
	// Outside a day but inside a week.
	seedMention(t, store, token.ID, 1, now.Add(-3*24*time.Hour))

	report, err := service.BuildReport(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "weekly", report.Period)
	assert.Equal(t, 1, report.TotalMessages)
	assert.Equal(t, 1, report.TotalMentions)
}

func TestRunReportArchivesAndPrunes(t *testing.T) {
	cfg := &config.Config{
		ReportSchedule: "daily",
		BucketWidth:    time.Hour,
		TrendingLimit:  10,
	}
	archiver := newMemArchive()
	service, _ := newTestService(t, cfg, archiver)

	// One snapshot far past retention, one recent, one unrelated blob.
	recent := "report-daily-" + time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02") + ".json"
	require.NoError(t, archiver.Store("report-daily-2020-01-01.json", []byte("{}")))
	require.NoError(t, archiver.Store(recent, []byte("{}")))
	require.NoError(t, archiver.Store("notes.txt", []byte("keep")))

	require.NoError(t, service.RunReport(context.Background()))

	today := "report-daily-" + time.Now().UTC().Format("2006-01-02") + ".json"
	payload, err := archiver.Retrieve(today)
	require.NoError(t, err)
	var report models.Report
	require.NoError(t, json.Unmarshal(payload, &report))
	assert.Equal(t, "daily", report.Period)

	_, err = archiver.Retrieve("report-daily-2020-01-01.json")
	assert.Error(t, err)
	_, err = archiver.Retrieve(recent)
	assert.NoError(t, err)
	_, err = archiver.Retrieve("notes.txt")
	assert.NoError(t, err)
}

func TestReportDate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"daily snapshot", "report-daily-2026-08-31.json", "2026-08-31", true},
		{"weekly snapshot", "report-weekly-2026-01-05.json", "2026-01-05", true},
		{"no json suffix", "report-daily-2026-08-31", "", false},
		{"garbled date", "report-daily-yesterday.json", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, ok := reportDate(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, date.Format("2006-01-02"))
			}
		})
	}
}
