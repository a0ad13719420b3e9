package processing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) Invalidate() { c.calls++ }

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedToken(t *testing.T, store storage.Store, symbol string) *models.Token {
	t.Helper()
	token := &models.Token{Symbol: symbol, Name: symbol, Active: true}
	require.NoError(t, store.CreateToken(context.Background(), token))
	return token
}

func seedMessage(t *testing.T, store storage.Store, pmid, content string, postedAt time.Time) *models.Message {
	t.Helper()
	msg := &models.Message{
		Platform:          models.PlatformTwitter,
		PlatformMessageID: pmid,
		Author:            "alice",
		Content:           content,
		PostedAt:          postedAt,
	}
	require.NoError(t, store.InsertMessage(context.Background(), msg))
	return msg
}

func TestProcess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	btc := seedToken(t, store, "BTC")
	seedToken(t, store, "ETH")
	msg := seedMessage(t, store, "tw-1", "BTC is mooning, ETH is crashing", postedAt)

	inv := &countingInvalidator{}
	processor := NewProcessor(store, inv)

	result, err := processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 2, result.Mentions)
	assert.Equal(t, 1, inv.calls)

	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)

	rows, err := store.ListMentionRows(ctx, btc.ID, models.PlatformAll, postedAt.Add(-time.Hour), postedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Greater(t, rows[0].Polarity, 0.0)

	metrics := processor.GetMetrics()
	assert.Equal(t, 1, metrics.TotalProcessed)
	assert.Equal(t, 2, metrics.TotalMentions)
}

func TestProcessIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedToken(t, store, "BTC")
	msg := seedMessage(t, store, "tw-1", "BTC looking solid", postedAt)

	processor := NewProcessor(store)
	first, err := processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	second, err := processor.Process(ctx, msg.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Mentions, second.Mentions)

	count, err := store.CountMentionsSince(ctx, postedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcessMissingMessage(t *testing.T) {
	store := newTestStore(t)
	seedToken(t, store, "BTC")
	processor := NewProcessor(store)

	result, err := processor.Process(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "message not found", result.Reason)
}

func TestProcessShortContentSucceedsEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedToken(t, store, "BTC")
	msg := seedMessage(t, store, "tw-1", "!", postedAt)

	processor := NewProcessor(store)
	result, err := processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Zero(t, result.Mentions)

	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestProcessBatchPartialFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	postedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedToken(t, store, "BTC")
	good := seedMessage(t, store, "tw-1", "BTC rally incoming", postedAt)

	// Authorless messages are skipped, not failed, and must not abort
	// the batch.
	bad := &models.Message{
		Platform:          models.PlatformTwitter,
		PlatformMessageID: "tw-2",
		Author:            "  ",
		Content:           "BTC",
		PostedAt:          postedAt,
	}
	require.NoError(t, store.InsertMessage(ctx, bad))

	processor := NewProcessor(store)
	results, err := processor.ProcessBatch(ctx, []int64{bad.ID, good.ID, 999})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StatusSkipped, results[0].Status)
	assert.Equal(t, "missing author", results[0].Reason)
	assert.Equal(t, StatusSucceeded, results[1].Status)
	assert.Equal(t, StatusFailed, results[2].Status)

	metrics := processor.GetMetrics()
	assert.Equal(t, 1, metrics.TotalProcessed)
	assert.Equal(t, 1, metrics.TotalFailed)
}

func TestProcessUnprocessedSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedToken(t, store, "BTC")
	for i := 0; i < 5; i++ {
		seedMessage(t, store, "tw-"+string(rune('a'+i)), "BTC pumping", base.Add(time.Duration(i)*time.Minute))
	}

	// One permanently malformed message in the middle of the queue.
	bad := &models.Message{
		Platform:          models.PlatformTwitter,
		PlatformMessageID: "tw-bad",
		Author:            "",
		Content:           "BTC",
		PostedAt:          base.Add(30 * time.Second),
	}
	require.NoError(t, store.InsertMessage(ctx, bad))

	processor := NewProcessor(store)
	summary, err := processor.ProcessUnprocessed(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	// Nothing left to sweep; the skipped message stays unprocessed.
	summary, err = processor.ProcessUnprocessed(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
}

func TestProcessUnprocessedLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedToken(t, store, "BTC")
	for i := 0; i < 4; i++ {
		seedMessage(t, store, "tw-"+string(rune('a'+i)), "BTC pumping", base.Add(time.Duration(i)*time.Minute))
	}

	processor := NewProcessor(store)
	summary, err := processor.ProcessUnprocessed(ctx, "", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)

	summary, err = processor.ProcessUnprocessed(ctx, "", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestProcessUnprocessedCancellation(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedToken(t, store, "BTC")
	seedMessage(t, store, "tw-1", "BTC pumping", base)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With the context already cancelled the registry snapshot fails,
	// surfacing a resource error instead of a partial sweep.
	processor := NewProcessor(store)
	summary, err := processor.ProcessUnprocessed(ctx, "", 0)
	var resErr *models.ResourceError
	assert.ErrorAs(t, err, &resErr)
	assert.Zero(t, summary.Processed)
}
