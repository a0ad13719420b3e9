package ingest

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

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func message(platform models.Platform, pmid string) models.Message {
	return models.Message{
		Platform:          platform,
		PlatformMessageID: pmid,
		Author:            "alice",
		Content:           "BTC is mooning",
		PostedAt:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIngest(t *testing.T) {
	store := newTestStore(t)
	service := NewService(store)

	summary, err := service.Ingest(context.Background(), []models.Message{
		message(models.PlatformTwitter, "tw-1"),
		message(models.PlatformReddit, "rd-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Accepted: 2}, summary)

	msgs, err := store.ListUnprocessed(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestIngestDuplicate(t *testing.T) {
	store := newTestStore(t)
	service := NewService(store)
	ctx := context.Background()

	_, err := service.Ingest(ctx, []models.Message{message(models.PlatformTwitter, "tw-1")})
	require.NoError(t, err)

	summary, err := service.Ingest(ctx, []models.Message{
		message(models.PlatformTwitter, "tw-1"),
		message(models.PlatformTwitter, "tw-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 1, summary.Duplicate)
}

func TestIngestRejectsMalformed(t *testing.T) {
	store := newTestStore(t)
	service := NewService(store)

	noAuthor := message(models.PlatformTwitter, "tw-2")
	noAuthor.Author = "  "
	noTimestamp := message(models.PlatformTwitter, "tw-3")
	noTimestamp.PostedAt = time.Time{}
	noID := message(models.PlatformTwitter, "")

	summary, err := service.Ingest(context.Background(), []models.Message{
		message(models.Platform("myspace"), "ms-1"),
		noAuthor,
		noTimestamp,
		noID,
		message(models.PlatformTwitter, "tw-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 4, summary.Rejected)
	assert.Len(t, summary.Reasons, 4)
	assert.Contains(t, summary.Reasons[0], "unknown platform")
}

func TestIngestForcesUnprocessed(t *testing.T) {
	store := newTestStore(t)
	service := NewService(store)
	ctx := context.Background()

	processedAt := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)
	msg := message(models.PlatformTwitter, "tw-1")
	msg.Processed = true
	msg.ProcessedAt = &processedAt

	summary, err := service.Ingest(ctx, []models.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted)

	msgs, err := store.ListUnprocessed(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Processed)
	assert.Nil(t, msgs[0].ProcessedAt)
}

func TestIngestEmptyBatch(t *testing.T) {
	service := NewService(newTestStore(t))
	summary, err := service.Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}
