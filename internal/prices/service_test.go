package prices

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFeed(t *testing.T, prices map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		price, ok := prices[symbol]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"symbol": symbol, "price": price})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchPrice(t *testing.T) {
	feed := newFeed(t, map[string]string{"BTC": "65000.25"})
	client := NewClient(feed.URL)

	price, err := client.FetchPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("65000.25")))

	_, err = client.FetchPrice(context.Background(), "UNKNOWN")
	assert.ErrorContains(t, err, "status 404")
}

func TestFetchPriceMalformed(t *testing.T) {
	feed := newFeed(t, map[string]string{"BTC": "not-a-number"})
	client := NewClient(feed.URL)

	_, err := client.FetchPrice(context.Background(), "BTC")
	assert.ErrorContains(t, err, "parse price")
}

func TestRefresh(t *testing.T) {
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	btc := &models.Token{Symbol: "BTC", Name: "Bitcoin", Active: true}
	eth := &models.Token{Symbol: "ETH", Name: "Ethereum", Active: true}
	delisted := &models.Token{Symbol: "OLD", Name: "Delisted"}
	require.NoError(t, store.CreateToken(ctx, btc))
	require.NoError(t, store.CreateToken(ctx, eth))
	require.NoError(t, store.CreateToken(ctx, delisted))

	// ETH is missing from the feed: its failure is skipped, not fatal.
	feed := newFeed(t, map[string]string{"BTC": "65000.25", "OLD": "0.01"})
	service := NewService(store, NewClient(feed.URL))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	stored, err := service.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	points, err := store.ListPricePoints(ctx, btc.ID, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].Price.Equal(decimal.RequireFromString("65000.25")))

	// Inactive tokens are never fetched.
	points, err = store.ListPricePoints(ctx, delisted.ID, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, points)
}
