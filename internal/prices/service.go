// Package prices fetches spot prices for tracked tokens and persists them
// for mention-versus-price correlation.
package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
)

// Client fetches prices from a JSON price feed.
type Client struct {
	http    *resty.Client
	baseURL string
}

// NewClient creates a price feed client.
func NewClient(baseURL string) *Client {
	return &Client{
		http:    resty.New().SetTimeout(30 * time.Second),
		baseURL: baseURL,
	}
}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrice returns the current spot price for a token symbol.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var body priceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&body).
		Get(c.baseURL + "/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price for %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("price feed returned status %d for %s", resp.StatusCode(), symbol)
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q for %s: %w", body.Price, symbol, err)
	}
	return price, nil
}

// Service refreshes stored prices for all active tokens.
type Service struct {
	store  storage.Store
	client *Client
	now    func() time.Time
}

// NewService creates a price refresh service.
func NewService(store storage.Store, client *Client) *Service {
	return &Service{store: store, client: client, now: time.Now}
}

// Refresh fetches and stores one price point per active token. A failing
// token is logged and skipped; the refresh continues. Returns the number of
// prices stored.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	tokens, err := s.store.ListTokens(ctx, true)
	if err != nil {
		return 0, &models.ResourceError{Resource: "token registry", Err: err}
	}

	stored := 0
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return stored, nil
		}

		price, err := s.client.FetchPrice(ctx, token.Symbol)
		if err != nil {
			logrus.Warnf("Price fetch failed for %s: %v", token.Symbol, err)
			continue
		}

		point := &models.PricePoint{
			TokenID:   token.ID,
			Price:     price,
			FetchedAt: s.now().UTC(),
		}
		if err := s.store.InsertPricePoint(ctx, point); err != nil {
			logrus.Errorf("Failed to store price for %s: %v", token.Symbol, err)
			continue
		}
		stored++
	}

	logrus.Infof("Price refresh stored %d/%d prices", stored, len(tokens))
	return stored, nil
}
