package venue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/pkg/types"
)

// GammaMarket is the JSON shape returned by the metadata service's /markets
// and /events/slug/{slug} endpoints.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	EndDate               string  `json:"endDate"`
	Liquidity             string  `json:"liquidity"`
	Volume24hr            float64 `json:"volume24hr"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	RewardsMinSize        float64 `json:"rewardsMinSize"`
	RewardsMaxSpread      float64 `json:"rewardsMaxSpread"`
	RewardsDailyRate      float64 `json:"rewardsDailyRate"`
}

// GammaEvent wraps the /events/slug/{slug} response, which nests markets.
type GammaEvent struct {
	Slug    string        `json:"slug"`
	Markets []GammaMarket `json:"markets"`
}

// MetadataClient is the metadata-service REST client (§6 "Metadata service").
type MetadataClient struct {
	http *resty.Client
}

// NewMetadataClient creates a metadata client pointed at the Gamma base URL.
func NewMetadataClient(cfg config.Config) *MetadataClient {
	return &MetadataClient{
		http: resty.New().
			SetBaseURL(cfg.API.GammaBaseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

// EventBySlug fetches one event (and its nested markets) by slug.
func (m *MetadataClient) EventBySlug(ctx context.Context, slug string) (*GammaEvent, error) {
	var result GammaEvent
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/events/slug/%s", slug))
	if err != nil {
		return nil, fmt.Errorf("fetch event %q: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch event %q: status %d", slug, resp.StatusCode())
	}
	return &result, nil
}

// ActiveMarkets paginates through every active, non-closed market. It does
// not filter on reward parameters; discovery drops markets without a reward
// rate.
func (m *MetadataClient) ActiveMarkets(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0
	const limit = 100

	for {
		var page []GammaMarket
		resp, err := m.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)

		if len(page) < limit {
			break
		}
		offset += limit
	}

	return all, nil
}

// PriceHistory fetches recent price history for one token, used by the
// discovery pipeline's volatility filter (§4.I).
func (m *MetadataClient) PriceHistory(ctx context.Context, tokenID string, interval string) (*types.PriceHistoryResponse, error) {
	var result types.PriceHistoryResponse
	resp, err := m.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market":   tokenID,
			"interval": interval,
		}).
		SetResult(&result).
		Get("/prices-history")
	if err != nil {
		return nil, fmt.Errorf("fetch price history for %q: %w", tokenID, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch price history for %q: status %d", tokenID, resp.StatusCode())
	}
	return &result, nil
}
