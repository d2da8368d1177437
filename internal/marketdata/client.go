// Package marketdata implements the MarketData contract over a REST
// quotes provider, with a read-through quote cache and bounded-concurrency
// bulk fetches.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// FetchTimeout is the hard per-call timeout. On timeout the caller
// degrades to the next fallback; a position is never closed on missing data.
const FetchTimeout = 10 * time.Second

// bulkConcurrency bounds in-flight provider calls to respect rate limits.
const bulkConcurrency = 3

// positionBarCount is how many recent bars a position fetch asks for.
const positionBarCount = 30

// Client talks to the market-data provider.
type Client struct {
	http  *resty.Client
	cache *QuoteCache // optional, may be nil
	log   zerolog.Logger
}

// NewClient creates a market-data client. cache may be nil.
func NewClient(baseURL, apiKey string, cache *QuoteCache, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(FetchTimeout).
		SetQueryParam("apikey", apiKey).
		SetRetryCount(1)

	return &Client{
		http:  httpClient,
		cache: cache,
		log:   log.With().Str("client", "marketdata").Logger(),
	}
}

type quoteResponse struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	ChangePercentage float64 `json:"changesPercentage"`
	Volume           float64 `json:"volume"`
	DayHigh          float64 `json:"dayHigh"`
	DayLow           float64 `json:"dayLow"`
}

type barResponse struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// FetchBulkQuotes returns current quotes for the given symbols. The cache
// is consulted first; misses are fetched from the provider with at most
// bulkConcurrency requests in flight. Symbols the provider does not know
// are absent from the result, not an error.
func (c *Client) FetchBulkQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	result := make(map[string]domain.Quote, len(symbols))
	var missing []string

	for _, symbol := range symbols {
		if c.cache != nil {
			cached, err := c.cache.Get(symbol)
			if err != nil {
				c.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache read failed")
			} else if cached != nil {
				result[symbol] = *cached
				continue
			}
		}
		missing = append(missing, symbol)
	}

	if len(missing) == 0 {
		return result, nil
	}

	// Provider supports comma-joined batches; chunk and fetch with a
	// small fixed degree of parallelism.
	chunks := chunkSymbols(missing, 25)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, bulkConcurrency)
	var firstErr error

	for _, chunk := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(chunk []string) {
			defer wg.Done()
			defer func() { <-sem }()

			quotes, err := c.fetchQuoteBatch(ctx, chunk)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for _, q := range quotes {
				result[q.Symbol] = q
			}
		}(chunk)
	}
	wg.Wait()

	if len(result) == 0 && firstErr != nil {
		return nil, firstErr
	}
	if firstErr != nil {
		c.log.Warn().Err(firstErr).Int("got", len(result)).Int("asked", len(symbols)).
			Msg("Partial bulk quote failure")
	}

	return result, nil
}

func (c *Client) fetchQuoteBatch(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	var out []quoteResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/quote/" + strings.Join(symbols, ","))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quote request failed with status %d", resp.StatusCode())
	}

	now := time.Now().UTC()
	quotes := make([]domain.Quote, 0, len(out))
	for _, q := range out {
		if q.Price <= 0 {
			continue
		}
		quote := domain.Quote{
			Symbol:    q.Symbol,
			Price:     q.Price,
			ChangePct: q.ChangePercentage,
			Volume:    q.Volume,
			DayHigh:   q.DayHigh,
			DayLow:    q.DayLow,
			UpdatedAt: now,
		}
		quotes = append(quotes, quote)

		if c.cache != nil {
			if err := c.cache.Put(quote); err != nil {
				c.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Quote cache write failed")
			}
		}
	}

	return quotes, nil
}

// FetchPositionBars returns recent bars for managing an open position.
// Fallback chain: 1m bars, then 5m bars, then the current quote alone.
func (c *Client) FetchPositionBars(ctx context.Context, symbol string) (*domain.PositionBars, error) {
	bars, err := c.fetchChart(ctx, symbol, "1min", positionBarCount)
	if err == nil && len(bars) > 0 {
		return &domain.PositionBars{
			Bars:         bars,
			Interval:     domain.Interval1m,
			CurrentPrice: bars[len(bars)-1].Close,
		}, nil
	}
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("1m bars unavailable, trying 5m")
	}

	bars, err = c.fetchChart(ctx, symbol, "5min", positionBarCount)
	if err == nil && len(bars) > 0 {
		return &domain.PositionBars{
			Bars:         bars,
			Interval:     domain.Interval5m,
			CurrentPrice: bars[len(bars)-1].Close,
		}, nil
	}
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("5m bars unavailable, trying quote")
	}

	quotes, err := c.FetchBulkQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position data for %s: %w", symbol, err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no market data available for %s", symbol)
	}

	return &domain.PositionBars{
		Interval:     domain.IntervalQuote,
		CurrentPrice: q.Price,
	}, nil
}

// FetchIntradayOHLC returns intraday bars for the ATR guard and the
// continuation score.
func (c *Client) FetchIntradayOHLC(ctx context.Context, symbol string, interval domain.BarInterval, daysBack int) ([]domain.Bar, error) {
	providerInterval := "5min"
	if interval == domain.Interval1m {
		providerInterval = "1min"
	}

	// One trading day is ~78 5m bars / ~390 1m bars.
	perDay := 78
	if interval == domain.Interval1m {
		perDay = 390
	}
	if daysBack < 1 {
		daysBack = 1
	}

	return c.fetchChart(ctx, symbol, providerInterval, perDay*daysBack)
}

func (c *Client) fetchChart(ctx context.Context, symbol, interval string, limit int) ([]domain.Bar, error) {
	var out []barResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/historical-chart/" + interval + "/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s bars for %s: %w", interval, symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s bars request for %s failed with status %d", interval, symbol, resp.StatusCode())
	}

	bars := make([]domain.Bar, 0, len(out))
	for _, b := range out {
		ts, err := time.Parse("2006-01-02 15:04:05", b.Date)
		if err != nil {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: ts.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	// Provider returns newest first; the engine requires ascending order.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}

	return bars, nil
}

func chunkSymbols(symbols []string, size int) [][]string {
	var chunks [][]string
	for len(symbols) > size {
		chunks = append(chunks, symbols[:size])
		symbols = symbols[size:]
	}
	if len(symbols) > 0 {
		chunks = append(chunks, symbols)
	}
	return chunks
}
