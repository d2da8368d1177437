package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/marild/portfolio-engine/internal/domain"
)

// QuoteCache is an optional read-through cache over the cache database.
// Quotes are stored msgpack-encoded; entries older than the TTL are
// treated as misses. The cache never serves instead of the provider for
// position exits - it only shaves provider calls inside one tick window.
type QuoteCache struct {
	db  *sql.DB
	ttl time.Duration
	log zerolog.Logger
}

// NewQuoteCache creates a quote cache with the given TTL.
func NewQuoteCache(db *sql.DB, ttl time.Duration, log zerolog.Logger) *QuoteCache {
	return &QuoteCache{
		db:  db,
		ttl: ttl,
		log: log.With().Str("cache", "quotes").Logger(),
	}
}

// Get returns the cached quote for symbol, or nil on miss or stale entry.
func (c *QuoteCache) Get(symbol string) (*domain.Quote, error) {
	var payload []byte
	var updatedAt int64

	err := c.db.QueryRow(
		"SELECT payload, updated_at FROM quote_cache WHERE symbol = ?", symbol,
	).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quote cache: %w", err)
	}

	if time.Since(time.Unix(updatedAt, 0)) > c.ttl {
		return nil, nil
	}

	var q domain.Quote
	if err := msgpack.Unmarshal(payload, &q); err != nil {
		// Corrupt cache entry, treat as miss
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to decode cached quote")
		return nil, nil
	}

	return &q, nil
}

// Put stores a quote.
func (c *QuoteCache) Put(q domain.Quote) error {
	payload, err := msgpack.Marshal(&q)
	if err != nil {
		return fmt.Errorf("failed to encode quote: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO quote_cache (symbol, payload, updated_at) VALUES (?, ?, ?)`,
		q.Symbol, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store quote: %w", err)
	}

	return nil
}
