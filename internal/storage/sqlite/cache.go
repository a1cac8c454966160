package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

// CacheGet retrieves a durable cache entry by fingerprint. Expired entries
// are returned as gateway.ErrNotFound and lazily deleted.
func (s *Store) CacheGet(ctx context.Context, fingerprint string) (*gateway.CacheEntry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT fingerprint, response, thinking, input_tokens, output_tokens,
		 total_tokens, provider, stored_at, ttl_ms
		 FROM cache_entries WHERE fingerprint=?`, fingerprint)

	var e gateway.CacheEntry
	var thinking, provider sql.NullString
	var storedAt string
	var ttlMs int64
	err := row.Scan(&e.Fingerprint, &e.Text, &thinking, &e.Usage.Input,
		&e.Usage.Output, &e.Usage.Total, &provider, &storedAt, &ttlMs)
	if err != nil {
		return nil, notFoundErr(err)
	}
	e.Thinking = thinking.String
	e.Provider = provider.String
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	if t := parseTime(sql.NullString{String: storedAt, Valid: true}); t != nil {
		e.StoredAt = *t
	}

	now := time.Now().UTC()
	if e.Expired(now) {
		s.write.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint=?`, fingerprint)
		return nil, gateway.ErrNotFound
	}
	s.write.ExecContext(ctx,
		`UPDATE cache_entries SET last_access=? WHERE fingerprint=?`,
		fmtTime(now), fingerprint)
	return &e, nil
}

// CachePut upserts a durable cache entry.
func (s *Store) CachePut(ctx context.Context, e *gateway.CacheEntry) error {
	now := fmtTime(time.Now())
	bytes := int64(len(e.Text) + len(e.Thinking))
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, response, thinking, input_tokens,
		 output_tokens, total_tokens, provider, stored_at, expires_at, ttl_ms,
		 bytes, last_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		 response=excluded.response, thinking=excluded.thinking,
		 input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens,
		 total_tokens=excluded.total_tokens, provider=excluded.provider,
		 stored_at=excluded.stored_at, expires_at=excluded.expires_at,
		 ttl_ms=excluded.ttl_ms, bytes=excluded.bytes, last_access=excluded.last_access`,
		e.Fingerprint, e.Text, nullStr(e.Thinking), e.Usage.Input, e.Usage.Output,
		e.Usage.Total, nullStr(e.Provider), fmtTime(e.StoredAt),
		fmtTime(e.StoredAt.Add(e.TTL)), e.TTL.Milliseconds(), bytes, now,
	)
	return err
}

// CacheEvict removes one entry by fingerprint.
func (s *Store) CacheEvict(ctx context.Context, fingerprint string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint=?`, fingerprint)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "cache entry")
}

// CacheClear removes all entries and returns how many were deleted.
func (s *Store) CacheClear(ctx context.Context) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CachePurgeExpired removes entries past their expiry, then trims the table
// to the configured entry and byte bounds, least recently used first.
// A zero bound means unbounded.
func (s *Store) CachePurgeExpired(ctx context.Context, maxEntries int, maxBytes int64) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	result, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	total += n

	if maxEntries > 0 {
		result, err = tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE id NOT IN
			 (SELECT id FROM cache_entries ORDER BY last_access DESC LIMIT ?)`,
			maxEntries)
		if err != nil {
			return 0, err
		}
		n, err = result.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}

	if maxBytes > 0 {
		// Running byte total over entries from most to least recently used;
		// everything past the budget goes.
		result, err = tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE id IN
			 (SELECT id FROM
			  (SELECT id, SUM(bytes) OVER (ORDER BY last_access DESC, id) AS running
			   FROM cache_entries)
			  WHERE running > ?)`,
			maxBytes)
		if err != nil {
			return 0, err
		}
		n, err = result.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, tx.Commit()
}

// CacheStats summarizes the durable cache table.
func (s *Store) CacheStats(ctx context.Context) (storage.CacheStats, error) {
	var stats storage.CacheStats
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(bytes), 0),
		 COALESCE(SUM(CASE WHEN expires_at < ? THEN 1 ELSE 0 END), 0)
		 FROM cache_entries`, fmtTime(time.Now()),
	).Scan(&stats.Entries, &stats.Bytes, &stats.Expired)
	return stats, err
}
