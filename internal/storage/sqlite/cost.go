package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

// AppendCostSamples inserts a batch of cost samples in one transaction.
func (s *Store) AppendCostSamples(ctx context.Context, samples []gateway.CostSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cost_samples (provider, request_id, model, input_tokens,
		 output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sample := range samples {
		createdAt := sample.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			sample.Provider, nullStr(sample.RequestID), nullStr(sample.Model),
			sample.InputTokens, sample.OutputTokens, sample.CostUSD,
			fmtTime(createdAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CostSummary returns the all-time aggregate across every provider.
func (s *Store) CostSummary(ctx context.Context) (storage.CostBucket, error) {
	var b storage.CostBucket
	b.Key = "total"
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0),
		 COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM cost_samples`,
	).Scan(&b.Requests, &b.InputTokens, &b.OutputTokens, &b.CostUSD)
	return b, err
}

// CostByProvider returns per-provider aggregates, most expensive first.
func (s *Store) CostByProvider(ctx context.Context) ([]storage.CostBucket, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, COUNT(*), COALESCE(SUM(input_tokens), 0),
		 COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM cost_samples GROUP BY provider ORDER BY SUM(cost_usd) DESC`)
	if err != nil {
		return nil, err
	}
	return scanBuckets(rows)
}

// CostByDay returns per-day aggregates for the trailing window, oldest first.
// created_at is RFC 3339, so the first ten characters are the UTC date.
func (s *Store) CostByDay(ctx context.Context, days int) ([]storage.CostBucket, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.read.QueryContext(ctx,
		`SELECT SUBSTR(created_at, 1, 10) AS day, COUNT(*),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		 COALESCE(SUM(cost_usd), 0)
		 FROM cost_samples WHERE created_at >= ?
		 GROUP BY day ORDER BY day ASC`,
		fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	return scanBuckets(rows)
}

// PurgeOldCostSamples deletes samples created before cutoff.
func (s *Store) PurgeOldCostSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM cost_samples WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanBuckets(rows *sql.Rows) ([]storage.CostBucket, error) {
	defer rows.Close()
	var out []storage.CostBucket
	for rows.Next() {
		var b storage.CostBucket
		if err := rows.Scan(&b.Key, &b.Requests, &b.InputTokens, &b.OutputTokens, &b.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
