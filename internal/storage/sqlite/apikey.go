package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

const keyColumns = `id, key_hash, key_prefix, name, disabled, rpm_limit, last_used_at, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.SecretHash, key.Prefix, key.Name,
		boolToInt(key.Disabled), key.RPMLimit,
		timeToStr(key.LastUsedAt), fmtTime(key.CreatedAt),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns API keys, newest first.
func (s *Store) ListKeys(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetKeyDisabled toggles the disabled flag on an API key.
func (s *Store) SetKeyDisabled(ctx context.Context, id string, disabled bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET disabled=? WHERE id=?`, boolToInt(disabled), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		fmtTime(time.Now()), id,
	)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var disabled int
	var lastUsedAt sql.NullString
	var createdAt string

	err := sc.Scan(&k.ID, &k.SecretHash, &k.Prefix, &k.Name,
		&disabled, &k.RPMLimit, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Disabled = disabled != 0
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
