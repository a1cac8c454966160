package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

const requestColumns = `request_id, provider, model, agent, prompt, priority,
 submitted_at, deadline, status, attempts, worker_id, api_key_id, parent_id,
 fingerprint, bypass_cache, stream`

const terminalStatuses = `('completed', 'failed', 'cancelled', 'timed_out')`

// PutRequest inserts a new request and its creation audit row in one
// transaction. Returns gateway.ErrConflict if the id already exists.
func (s *Store) PutRequest(ctx context.Context, req *gateway.Request) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Provider, nullStr(req.Model), nullStr(req.Agent), req.Prompt,
		req.Priority, fmtTime(req.SubmittedAt), fmtTime(req.Deadline),
		string(req.Status), req.Attempts, nullStr(req.WorkerID),
		nullStr(req.APIKeyID), nullStr(req.ParentID), req.Fingerprint,
		boolToInt(req.BypassCache), boolToInt(req.Stream),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", req.ID, gateway.ErrConflict)
	}
	if err := insertTransition(ctx, tx, req.ID, "", req.Status, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Transition performs an atomic compare-and-set on the request status and
// appends an audit row. The UPDATE's WHERE clause carries the expected
// status, so a concurrent transition loses cleanly instead of overwriting.
func (s *Store) Transition(ctx context.Context, id string, from, to gateway.Status, meta string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := transitionTx(ctx, tx, id, from, to, meta); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishRequest commits the terminal transition and the response row in a
// single transaction, so a crash can never leave a terminal request without
// its response or vice versa.
func (s *Store) FinishRequest(ctx context.Context, from, to gateway.Status, resp *gateway.Response) error {
	if !to.Terminal() {
		return fmt.Errorf("finish to non-terminal status %q: %w", to, gateway.ErrBadRequest)
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := transitionTx(ctx, tx, resp.RequestID, from, to, string(resp.ErrorKind)); err != nil {
		return err
	}
	if err := insertResponse(ctx, tx, resp); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionTx(ctx context.Context, tx *sql.Tx, id string, from, to gateway.Status, meta string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE requests SET status=? WHERE request_id=? AND status=?`,
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM requests WHERE request_id=?`, id).Scan(&current)
		if err != nil {
			return notFoundErr(err)
		}
		return fmt.Errorf("request %s is %s, not %s: %w", id, current, from, gateway.ErrConflict)
	}
	return insertTransition(ctx, tx, id, from, to, meta)
}

func insertTransition(ctx context.Context, tx *sql.Tx, id string, from, to gateway.Status, meta string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO state_transitions (request_id, from_status, to_status, meta, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), nullStr(meta), fmtTime(time.Now()),
	)
	return err
}

func insertResponse(ctx context.Context, tx *sql.Tx, resp *gateway.Response) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO responses (request_id, response, thinking, input_tokens,
		 output_tokens, total_tokens, latency_ms, backend_type, provider,
		 error_kind, error_message, cached, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.RequestID, nullStr(resp.Text), nullStr(resp.Thinking),
		resp.Usage.Input, resp.Usage.Output, resp.Usage.Total, resp.LatencyMs,
		nullStr(resp.BackendType), nullStr(resp.Provider),
		nullStr(string(resp.ErrorKind)), nullStr(resp.ErrorMessage),
		boolToInt(resp.Cached), fmtTime(resp.CompletedAt),
	)
	return err
}

// BumpAttempt increments the attempt counter and returns the new value.
func (s *Store) BumpAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.write.QueryRowContext(ctx,
		`UPDATE requests SET attempts = attempts + 1 WHERE request_id=? RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, notFoundErr(err)
	}
	return attempts, nil
}

// AssignWorker records which worker picked up the request.
func (s *Store) AssignWorker(ctx context.Context, id, workerID string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE requests SET worker_id=? WHERE request_id=?`, workerID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request")
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*gateway.Request, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE request_id=?`, id)
	return scanRequest(row)
}

// GetResponse retrieves the response for a request.
func (s *Store) GetResponse(ctx context.Context, id string) (*gateway.Response, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, response, thinking, input_tokens, output_tokens,
		 total_tokens, latency_ms, backend_type, provider, error_kind,
		 error_message, cached, completed_at
		 FROM responses WHERE request_id=?`, id)
	return scanResponse(row)
}

// ListRequests returns requests matching the filter, newest first.
func (s *Store) ListRequests(ctx context.Context, f storage.RequestFilter) ([]*gateway.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Provider != "" {
		conds = append(conds, "provider=?")
		args = append(args, f.Provider)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY submitted_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transitions returns the audit trail for a request, oldest first.
func (s *Store) Transitions(ctx context.Context, id string) ([]storage.TransitionRow, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT request_id, from_status, to_status, meta, created_at
		 FROM state_transitions WHERE request_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TransitionRow
	for rows.Next() {
		var row storage.TransitionRow
		var from, to, createdAt string
		var meta sql.NullString
		if err := rows.Scan(&row.RequestID, &from, &to, &meta, &createdAt); err != nil {
			return nil, err
		}
		row.From = gateway.Status(from)
		row.To = gateway.Status(to)
		row.Meta = meta.String
		if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			row.CreatedAt = *t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecoverInterrupted marks every non-terminal request left over from a
// previous run as failed with an interrupted response, and returns their ids.
// Runs once at startup before workers start.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]string, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT request_id, status, provider FROM requests WHERE status NOT IN `+terminalStatuses)
	if err != nil {
		return nil, err
	}
	type stale struct {
		id       string
		status   gateway.Status
		provider string
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.status, &st.provider); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(found))
	for _, st := range found {
		if err := transitionTx(ctx, tx, st.id, st.status, gateway.StatusFailed, string(gateway.ErrKindInterrupted)); err != nil {
			return nil, err
		}
		resp := &gateway.Response{
			RequestID:    st.id,
			Provider:     st.provider,
			ErrorKind:    gateway.ErrKindInterrupted,
			ErrorMessage: "gateway restarted while request was in flight",
			CompletedAt:  now,
		}
		if err := insertResponse(ctx, tx, resp); err != nil {
			return nil, err
		}
		ids = append(ids, st.id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeOldRequests deletes terminal requests submitted before cutoff along
// with their responses and audit rows. Non-terminal rows are never touched.
func (s *Store) PurgeOldRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM state_transitions WHERE request_id IN
		 (SELECT request_id FROM requests WHERE status IN `+terminalStatuses+` AND submitted_at < ?)`,
		fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM requests WHERE status IN `+terminalStatuses+` AND submitted_at < ?`,
		fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// CountByStatus returns the number of requests in each lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[gateway.Status]int64, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[gateway.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[gateway.Status(status)] = n
	}
	return out, rows.Err()
}

func scanRequest(sc scanner) (*gateway.Request, error) {
	var req gateway.Request
	var model, agent, workerID, apiKeyID, parentID sql.NullString
	var submittedAt, deadline, status string
	var bypassCache, stream int

	err := sc.Scan(
		&req.ID, &req.Provider, &model, &agent, &req.Prompt, &req.Priority,
		&submittedAt, &deadline, &status, &req.Attempts, &workerID,
		&apiKeyID, &parentID, &req.Fingerprint, &bypassCache, &stream,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	req.Model = model.String
	req.Agent = agent.String
	req.WorkerID = workerID.String
	req.APIKeyID = apiKeyID.String
	req.ParentID = parentID.String
	req.Status = gateway.Status(status)
	req.BypassCache = bypassCache != 0
	req.Stream = stream != 0
	if t := parseTime(sql.NullString{String: submittedAt, Valid: true}); t != nil {
		req.SubmittedAt = *t
	}
	if t := parseTime(sql.NullString{String: deadline, Valid: true}); t != nil {
		req.Deadline = *t
	}
	return &req, nil
}

func scanResponse(sc scanner) (*gateway.Response, error) {
	var resp gateway.Response
	var text, thinking, backendType, provider, errorKind, errorMessage sql.NullString
	var completedAt string
	var cached int

	err := sc.Scan(
		&resp.RequestID, &text, &thinking, &resp.Usage.Input, &resp.Usage.Output,
		&resp.Usage.Total, &resp.LatencyMs, &backendType, &provider,
		&errorKind, &errorMessage, &cached, &completedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	resp.Text = text.String
	resp.Thinking = thinking.String
	resp.BackendType = backendType.String
	resp.Provider = provider.String
	resp.ErrorKind = gateway.ErrorKind(errorKind.String)
	resp.ErrorMessage = errorMessage.String
	resp.Cached = cached != 0
	if t := parseTime(sql.NullString{String: completedAt, Valid: true}); t != nil {
		resp.CompletedAt = *t
	}
	return &resp, nil
}
