package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite 以 SQLite 檔案保存的儲存層，同時實作 eventstore.Reader。
// 寫入連線限制為 1，序列化所有寫入。
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite 建立或開啟資料庫並執行 migration
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("Database opened", "path", path)
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	if current >= 1 {
		log.Debug("Migrations up to date", "version", current)
		return nil
	}

	sqlBytes, err := migrations.ReadFile("migrations/001_initial.sql")
	if err != nil {
		return fmt.Errorf("read migration 001: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("execute migration 001: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("record migration 001: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration 001: %w", err)
	}
	log.Info("Applied migration", "version", 1)
	return nil
}

// Close 關閉資料庫
func (s *SQLite) Close() error { return s.db.Close() }

// ============================================================================
// 時間欄位：Unix 奈秒，讀回為 UTC
// ============================================================================

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ============================================================================
// ExecutionStore
// ============================================================================

// executionRow 執行紀錄的 JSON 欄位，節點紀錄另存 node_executions
func executionRow(exec *types.QueryExecution) (string, error) {
	cp := exec.Clone()
	cp.Nodes = nil
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal execution: %w", err)
	}
	return string(data), nil
}

func (s *SQLite) CreateExecution(ctx context.Context, exec *types.QueryExecution) error {
	data, err := executionRow(exec)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM executions WHERE id = ?", exec.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.ID)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO executions (id, tenant_id, status, submitted_at, data) VALUES (?, ?, ?, ?, ?)",
			exec.ID, exec.TenantID, string(exec.Status), toNanos(exec.SubmittedAt), data); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		for _, rec := range exec.Nodes {
			if err := insertNode(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func loadExecution(ctx context.Context, q queryer, id string) (*types.QueryExecution, error) {
	var data string
	err := q.QueryRowContext(ctx, "SELECT data FROM executions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var exec types.QueryExecution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *SQLite) UpdateExecutionStatus(ctx context.Context, u ExecutionUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exec, err := loadExecution(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		if err := applyExecutionUpdate(exec, u); err != nil {
			return err
		}
		data, err := executionRow(exec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE executions SET status = ?, data = ? WHERE id = ?", string(exec.Status), data, exec.ID)
		return err
	})
}

func insertNode(ctx context.Context, tx *sql.Tx, rec types.NodeExecution) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO node_executions (execution_id, node_id, status, latency_ms, data) VALUES (?, ?, ?, ?, ?)",
		rec.ExecutionID, rec.NodeID, string(rec.Status), rec.LatencyMs, string(data))
	if err != nil {
		return fmt.Errorf("insert node execution: %w", err)
	}
	return nil
}

func (s *SQLite) RecordNodeExecution(ctx context.Context, rec types.NodeExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM executions WHERE id = ?", rec.ExecutionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: execution %s", ErrNotFound, rec.ExecutionID)
		}
		return insertNode(ctx, tx, rec)
	})
}

func (s *SQLite) loadNodes(ctx context.Context, exec *types.QueryExecution) error {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM node_executions WHERE execution_id = ? ORDER BY id", exec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var rec types.NodeExecution
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return fmt.Errorf("decode node execution: %w", err)
		}
		exec.Nodes = append(exec.Nodes, rec)
	}
	return rows.Err()
}

func (s *SQLite) GetExecution(ctx context.Context, id string) (*types.QueryExecution, error) {
	exec, err := loadExecution(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadNodes(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *SQLite) ListExecutions(ctx context.Context, tenantID string) ([]*types.QueryExecution, error) {
	query := "SELECT id FROM executions"
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY submitted_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.QueryExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// ============================================================================
// BudgetStore
// ============================================================================

const budgetColumns = `tenant_id, tier, max_concurrent_queries, max_queue_depth, max_latency_ms, max_compute_units,
	current_queries, queued_queries, compute_units_used, window_start, window_end`

type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner) (*types.ExecutionBudget, error) {
	var (
		b          types.ExecutionBudget
		tier       string
		start, end int64
	)
	if err := row.Scan(&b.TenantID, &tier, &b.MaxConcurrentQueries, &b.MaxQueueDepth, &b.MaxLatencyMs,
		&b.MaxComputeUnits, &b.CurrentQueries, &b.QueuedQueries, &b.ComputeUnitsUsed, &start, &end); err != nil {
		return nil, err
	}
	b.Tier = types.Tier(tier)
	b.WindowStart = fromNanos(start)
	b.WindowEnd = fromNanos(end)
	return &b, nil
}

func (s *SQLite) GetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+budgetColumns+" FROM budgets WHERE tenant_id = ?", tenantID)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: budget for tenant %s", ErrNotFound, tenantID)
	}
	return b, err
}

func (s *SQLite) UpsertBudget(ctx context.Context, b *types.ExecutionBudget) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			tier = excluded.tier,
			max_concurrent_queries = excluded.max_concurrent_queries,
			max_queue_depth = excluded.max_queue_depth,
			max_latency_ms = excluded.max_latency_ms,
			max_compute_units = excluded.max_compute_units,
			current_queries = excluded.current_queries,
			queued_queries = excluded.queued_queries,
			compute_units_used = excluded.compute_units_used,
			window_start = excluded.window_start,
			window_end = excluded.window_end`,
		b.TenantID, string(b.Tier), b.MaxConcurrentQueries, b.MaxQueueDepth, b.MaxLatencyMs, b.MaxComputeUnits,
		b.CurrentQueries, b.QueuedQueries, b.ComputeUnitsUsed, toNanos(b.WindowStart), toNanos(b.WindowEnd))
	if err != nil {
		return fmt.Errorf("upsert budget: %w", err)
	}
	return nil
}

func (s *SQLite) ListBudgets(ctx context.Context) ([]*types.ExecutionBudget, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+budgetColumns+" FROM budgets ORDER BY tenant_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.ExecutionBudget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) updateCounters(ctx context.Context, tenantID, set string, args ...any) error {
	res, err := s.db.ExecContext(ctx, "UPDATE budgets SET "+set+" WHERE tenant_id = ?", append(args, tenantID)...)
	if err != nil {
		return fmt.Errorf("update budget counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: budget for tenant %s", ErrNotFound, tenantID)
	}
	return nil
}

func (s *SQLite) IncrementQueuedQueries(ctx context.Context, tenantID string, computeUnits float64) error {
	return s.updateCounters(ctx, tenantID,
		"queued_queries = queued_queries + 1, current_queries = current_queries + 1, compute_units_used = compute_units_used + ?",
		computeUnits)
}

func (s *SQLite) DecrementQueuedQueries(ctx context.Context, tenantID string) error {
	return s.updateCounters(ctx, tenantID, "queued_queries = MAX(queued_queries - 1, 0)")
}

func (s *SQLite) DecrementCurrentQueries(ctx context.Context, tenantID string) error {
	return s.updateCounters(ctx, tenantID, "current_queries = MAX(current_queries - 1, 0)")
}

// ============================================================================
// QueueStore
// ============================================================================

const entryColumns = `id, execution_id, tenant_id, queue, priority, seq, status, compute_units, enqueued_at, dequeued_at, deadline`

func scanEntry(row scanner) (*types.QueuedExecution, error) {
	var (
		e               types.QueuedExecution
		queue, status   string
		enqueued        int64
		dequeued, limit sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.ExecutionID, &e.TenantID, &queue, &e.Priority, &e.Seq, &status,
		&e.ComputeUnits, &enqueued, &dequeued, &limit); err != nil {
		return nil, err
	}
	e.Queue = types.QueueName(queue)
	e.Status = types.QueueEntryStatus(status)
	e.EnqueuedAt = fromNanos(enqueued)
	e.DequeuedAt = fromNullNanos(dequeued)
	e.Deadline = fromNullNanos(limit)
	return &e, nil
}

func (s *SQLite) CreateQueueEntry(ctx context.Context, e *types.QueuedExecution) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO queue_entries ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.ExecutionID, e.TenantID, string(e.Queue), e.Priority, e.Seq, string(e.Status), e.ComputeUnits,
		toNanos(e.EnqueuedAt), nullNanos(e.DequeuedAt), nullNanos(e.Deadline))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: queue entry %s", ErrAlreadyExists, e.ID)
		}
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateQueueEntryStatus(ctx context.Context, id string, status types.QueueEntryStatus, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: queue entry %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := applyEntryStatus(e, status, at); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE queue_entries SET status = ?, dequeued_at = ? WHERE id = ?",
			string(e.Status), nullNanos(e.DequeuedAt), id)
		return err
	})
}

func (s *SQLite) GetQueueEntry(ctx context.Context, id string) (*types.QueuedExecution, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: queue entry %s", ErrNotFound, id)
	}
	return e, err
}

func (s *SQLite) ListQueueEntries(ctx context.Context, statuses ...types.QueueEntryStatus) ([]*types.QueuedExecution, error) {
	query := "SELECT " + entryColumns + " FROM queue_entries"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*types.QueuedExecution, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertWorkerPoolStats(ctx context.Context, st *types.WorkerPoolStats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal worker pool stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO worker_pool_stats (queue, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(queue) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(st.Queue), string(data), toNanos(st.UpdatedAt))
	return err
}

func (s *SQLite) ListWorkerPoolStats(ctx context.Context) ([]*types.WorkerPoolStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM worker_pool_stats ORDER BY queue")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.WorkerPoolStats
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var st types.WorkerPoolStats
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("decode worker pool stats: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ============================================================================
// CacheStore
// ============================================================================

const cacheColumns = `id, query_hash, tenant_id, execution_id, plan, result, cached_at, ttl_ns, expires_at,
	hit_count, invalidated_at, invalidation_reason`

func scanCache(row scanner) (*types.CacheEntry, error) {
	var (
		e                      types.CacheEntry
		plan, result           string
		cachedAt, ttl, expires int64
		invalidatedAt          sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.QueryHash, &e.TenantID, &e.ExecutionID, &plan, &result, &cachedAt, &ttl,
		&expires, &e.HitCount, &invalidatedAt, &e.InvalidationReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(plan), &e.Plan); err != nil {
		return nil, fmt.Errorf("decode cached plan: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &e.Result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	e.CachedAt = fromNanos(cachedAt)
	e.TTL = time.Duration(ttl)
	e.ExpiresAt = fromNanos(expires)
	e.InvalidatedAt = fromNullNanos(invalidatedAt)
	return &e, nil
}

func (s *SQLite) CacheLookup(ctx context.Context, queryHash, tenantID string, now time.Time) (*types.CacheEntry, error) {
	var out *types.CacheEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanCache(tx.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM cache_entries
			WHERE tenant_id = ? AND query_hash = ? AND invalidated_at IS NULL AND expires_at > ?
			ORDER BY cached_at DESC, rowid DESC LIMIT 1`, tenantID, queryHash, toNanos(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: cache entry %s for tenant %s", ErrNotFound, queryHash, tenantID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE cache_entries SET hit_count = hit_count + 1 WHERE id = ?", e.ID); err != nil {
			return err
		}
		e.HitCount++
		out = e
		return nil
	})
	return out, err
}

func (s *SQLite) CacheHit(ctx context.Context, queryHash, tenantID, id string, now time.Time) (int64, error) {
	var hits int64
	err := s.db.QueryRowContext(ctx, `UPDATE cache_entries SET hit_count = hit_count + 1
		WHERE id = ? AND tenant_id = ? AND query_hash = ? AND invalidated_at IS NULL AND expires_at > ?
		RETURNING hit_count`, id, tenantID, queryHash, toNanos(now)).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: cache entry %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("record cache hit: %w", err)
	}
	return hits, nil
}

func (s *SQLite) CacheStore(ctx context.Context, e *types.CacheEntry) error {
	plan, err := json.Marshal(e.Plan)
	if err != nil {
		return fmt.Errorf("marshal cached plan: %w", err)
	}
	result, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("marshal cached result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO cache_entries ("+cacheColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.QueryHash, e.TenantID, e.ExecutionID, string(plan), string(result), toNanos(e.CachedAt),
		int64(e.TTL), toNanos(e.ExpiresAt), e.HitCount, nullNanos(e.InvalidatedAt), e.InvalidationReason)
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) CacheInvalidate(ctx context.Context, queryHash, tenantID, reason string, at time.Time) (int, error) {
	query := "UPDATE cache_entries SET invalidated_at = ?, invalidation_reason = ? WHERE tenant_id = ? AND invalidated_at IS NULL"
	args := []any{toNanos(at), reason, tenantID}
	if queryHash != "" {
		query += " AND query_hash = ?"
		args = append(args, queryHash)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) CachePurge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE invalidated_at IS NOT NULL OR expires_at <= ?", toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// 事件窗口（eventstore.Reader）
// ============================================================================

// AppendEvents 寫入租戶事件（timestamp 為 Unix 毫秒）
func (s *SQLite) AppendEvents(ctx context.Context, tenantID string, timestamps []int64, values []float64) error {
	if len(timestamps) != len(values) {
		return fmt.Errorf("timestamps and values differ in length: %d != %d", len(timestamps), len(values))
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO events (tenant_id, ts, value) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range timestamps {
			if _, err := stmt.ExecContext(ctx, tenantID, timestamps[i], values[i]); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
}

// ReadWindow 回傳 [Start, End) 內依時間排序的事件
func (s *SQLite) ReadWindow(ctx context.Context, tenantID string, window types.TimeWindow) (*types.Series, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts, value FROM events WHERE tenant_id = ? AND ts >= ? AND ts < ? ORDER BY ts, rowid",
		tenantID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	defer rows.Close()
	out := &types.Series{Timestamps: []int64{}, Values: []float64{}}
	for rows.Next() {
		var (
			ts int64
			v  float64
		)
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, err
		}
		out.Timestamps = append(out.Timestamps, ts)
		out.Values = append(out.Values, v)
	}
	return out, rows.Err()
}
