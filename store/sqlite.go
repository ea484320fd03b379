package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a single-file Store backend for local development, tests, and
// single-process deployments. SQLite has no advisory-lock primitive, so
// LockExecutionInTx and TrySweepLock are emulated with in-process mutexes
// keyed by HashKey — correct only when a single process holds the
// database file, which is the backend's only supported topology.
type SQLite struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	execLocks map[int64]*sync.Mutex
	sweepLocks map[int64]bool
}

// NewSQLite opens (and migrates) a SQLite database at path. Use ":memory:"
// for a throwaway store in tests.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, path: path, execLocks: make(map[int64]*sync.Mutex), sweepLocks: make(map[int64]bool)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			inserted_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			archived_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_updated ON executions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS values_tbl (
			execution_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_value TEXT NOT NULL DEFAULT 'null',
			set_time TIMESTAMP,
			ex_revision INTEGER NOT NULL DEFAULT 0,
			inserted_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (execution_id, node_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_values_type ON values_tbl(node_type, set_time)`,
		`CREATE TABLE IF NOT EXISTS computations (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			computation_type TEXT NOT NULL,
			state TEXT NOT NULL,
			start_time TIMESTAMP,
			completion_time TIMESTAMP,
			deadline TIMESTAMP,
			last_heartbeat_at TIMESTAMP,
			heartbeat_deadline TIMESTAMP,
			ex_revision_at_start INTEGER NOT NULL DEFAULT 0,
			ex_revision_at_completion INTEGER,
			computed_with TEXT NOT NULL DEFAULT '{}',
			error_details TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_computations_exec_node ON computations(execution_id, node_name)`,
		`CREATE INDEX IF NOT EXISTS idx_computations_state ON computations(state)`,
		`CREATE TABLE IF NOT EXISTS sweep_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sweep_type TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			executions_processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sweep_runs_type ON sweep_runs(sweep_type, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrating sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type sqliteTx struct {
	tx      *sql.Tx
	unlocks *[]func()
}

func (s *SQLite) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var unlocks []func()
	defer func() {
		for _, u := range unlocks {
			u()
		}
	}()
	if err := fn(ctx, sqliteTx{tx: tx, unlocks: &unlocks}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) txOf(tx Tx) *sql.Tx { return tx.(sqliteTx).tx }

func (s *SQLite) IncrementRevisionInTx(ctx context.Context, tx Tx, executionID string) (int64, error) {
	now := time.Now()
	res, err := s.txOf(tx).ExecContext(ctx, `UPDATE executions SET revision = revision + 1, updated_at = ? WHERE id = ?`, now, executionID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var rev int64
	err = s.txOf(tx).QueryRowContext(ctx, `SELECT revision FROM executions WHERE id = ?`, executionID).Scan(&rev)
	return rev, err
}

// LockExecutionInTx and TrySweepLock emulate advisory locks with
// process-local mutexes keyed by HashKey; correct only under the
// single-process deployment this backend targets.
func (s *SQLite) LockExecutionInTx(ctx context.Context, tx Tx, namespace int32, executionID string) error {
	key := int64(namespace)<<32 ^ HashKey(executionID)
	s.mu.Lock()
	m, ok := s.execLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.execLocks[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	stx := tx.(sqliteTx)
	*stx.unlocks = append(*stx.unlocks, m.Unlock)
	return nil
}

func (s *SQLite) TrySweepLock(ctx context.Context, sweepType string) (bool, func(context.Context) error, error) {
	key := HashKey(sweepType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweepLocks[key] {
		return false, nil, nil
	}
	s.sweepLocks[key] = true
	release := func(context.Context) error {
		s.mu.Lock()
		delete(s.sweepLocks, key)
		s.mu.Unlock()
		return nil
	}
	return true, release, nil
}

func (s *SQLite) CreateExecution(ctx context.Context, graphName, graphVersion string, nodes []NodeSeed) (Execution, error) {
	var ex Execution
	err := s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		now := time.Now()
		id := fmt.Sprintf("%x-%x", now.UnixNano(), HashKey(graphName+graphVersion+fmt.Sprint(now.UnixNano())))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO executions (id, graph_name, graph_version, revision, inserted_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
			id, graphName, graphVersion, now, now,
		); err != nil {
			return err
		}
		ex = Execution{ID: id, GraphName: graphName, GraphVersion: graphVersion, Revision: 0, InsertedAt: now, UpdatedAt: now}

		idJSON, _ := json.Marshal(id)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO values_tbl (execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at)
			 VALUES (?, 'execution_id', 'system', ?, ?, 0, ?, ?), (?, 'last_updated_at', 'system', ?, ?, 0, ?, ?)`,
			id, string(idJSON), now, now, now,
			id, fmt.Sprintf("%d", now.Unix()), now, now, now,
		); err != nil {
			return err
		}

		for _, n := range nodes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO values_tbl (execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at)
				 VALUES (?, ?, ?, 'null', NULL, 0, ?, ?)`,
				id, n.Name, string(n.Type), now, now,
			); err != nil {
				return err
			}
			if n.Type == NodeInput {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state)
				 VALUES (?, ?, ?, 1, ?, 'not_set')`,
				fmt.Sprintf("%s-%s-1", id, n.Name), id, n.Name, string(n.Type),
			); err != nil {
				return err
			}
		}
		return nil
	})
	return ex, err
}

func (s *SQLite) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	var ex Execution
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_name, graph_version, revision, inserted_at, updated_at, archived_at FROM executions WHERE id = ?`,
		executionID,
	).Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.Revision, &ex.InsertedAt, &ex.UpdatedAt, &ex.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	return ex, err
}

func (s *SQLite) setOrUnset(ctx context.Context, executionID, nodeName string, value RawValue, unset bool) (SetValueResult, error) {
	var result SetValueResult
	err := s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		var curValue string
		var curSetTime sql.NullTime
		if err := tx.QueryRowContext(ctx, `SELECT node_value, set_time FROM values_tbl WHERE execution_id=? AND node_name=?`,
			executionID, nodeName).Scan(&curValue, &curSetTime); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: node %q", ErrGraphLookup, nodeName)
			}
			return err
		}

		unchanged := unset && !curSetTime.Valid
		if !unset && curSetTime.Valid && curValue == string(value) {
			unchanged = true
		}
		if unchanged {
			ex, err := s.getExecutionTx(ctx, tx, executionID)
			result = SetValueResult{Execution: ex, Changed: false}
			return err
		}

		rev, err := s.IncrementRevisionInTx(ctx, txh, executionID)
		if err != nil {
			return err
		}
		newValue := string(Null)
		var setTime any
		if !unset {
			newValue = string(value)
			setTime = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE values_tbl SET node_value=?, set_time=?, ex_revision=?, updated_at=? WHERE execution_id=? AND node_name=?`,
			newValue, setTime, rev, time.Now(), executionID, nodeName,
		); err != nil {
			return err
		}
		if err := s.touchLastUpdated(ctx, tx, executionID, rev); err != nil {
			return err
		}
		ex, err := s.getExecutionTx(ctx, tx, executionID)
		result = SetValueResult{Execution: ex, Changed: true}
		return err
	})
	return result, err
}

func (s *SQLite) touchLastUpdated(ctx context.Context, tx *sql.Tx, executionID string, rev int64) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx,
		`UPDATE values_tbl SET node_value=?, set_time=?, ex_revision=?, updated_at=? WHERE execution_id=? AND node_name='last_updated_at'`,
		fmt.Sprintf("%d", now.Unix()), now, rev, now, executionID,
	)
	return err
}

func (s *SQLite) getExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) (Execution, error) {
	var ex Execution
	err := tx.QueryRowContext(ctx,
		`SELECT id, graph_name, graph_version, revision, inserted_at, updated_at, archived_at FROM executions WHERE id=?`,
		executionID,
	).Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.Revision, &ex.InsertedAt, &ex.UpdatedAt, &ex.ArchivedAt)
	return ex, err
}

func (s *SQLite) SetValue(ctx context.Context, executionID, nodeName string, value RawValue) (SetValueResult, error) {
	return s.setOrUnset(ctx, executionID, nodeName, value, false)
}

func (s *SQLite) UnsetValue(ctx context.Context, executionID, nodeName string) (SetValueResult, error) {
	return s.setOrUnset(ctx, executionID, nodeName, nil, true)
}

type sqliteScannable interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanValue(row sqliteScannable) (Value, error) {
	var v Value
	var nodeValue string
	err := row.Scan(&v.ExecutionID, &v.NodeName, &v.NodeType, &nodeValue, &v.SetTime, &v.ExRevision, &v.InsertedAt, &v.UpdatedAt)
	v.NodeValue = RawValue(nodeValue)
	return v, err
}

func (s *SQLite) GetValue(ctx context.Context, executionID, nodeName string) (Value, error) {
	v, err := s.scanValue(s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at
		 FROM values_tbl WHERE execution_id=? AND node_name=?`, executionID, nodeName))
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, ErrNotFound
	}
	return v, err
}

func (s *SQLite) Values(ctx context.Context, executionID string) (map[string]Value, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at
		 FROM values_tbl WHERE execution_id=?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Value)
	for rows.Next() {
		v, err := s.scanValue(rows)
		if err != nil {
			return nil, err
		}
		out[v.NodeName] = v
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, rows.Err()
}

func (s *SQLite) ClaimReady(ctx context.Context, executionID string, types []NodeType, ready func(map[string]Value, Computation) (map[string]int64, time.Duration, bool)) ([]Computation, error) {
	var claimed []Computation
	err := s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		placeholders := make([]string, len(types))
		args := make([]any, len(types)+1)
		args[0] = executionID
		for i, t := range types {
			placeholders[i] = "?"
			args[i+1] = string(t)
		}
		q := fmt.Sprintf(`SELECT id, execution_id, node_name, attempt, computation_type, state
			FROM computations WHERE execution_id=? AND state='not_set' AND computation_type IN (%s)`,
			joinPlaceholders(placeholders))
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		var candidates []Computation
		for rows.Next() {
			var c Computation
			if err := rows.Scan(&c.ID, &c.ExecutionID, &c.NodeName, &c.Attempt, &c.ComputationType, &c.State); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		values, err := s.valuesInTx(ctx, tx, executionID)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			met, abandonAfter, isReady := ready(values, c)
			if !isReady {
				continue
			}
			rev, err := s.IncrementRevisionInTx(ctx, txh, executionID)
			if err != nil {
				return err
			}
			now := time.Now()
			deadline := now.Add(abandonAfter)
			if _, err := tx.ExecContext(ctx,
				`UPDATE computations SET state='computing', start_time=?, ex_revision_at_start=?, deadline=?, computed_with=? WHERE id=?`,
				now, rev, deadline, string(encodeComputedWith(met)), c.ID,
			); err != nil {
				return err
			}
			c.State, c.StartTime, c.ExRevisionAtStart, c.Deadline, c.ComputedWith = StateComputing, &now, rev, &deadline, met
			claimed = append(claimed, c)
		}
		return nil
	})
	return claimed, err
}

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func (s *SQLite) valuesInTx(ctx context.Context, tx *sql.Tx, executionID string) (map[string]Value, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at
		 FROM values_tbl WHERE execution_id=?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Value)
	for rows.Next() {
		v, err := s.scanValue(rows)
		if err != nil {
			return nil, err
		}
		out[v.NodeName] = v
	}
	return out, rows.Err()
}

func (s *SQLite) InsertComputationIfAbsent(ctx context.Context, executionID, nodeName string, compType NodeType, priorExRevisionAtStart int64) (bool, error) {
	var inserted bool
	err := s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		var blocking int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM computations WHERE execution_id=? AND node_name=?
			 AND (state IN ('not_set','computing') OR (state='success' AND ex_revision_at_start > ?))`,
			executionID, nodeName, priorExRevisionAtStart,
		).Scan(&blocking); err != nil {
			return err
		}
		if blocking > 0 {
			return nil
		}
		var nextAttempt int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM computations WHERE execution_id=? AND node_name=?`,
			executionID, nodeName).Scan(&nextAttempt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state) VALUES (?, ?, ?, ?, ?, 'not_set')`,
			fmt.Sprintf("%s-%s-%d", executionID, nodeName, nextAttempt), executionID, nodeName, nextAttempt, string(compType),
		); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *SQLite) LatestSuccess(ctx context.Context, executionID string) (map[string]Computation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_name, attempt, computation_type, state,
		        start_time, completion_time, deadline, last_heartbeat_at, heartbeat_deadline,
		        ex_revision_at_start, ex_revision_at_completion, computed_with, error_details
		 FROM computations c WHERE execution_id=? AND state='success'
		   AND ex_revision_at_start = (SELECT MAX(ex_revision_at_start) FROM computations
		                                WHERE execution_id=c.execution_id AND node_name=c.node_name AND state='success')`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Computation)
	for rows.Next() {
		c, err := s.scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out[c.NodeName] = c
	}
	return out, rows.Err()
}

func (s *SQLite) scanComputation(row sqliteScannable) (Computation, error) {
	var c Computation
	var computedWithJSON string
	err := row.Scan(&c.ID, &c.ExecutionID, &c.NodeName, &c.Attempt, &c.ComputationType, &c.State,
		&c.StartTime, &c.CompletionTime, &c.Deadline, &c.LastHeartbeatAt, &c.HeartbeatDeadline,
		&c.ExRevisionAtStart, &c.ExRevisionAtCompletion, &computedWithJSON, &c.ErrorDetails)
	if err != nil {
		return c, err
	}
	c.ComputedWith = decodeComputedWith([]byte(computedWithJSON))
	return c, nil
}

func (s *SQLite) RecordSuccess(ctx context.Context, computationID string, write ValueWrite) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		var executionID, nodeName string
		var compType NodeType
		var state ComputationState
		if err := tx.QueryRowContext(ctx, `SELECT execution_id, node_name, computation_type, state FROM computations WHERE id=?`,
			computationID).Scan(&executionID, &nodeName, &compType, &state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if state != StateComputing {
			applied = false
			return nil
		}
		if err := s.applyWriteRule(ctx, tx, txh, executionID, nodeName, compType, write); err != nil {
			return err
		}
		var finalRev int64
		if err := tx.QueryRowContext(ctx, `SELECT revision FROM executions WHERE id=?`, executionID).Scan(&finalRev); err != nil {
			return err
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE computations SET state='success', completion_time=?, ex_revision_at_completion=?, computed_with=? WHERE id=?`,
			now, finalRev, string(encodeComputedWith(write.ComputedWith)), computationID,
		); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *SQLite) applyWriteRule(ctx context.Context, tx *sql.Tx, txh Tx, executionID, nodeName string, compType NodeType, write ValueWrite) error {
	switch compType {
	case NodeCompute:
		return s.writeIfChanged(ctx, tx, txh, executionID, nodeName, write.Value)
	case NodeMutate:
		marker, err := json.Marshal(fmt.Sprintf("updated %s", write.MutateTarget))
		if err != nil {
			return err
		}
		if err := s.writeUnconditional(ctx, tx, txh, executionID, nodeName, RawValue(marker)); err != nil {
			return err
		}
		if write.UpdateRevisionOnChange {
			return s.writeIfChanged(ctx, tx, txh, executionID, write.MutateTarget, write.Value)
		}
		_, err := tx.ExecContext(ctx, `UPDATE values_tbl SET node_value=?, set_time=?, updated_at=? WHERE execution_id=? AND node_name=?`,
			string(write.Value), time.Now(), time.Now(), executionID, write.MutateTarget)
		return err
	case NodeHistorian:
		return s.writeUnconditional(ctx, tx, txh, executionID, nodeName, truncateHistorian(write.Value, write.MaxEntries))
	default:
		if err := s.writeUnconditional(ctx, tx, txh, executionID, nodeName, write.Value); err != nil {
			return err
		}
		if compType == NodeArchive {
			_, err := tx.ExecContext(ctx, `UPDATE executions SET archived_at=? WHERE id=?`, time.Now(), executionID)
			return err
		}
		return nil
	}
}

func (s *SQLite) writeIfChanged(ctx context.Context, tx *sql.Tx, txh Tx, executionID, nodeName string, value RawValue) error {
	var cur string
	var set sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT node_value, set_time FROM values_tbl WHERE execution_id=? AND node_name=?`,
		executionID, nodeName).Scan(&cur, &set); err != nil {
		return err
	}
	if set.Valid && cur == string(value) {
		return nil
	}
	return s.writeUnconditional(ctx, tx, txh, executionID, nodeName, value)
}

func (s *SQLite) writeUnconditional(ctx context.Context, tx *sql.Tx, txh Tx, executionID, nodeName string, value RawValue) error {
	rev, err := s.IncrementRevisionInTx(ctx, txh, executionID)
	if err != nil {
		return err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE values_tbl SET node_value=?, set_time=?, ex_revision=?, updated_at=? WHERE execution_id=? AND node_name=?`,
		string(value), now, rev, now, executionID, nodeName,
	); err != nil {
		return err
	}
	return s.touchLastUpdated(ctx, tx, executionID, rev)
}

func (s *SQLite) RecordFailure(ctx context.Context, computationID, reason string, retry RetryDecision) error {
	return s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		var executionID, nodeName string
		if err := tx.QueryRowContext(ctx, `SELECT execution_id, node_name FROM computations WHERE id=?`, computationID).
			Scan(&executionID, &nodeName); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE computations SET state='failed', completion_time=?, error_details=? WHERE id=?`,
			time.Now(), reason, computationID,
		); err != nil {
			return err
		}
		if !retry.ShouldRetry {
			return nil
		}
		var nextAttempt int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM computations WHERE execution_id=? AND node_name=?`,
			executionID, nodeName).Scan(&nextAttempt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state) VALUES (?, ?, ?, ?, ?, 'not_set')`,
			fmt.Sprintf("%s-%s-%d", executionID, nodeName, nextAttempt), executionID, nodeName, nextAttempt, string(retry.NodeType),
		)
		return err
	})
}

func (s *SQLite) ClearCompute(ctx context.Context, executionID, nodeName string) error {
	return s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		rev, err := s.IncrementRevisionInTx(ctx, txh, executionID)
		if err != nil {
			return err
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE values_tbl SET node_value='null', set_time=NULL, ex_revision=?, updated_at=? WHERE execution_id=? AND node_name=?`,
			rev, now, executionID, nodeName,
		); err != nil {
			return err
		}
		if err := s.touchLastUpdated(ctx, tx, executionID, rev); err != nil {
			return err
		}
		var nextAttempt int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM computations WHERE execution_id=? AND node_name=?`,
			executionID, nodeName).Scan(&nextAttempt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state) VALUES (?, ?, ?, ?, 'compute', 'not_set')`,
			fmt.Sprintf("%s-%s-%d", executionID, nodeName, nextAttempt), executionID, nodeName, nextAttempt,
		)
		return err
	})
}

func (s *SQLite) Computations(ctx context.Context, executionID, nodeName string) ([]Computation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_name, attempt, computation_type, state,
		        start_time, completion_time, deadline, last_heartbeat_at, heartbeat_deadline,
		        ex_revision_at_start, ex_revision_at_completion, computed_with, error_details
		 FROM computations WHERE execution_id=? AND node_name=? ORDER BY attempt DESC`, executionID, nodeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Computation
	for rows.Next() {
		c, err := s.scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AllComputations(ctx context.Context, executionID string) ([]Computation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_name, attempt, computation_type, state,
		        start_time, completion_time, deadline, last_heartbeat_at, heartbeat_deadline,
		        ex_revision_at_start, ex_revision_at_completion, computed_with, error_details
		 FROM computations WHERE execution_id=? ORDER BY node_name, attempt`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Computation
	for rows.Next() {
		c, err := s.scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkAbandoned(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT execution_id FROM computations
		 WHERE state='computing' AND COALESCE(heartbeat_deadline, deadline) < ?`, now)
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
	if _, err := s.db.ExecContext(ctx,
		`UPDATE computations SET state='abandoned', completion_time=? WHERE state='computing' AND COALESCE(heartbeat_deadline, deadline) < ?`,
		now, now,
	); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLite) Heartbeat(ctx context.Context, computationID string, now time.Time, interval, timeout, buffer time.Duration) (bool, ComputationState, error) {
	hbDeadline := now.Add(timeout)
	var applied bool
	var state ComputationState
	err := s.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := s.txOf(txh)
		res, err := tx.ExecContext(ctx,
			`UPDATE computations SET last_heartbeat_at=?, heartbeat_deadline=? WHERE id=? AND state='computing' AND deadline > ?`,
			now, hbDeadline, computationID, now.Add(-buffer),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied, state = true, StateComputing
			return nil
		}
		var deadline time.Time
		if err := tx.QueryRowContext(ctx, `SELECT state, deadline FROM computations WHERE id=?`, computationID).
			Scan(&state, &deadline); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if state == StateComputing && deadline.Before(now) {
			if _, err := tx.ExecContext(ctx, `UPDATE computations SET state='abandoned', completion_time=? WHERE id=?`, now, computationID); err != nil {
				return err
			}
			state = StateAbandoned
		}
		applied = false
		return nil
	})
	return applied, state, err
}

func (s *SQLite) ArchiveExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions SET archived_at=? WHERE id=?`, time.Now(), executionID)
	return err
}

func (s *SQLite) UnarchiveExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions SET archived_at=NULL WHERE id=?`, executionID)
	return err
}

func (s *SQLite) ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error) {
	q := `SELECT id, graph_name, graph_version, revision, inserted_at, updated_at, archived_at FROM executions WHERE 1=1`
	var args []any
	if !opts.IncludeArchived {
		q += ` AND archived_at IS NULL`
	}
	if opts.GraphName != "" {
		q += ` AND graph_name = ?`
		args = append(args, opts.GraphName)
	}
	if opts.GraphVersion != "" {
		q += ` AND graph_version = ?`
		args = append(args, opts.GraphVersion)
	}
	dir := "ASC"
	if opts.SortDescending {
		dir = "DESC"
	}
	switch opts.SortBy {
	case "graph_name", "graph_version", "revision", "inserted_at", "updated_at", "archived_at":
		q += fmt.Sprintf(" ORDER BY %s %s", opts.SortBy, dir)
	default:
		q += ` ORDER BY inserted_at ASC`
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var ex Execution
		if err := rows.Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.Revision, &ex.InsertedAt, &ex.UpdatedAt, &ex.ArchivedAt); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertSweepRun(ctx context.Context, sweepType string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sweep_runs (sweep_type, started_at) VALUES (?, ?)`, sweepType, startedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) CompleteSweepRun(ctx context.Context, id int64, completedAt time.Time, processed int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sweep_runs SET completed_at=?, executions_processed=? WHERE id=?`, completedAt, processed, id)
	return err
}

func (s *SQLite) LastSweepRun(ctx context.Context, sweepType string) (SweepRun, error) {
	var r SweepRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sweep_type, started_at, completed_at, executions_processed FROM sweep_runs
		 WHERE sweep_type=? ORDER BY started_at DESC LIMIT 1`, sweepType,
	).Scan(&r.ID, &r.SweepType, &r.StartedAt, &r.CompletedAt, &r.ExecutionsProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return SweepRun{}, ErrNotFound
	}
	return r, err
}

func (s *SQLite) ExecutionsUpdatedSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM executions WHERE archived_at IS NULL AND updated_at >= ?`, cutoff)
}

func (s *SQLite) ExecutionsWithSchedulePulseIn(ctx context.Context, windowStart, windowEnd time.Time, nodeType NodeType) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT DISTINCT v.execution_id FROM values_tbl v JOIN executions e ON e.id = v.execution_id
		 WHERE e.archived_at IS NULL AND v.node_type=? AND v.set_time IS NOT NULL
		   AND CAST(v.node_value AS INTEGER) >= ? AND CAST(v.node_value AS INTEGER) < ?`,
		string(nodeType), windowStart.Unix(), windowEnd.Unix())
}

func (s *SQLite) ExecutionsStalledSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT DISTINCT e.id FROM executions e JOIN computations c ON c.execution_id = e.id
		 WHERE e.archived_at IS NULL AND e.updated_at < ? AND c.state = 'not_set'`, cutoff)
}

func (s *SQLite) queryIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
