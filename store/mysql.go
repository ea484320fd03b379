package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is a Store backend for MySQL/MariaDB. It uses MySQL's named locks
// (GET_LOCK/RELEASE_LOCK) for the advisory-lock protocol: GET_LOCK is
// connection-scoped, so LockExecutionInTx acquires it on the transaction's
// own connection and releases it just before the transaction ends,
// approximating Postgres's transaction-scoped pg_advisory_xact_lock.
type MySQL struct {
	db *sql.DB
}

// NewMySQL opens (and migrates) a MySQL/MariaDB database at dsn.
func NewMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging mysql: %w", err)
	}
	m := &MySQL{db: db}
	if err := m.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MySQL) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			graph_name VARCHAR(255) NOT NULL,
			graph_version VARCHAR(64) NOT NULL,
			revision BIGINT NOT NULL DEFAULT 0,
			inserted_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			archived_at TIMESTAMP(6) NULL,
			INDEX idx_executions_updated (updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS values_tbl (
			execution_id VARCHAR(64) NOT NULL,
			node_name VARCHAR(255) NOT NULL,
			node_type VARCHAR(32) NOT NULL,
			node_value JSON NOT NULL,
			set_time TIMESTAMP(6) NULL,
			ex_revision BIGINT NOT NULL DEFAULT 0,
			inserted_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (execution_id, node_name),
			INDEX idx_values_type (node_type, set_time)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS computations (
			id VARCHAR(96) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_name VARCHAR(255) NOT NULL,
			attempt INT NOT NULL,
			computation_type VARCHAR(32) NOT NULL,
			state VARCHAR(16) NOT NULL,
			start_time TIMESTAMP(6) NULL,
			completion_time TIMESTAMP(6) NULL,
			deadline TIMESTAMP(6) NULL,
			last_heartbeat_at TIMESTAMP(6) NULL,
			heartbeat_deadline TIMESTAMP(6) NULL,
			ex_revision_at_start BIGINT NOT NULL DEFAULT 0,
			ex_revision_at_completion BIGINT NULL,
			computed_with JSON NOT NULL,
			error_details TEXT NOT NULL,
			INDEX idx_computations_exec_node (execution_id, node_name),
			INDEX idx_computations_state (state)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS sweep_runs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sweep_type VARCHAR(64) NOT NULL,
			started_at TIMESTAMP(6) NOT NULL,
			completed_at TIMESTAMP(6) NULL,
			executions_processed INT NOT NULL DEFAULT 0,
			INDEX idx_sweep_runs_type (sweep_type, started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrating mysql schema: %w", err)
		}
	}
	return nil
}

func (m *MySQL) Close() error { return m.db.Close() }

type mysqlTx struct {
	tx        *sql.Tx
	lockNames *[]string
}

func (m *MySQL) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var lockNames []string
	releaseLocks := func() {
		for _, name := range lockNames {
			_, _ = tx.ExecContext(ctx, `SELECT RELEASE_LOCK(?)`, name)
		}
	}
	if err := fn(ctx, mysqlTx{tx: tx, lockNames: &lockNames}); err != nil {
		releaseLocks()
		_ = tx.Rollback()
		return err
	}
	releaseLocks()
	return tx.Commit()
}

func (m *MySQL) txOf(tx Tx) *sql.Tx { return tx.(mysqlTx).tx }

func (m *MySQL) IncrementRevisionInTx(ctx context.Context, tx Tx, executionID string) (int64, error) {
	now := time.Now()
	res, err := m.txOf(tx).ExecContext(ctx, `UPDATE executions SET revision = revision + 1, updated_at = ? WHERE id = ?`, now, executionID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var rev int64
	err = m.txOf(tx).QueryRowContext(ctx, `SELECT revision FROM executions WHERE id = ?`, executionID).Scan(&rev)
	return rev, err
}

func (m *MySQL) LockExecutionInTx(ctx context.Context, tx Tx, namespace int32, executionID string) error {
	name := fmt.Sprintf("revgraph:%d:%s", namespace, executionID)
	mtx := tx.(mysqlTx)
	var got int
	if err := mtx.tx.QueryRowContext(ctx, `SELECT GET_LOCK(?, 30)`, name).Scan(&got); err != nil {
		return err
	}
	if got != 1 {
		return fmt.Errorf("store: GET_LOCK(%q) timed out", name)
	}
	*mtx.lockNames = append(*mtx.lockNames, name)
	return nil
}

func (m *MySQL) TrySweepLock(ctx context.Context, sweepType string) (bool, func(context.Context) error, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, nil, err
	}
	name := fmt.Sprintf("revgraph-sweep:%s", sweepType)
	var got int
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name).Scan(&got); err != nil {
		_ = conn.Close()
		return false, nil, err
	}
	if got != 1 {
		_ = conn.Close()
		return false, nil, nil
	}
	release := func(ctx context.Context) error {
		defer conn.Close()
		_, err := conn.ExecContext(ctx, `SELECT RELEASE_LOCK(?)`, name)
		return err
	}
	return true, release, nil
}

func (m *MySQL) CreateExecution(ctx context.Context, graphName, graphVersion string, nodes []NodeSeed) (Execution, error) {
	var ex Execution
	err := m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
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
				`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state, computed_with, error_details)
				 VALUES (?, ?, ?, 1, ?, 'not_set', '{}', '')`,
				fmt.Sprintf("%s-%s-1", id, n.Name), id, n.Name, string(n.Type),
			); err != nil {
				return err
			}
		}
		return nil
	})
	return ex, err
}

func (m *MySQL) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	var ex Execution
	err := m.db.QueryRowContext(ctx,
		`SELECT id, graph_name, graph_version, revision, inserted_at, updated_at, archived_at FROM executions WHERE id = ?`,
		executionID,
	).Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.Revision, &ex.InsertedAt, &ex.UpdatedAt, &ex.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	return ex, err
}

func (m *MySQL) setOrUnset(ctx context.Context, executionID, nodeName string, value RawValue, unset bool) (SetValueResult, error) {
	var result SetValueResult
	err := m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
		var curValue string
		var curSetTime sql.NullTime
		if err := tx.QueryRowContext(ctx, `SELECT node_value, set_time FROM values_tbl WHERE execution_id=? AND node_name=? FOR UPDATE`,
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
			ex, err := m.getExecutionTx(ctx, tx, executionID)
			result = SetValueResult{Execution: ex, Changed: false}
			return err
		}

		rev, err := m.IncrementRevisionInTx(ctx, txh, executionID)
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
		if err := m.touchLastUpdated(ctx, tx, executionID, rev); err != nil {
			return err
		}
		ex, err := m.getExecutionTx(ctx, tx, executionID)
		result = SetValueResult{Execution: ex, Changed: true}
		return err
	})
	return result, err
}

func (m *MySQL) touchLastUpdated(ctx context.Context, tx *sql.Tx, executionID string, rev int64) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx,
		`UPDATE values_tbl SET node_value=?, set_time=?, ex_revision=?, updated_at=? WHERE execution_id=? AND node_name='last_updated_at'`,
		fmt.Sprintf("%d", now.Unix()), now, rev, now, executionID,
	)
	return err
}

func (m *MySQL) getExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) (Execution, error) {
	var ex Execution
	err := tx.QueryRowContext(ctx,
		`SELECT id, graph_name, graph_version, revision, inserted_at, updated_at, archived_at FROM executions WHERE id=?`,
		executionID,
	).Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.Revision, &ex.InsertedAt, &ex.UpdatedAt, &ex.ArchivedAt)
	return ex, err
}

func (m *MySQL) SetValue(ctx context.Context, executionID, nodeName string, value RawValue) (SetValueResult, error) {
	return m.setOrUnset(ctx, executionID, nodeName, value, false)
}

func (m *MySQL) UnsetValue(ctx context.Context, executionID, nodeName string) (SetValueResult, error) {
	return m.setOrUnset(ctx, executionID, nodeName, nil, true)
}

type mysqlScannable interface {
	Scan(dest ...any) error
}

func (m *MySQL) scanValue(row mysqlScannable) (Value, error) {
	var v Value
	var nodeValue string
	err := row.Scan(&v.ExecutionID, &v.NodeName, &v.NodeType, &nodeValue, &v.SetTime, &v.ExRevision, &v.InsertedAt, &v.UpdatedAt)
	v.NodeValue = RawValue(nodeValue)
	return v, err
}

func (m *MySQL) GetValue(ctx context.Context, executionID, nodeName string) (Value, error) {
	v, err := m.scanValue(m.db.QueryRowContext(ctx,
		`SELECT execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at
		 FROM values_tbl WHERE execution_id=? AND node_name=?`, executionID, nodeName))
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, ErrNotFound
	}
	return v, err
}

func (m *MySQL) Values(ctx context.Context, executionID string) (map[string]Value, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at
		 FROM values_tbl WHERE execution_id=?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Value)
	for rows.Next() {
		v, err := m.scanValue(rows)
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

func (m *MySQL) ClaimReady(ctx context.Context, executionID string, types []NodeType, ready func(map[string]Value, Computation) (map[string]int64, time.Duration, bool)) ([]Computation, error) {
	var claimed []Computation
	err := m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
		placeholders := ""
		args := make([]any, 0, len(types)+1)
		args = append(args, executionID)
		for i, t := range types {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(t))
		}
		q := fmt.Sprintf(`SELECT id, execution_id, node_name, attempt, computation_type, state
			FROM computations WHERE execution_id=? AND state='not_set' AND computation_type IN (%s) FOR UPDATE`, placeholders)
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

		values, err := m.valuesInTx(ctx, tx, executionID)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			met, abandonAfter, isReady := ready(values, c)
			if !isReady {
				continue
			}
			rev, err := m.IncrementRevisionInTx(ctx, txh, executionID)
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

func (m *MySQL) valuesInTx(ctx context.Context, tx *sql.Tx, executionID string) (map[string]Value, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT execution_id, node_name, node_type, node_value, set_time, ex_revision, inserted_at, updated_at
		 FROM values_tbl WHERE execution_id=?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Value)
	for rows.Next() {
		v, err := m.scanValue(rows)
		if err != nil {
			return nil, err
		}
		out[v.NodeName] = v
	}
	return out, rows.Err()
}

func (m *MySQL) InsertComputationIfAbsent(ctx context.Context, executionID, nodeName string, compType NodeType, priorExRevisionAtStart int64) (bool, error) {
	var inserted bool
	err := m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
		var blocking int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM computations WHERE execution_id=? AND node_name=?
			 AND (state IN ('not_set','computing') OR (state='success' AND ex_revision_at_start > ?)) FOR UPDATE`,
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
			`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state, computed_with, error_details)
			 VALUES (?, ?, ?, ?, ?, 'not_set', '{}', '')`,
			fmt.Sprintf("%s-%s-%d", executionID, nodeName, nextAttempt), executionID, nodeName, nextAttempt, string(compType),
		); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (m *MySQL) LatestSuccess(ctx context.Context, executionID string) (map[string]Computation, error) {
	rows, err := m.db.QueryContext(ctx,
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
		c, err := m.scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out[c.NodeName] = c
	}
	return out, rows.Err()
}

func (m *MySQL) scanComputation(row mysqlScannable) (Computation, error) {
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

func (m *MySQL) RecordSuccess(ctx context.Context, computationID string, write ValueWrite) (bool, error) {
	var applied bool
	err := m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
		var executionID, nodeName string
		var compType NodeType
		var state ComputationState
		if err := tx.QueryRowContext(ctx, `SELECT execution_id, node_name, computation_type, state FROM computations WHERE id=? FOR UPDATE`,
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
		if err := m.applyWriteRule(ctx, tx, txh, executionID, nodeName, compType, write); err != nil {
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

func (m *MySQL) applyWriteRule(ctx context.Context, tx *sql.Tx, txh Tx, executionID, nodeName string, compType NodeType, write ValueWrite) error {
	switch compType {
	case NodeCompute:
		return m.writeIfChanged(ctx, tx, txh, executionID, nodeName, write.Value)
	case NodeMutate:
		marker, err := json.Marshal(fmt.Sprintf("updated %s", write.MutateTarget))
		if err != nil {
			return err
		}
		if err := m.writeUnconditional(ctx, tx, txh, executionID, nodeName, RawValue(marker)); err != nil {
			return err
		}
		if write.UpdateRevisionOnChange {
			return m.writeIfChanged(ctx, tx, txh, executionID, write.MutateTarget, write.Value)
		}
		_, err := tx.ExecContext(ctx, `UPDATE values_tbl SET node_value=?, set_time=?, updated_at=? WHERE execution_id=? AND node_name=?`,
			string(write.Value), time.Now(), time.Now(), executionID, write.MutateTarget)
		return err
	case NodeHistorian:
		return m.writeUnconditional(ctx, tx, txh, executionID, nodeName, truncateHistorian(write.Value, write.MaxEntries))
	default:
		if err := m.writeUnconditional(ctx, tx, txh, executionID, nodeName, write.Value); err != nil {
			return err
		}
		if compType == NodeArchive {
			_, err := tx.ExecContext(ctx, `UPDATE executions SET archived_at=? WHERE id=?`, time.Now(), executionID)
			return err
		}
		return nil
	}
}

func (m *MySQL) writeIfChanged(ctx context.Context, tx *sql.Tx, txh Tx, executionID, nodeName string, value RawValue) error {
	var cur string
	var set sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT node_value, set_time FROM values_tbl WHERE execution_id=? AND node_name=? FOR UPDATE`,
		executionID, nodeName).Scan(&cur, &set); err != nil {
		return err
	}
	if set.Valid && cur == string(value) {
		return nil
	}
	return m.writeUnconditional(ctx, tx, txh, executionID, nodeName, value)
}

func (m *MySQL) writeUnconditional(ctx context.Context, tx *sql.Tx, txh Tx, executionID, nodeName string, value RawValue) error {
	rev, err := m.IncrementRevisionInTx(ctx, txh, executionID)
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
	return m.touchLastUpdated(ctx, tx, executionID, rev)
}

func (m *MySQL) RecordFailure(ctx context.Context, computationID, reason string, retry RetryDecision) error {
	return m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
		var executionID, nodeName string
		if err := tx.QueryRowContext(ctx, `SELECT execution_id, node_name FROM computations WHERE id=? FOR UPDATE`, computationID).
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
			`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state, computed_with, error_details)
			 VALUES (?, ?, ?, ?, ?, 'not_set', '{}', '')`,
			fmt.Sprintf("%s-%s-%d", executionID, nodeName, nextAttempt), executionID, nodeName, nextAttempt, string(retry.NodeType),
		)
		return err
	})
}

func (m *MySQL) ClearCompute(ctx context.Context, executionID, nodeName string) error {
	return m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
		rev, err := m.IncrementRevisionInTx(ctx, txh, executionID)
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
		if err := m.touchLastUpdated(ctx, tx, executionID, rev); err != nil {
			return err
		}
		var nextAttempt int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM computations WHERE execution_id=? AND node_name=?`,
			executionID, nodeName).Scan(&nextAttempt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO computations (id, execution_id, node_name, attempt, computation_type, state, computed_with, error_details)
			 VALUES (?, ?, ?, ?, 'compute', 'not_set', '{}', '')`,
			fmt.Sprintf("%s-%s-%d", executionID, nodeName, nextAttempt), executionID, nodeName, nextAttempt,
		)
		return err
	})
}

func (m *MySQL) Computations(ctx context.Context, executionID, nodeName string) ([]Computation, error) {
	rows, err := m.db.QueryContext(ctx,
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
		c, err := m.scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (m *MySQL) AllComputations(ctx context.Context, executionID string) ([]Computation, error) {
	rows, err := m.db.QueryContext(ctx,
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
		c, err := m.scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (m *MySQL) MarkAbandoned(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
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
	if _, err := m.db.ExecContext(ctx,
		`UPDATE computations SET state='abandoned', completion_time=? WHERE state='computing' AND COALESCE(heartbeat_deadline, deadline) < ?`,
		now, now,
	); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *MySQL) Heartbeat(ctx context.Context, computationID string, now time.Time, interval, timeout, buffer time.Duration) (bool, ComputationState, error) {
	hbDeadline := now.Add(timeout)
	var applied bool
	var state ComputationState
	err := m.WithTx(ctx, func(ctx context.Context, txh Tx) error {
		tx := m.txOf(txh)
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
		if err := tx.QueryRowContext(ctx, `SELECT state, deadline FROM computations WHERE id=? FOR UPDATE`, computationID).
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

func (m *MySQL) ArchiveExecution(ctx context.Context, executionID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE executions SET archived_at=? WHERE id=?`, time.Now(), executionID)
	return err
}

func (m *MySQL) UnarchiveExecution(ctx context.Context, executionID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE executions SET archived_at=NULL WHERE id=?`, executionID)
	return err
}

func (m *MySQL) ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error) {
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

	rows, err := m.db.QueryContext(ctx, q, args...)
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

func (m *MySQL) InsertSweepRun(ctx context.Context, sweepType string, startedAt time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, `INSERT INTO sweep_runs (sweep_type, started_at) VALUES (?, ?)`, sweepType, startedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (m *MySQL) CompleteSweepRun(ctx context.Context, id int64, completedAt time.Time, processed int) error {
	_, err := m.db.ExecContext(ctx, `UPDATE sweep_runs SET completed_at=?, executions_processed=? WHERE id=?`, completedAt, processed, id)
	return err
}

func (m *MySQL) LastSweepRun(ctx context.Context, sweepType string) (SweepRun, error) {
	var r SweepRun
	err := m.db.QueryRowContext(ctx,
		`SELECT id, sweep_type, started_at, completed_at, executions_processed FROM sweep_runs
		 WHERE sweep_type=? ORDER BY started_at DESC LIMIT 1`, sweepType,
	).Scan(&r.ID, &r.SweepType, &r.StartedAt, &r.CompletedAt, &r.ExecutionsProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return SweepRun{}, ErrNotFound
	}
	return r, err
}

func (m *MySQL) ExecutionsUpdatedSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	return m.queryIDs(ctx, `SELECT id FROM executions WHERE archived_at IS NULL AND updated_at >= ?`, cutoff)
}

func (m *MySQL) ExecutionsWithSchedulePulseIn(ctx context.Context, windowStart, windowEnd time.Time, nodeType NodeType) ([]string, error) {
	return m.queryIDs(ctx,
		`SELECT DISTINCT v.execution_id FROM values_tbl v JOIN executions e ON e.id = v.execution_id
		 WHERE e.archived_at IS NULL AND v.node_type=? AND v.set_time IS NOT NULL
		   AND CAST(v.node_value AS SIGNED) >= ? AND CAST(v.node_value AS SIGNED) < ?`,
		string(nodeType), windowStart.Unix(), windowEnd.Unix())
}

func (m *MySQL) ExecutionsStalledSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	return m.queryIDs(ctx,
		`SELECT DISTINCT e.id FROM executions e JOIN computations c ON c.execution_id = e.id
		 WHERE e.archived_at IS NULL AND e.updated_at < ? AND c.state = 'not_set'`, cutoff)
}

func (m *MySQL) queryIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
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
