package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"arb-trader/internal/store"
	"arb-trader/internal/venue"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS arb_positions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			symbol TEXT NOT NULL,
			left_venue TEXT NOT NULL,
			right_venue TEXT NOT NULL,
			left_side TEXT NOT NULL,
			right_side TEXT NOT NULL,
			notional REAL NOT NULL,
			leverage_left REAL NOT NULL,
			leverage_right REAL NOT NULL,
			status TEXT NOT NULL,
			opened_at INTEGER,
			closed_at INTEGER,
			options TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_arb_positions_status ON arb_positions(status)`,
		`CREATE TABLE IF NOT EXISTS risk_tasks (
			id TEXT PRIMARY KEY,
			arb_position_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			threshold_pct REAL,
			execute_at INTEGER,
			triggered_at INTEGER,
			status TEXT NOT NULL,
			trigger_reason TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_tasks_status ON risk_tasks(task_type, status)`,
		`CREATE TABLE IF NOT EXISTS order_logs (
			id TEXT PRIMARY KEY,
			arb_position_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			size REAL NOT NULL,
			reduce_only INTEGER NOT NULL,
			request_payload TEXT,
			response_payload TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_logs_position ON order_logs(arb_position_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreatePositionWithTasks(ctx context.Context, pos *store.ArbPosition, tasks []*store.RiskTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	options, err := json.Marshal(pos.Options)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO arb_positions
			(id, owner, symbol, left_venue, right_venue, left_side, right_side,
			 notional, leverage_left, leverage_right, status, opened_at, closed_at,
			 options, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID.String(), pos.Owner, pos.Symbol, pos.LeftVenue, pos.RightVenue,
		string(pos.LeftSide), string(pos.RightSide), pos.Notional,
		pos.LeverageLeft, pos.LeverageRight, string(pos.Status),
		msPtr(pos.OpenedAt), msPtr(pos.ClosedAt), string(options),
		pos.CreatedAt.UnixMilli(), pos.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_tasks
				(id, arb_position_id, task_type, enabled, threshold_pct, execute_at,
				 triggered_at, status, trigger_reason, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID.String(), task.ArbPositionID.String(), string(task.Type),
			boolInt(task.Enabled), task.ThresholdPct, msPtr(task.ExecuteAt),
			msPtr(task.TriggeredAt), string(task.Status), task.TriggerReason,
			task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const positionColumns = `id, owner, symbol, left_venue, right_venue, left_side, right_side,
	notional, leverage_left, leverage_right, status, opened_at, closed_at,
	options, created_at, updated_at, deleted_at`

func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (*store.ArbPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM arb_positions WHERE id = ? AND deleted_at IS NULL`,
		id.String())
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return pos, err
}

func (s *Store) PositionsByStatus(ctx context.Context, statuses ...store.PositionStatus) ([]*store.ArbPosition, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM arb_positions
		 WHERE status IN (`+placeholders+`) AND deleted_at IS NULL
		 ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ArbPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePositionStatus(ctx context.Context, id uuid.UUID, status store.PositionStatus, closedAt *time.Time) error {
	return s.updateStatus(ctx, s.db, id, status, closedAt)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Terminal statuses are immutable: the guard lives in the WHERE clause
// so concurrent writers cannot revive a closed or failed position.
func (s *Store) updateStatus(ctx context.Context, db querier, id uuid.UUID, status store.PositionStatus, closedAt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid position status %q", status)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE arb_positions
		 SET status = ?, updated_at = ?,
		     closed_at = CASE WHEN ? IS NULL THEN closed_at ELSE ? END
		 WHERE id = ? AND deleted_at IS NULL
		   AND status NOT IN (?, ?)`,
		string(status), time.Now().UnixMilli(), msPtr(closedAt), msPtr(closedAt),
		id.String(), string(store.PositionClosed), string(store.PositionFailed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The existence check must run on the same connection as the
		// UPDATE: inside CommitLegResults db is the open transaction.
		var one int
		err := db.QueryRowContext(ctx,
			`SELECT 1 FROM arb_positions WHERE id = ? AND deleted_at IS NULL`,
			id.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrTerminalStatus
	}
	return nil
}

func (s *Store) SoftDeletePosition(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE arb_positions SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CommitLegResults writes the flow's order logs and the resulting
// status in one transaction, logs first.
func (s *Store) CommitLegResults(ctx context.Context, positionID uuid.UUID, status store.PositionStatus, closedAt *time.Time, logs []*store.OrderLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, log := range logs {
		if err := insertOrderLog(ctx, tx, log); err != nil {
			return err
		}
	}
	if err := s.updateStatus(ctx, tx, positionID, status, closedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AppendOrderLogs(ctx context.Context, logs []*store.OrderLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, log := range logs {
		if err := insertOrderLog(ctx, tx, log); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertOrderLog(ctx context.Context, tx *sql.Tx, log *store.OrderLog) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_logs
			(id, arb_position_id, venue, side, price, size, reduce_only,
			 request_payload, response_payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID.String(), log.ArbPositionID.String(), log.Venue, string(log.Side),
		log.Price, log.Size, boolInt(log.ReduceOnly),
		log.RequestPayload, log.ResponsePayload, string(log.Status),
		log.CreatedAt.UnixMilli(), log.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) OrderLogsByPosition(ctx context.Context, positionID uuid.UUID) ([]*store.OrderLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, arb_position_id, venue, side, price, size, reduce_only,
		        request_payload, response_payload, status, created_at, updated_at, deleted_at
		 FROM order_logs WHERE arb_position_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id`, positionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.OrderLog
	for rows.Next() {
		var (
			log                    store.OrderLog
			idStr, posStr, side    string
			reduceOnly             int64
			createdMs, updatedMs   int64
			deletedMs              sql.NullInt64
			reqPayload, resPayload sql.NullString
			status                 string
		)
		if err := rows.Scan(&idStr, &posStr, &log.Venue, &side, &log.Price, &log.Size,
			&reduceOnly, &reqPayload, &resPayload, &status,
			&createdMs, &updatedMs, &deletedMs); err != nil {
			return nil, err
		}
		if log.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if log.ArbPositionID, err = uuid.Parse(posStr); err != nil {
			return nil, err
		}
		log.Side = venue.Side(side)
		log.ReduceOnly = reduceOnly != 0
		log.RequestPayload = reqPayload.String
		log.ResponsePayload = resPayload.String
		log.Status = store.OrderStatus(status)
		log.CreatedAt = time.UnixMilli(createdMs).UTC()
		log.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		log.DeletedAt = nullMs(deletedMs)
		out = append(out, &log)
	}
	return out, rows.Err()
}

const taskColumns = `id, arb_position_id, task_type, enabled, threshold_pct, execute_at,
	triggered_at, status, trigger_reason, created_at, updated_at, deleted_at`

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*store.RiskTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM risk_tasks WHERE id = ? AND deleted_at IS NULL`,
		id.String())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return task, err
}

func (s *Store) TasksByPosition(ctx context.Context, positionID uuid.UUID) ([]*store.RiskTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM risk_tasks
		 WHERE arb_position_id = ? AND deleted_at IS NULL ORDER BY created_at`,
		positionID.String())
}

func (s *Store) DueTasks(ctx context.Context, taskType store.TaskType, now time.Time) ([]*store.RiskTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM risk_tasks
		 WHERE task_type = ? AND enabled = 1 AND status = ?
		   AND execute_at IS NOT NULL AND execute_at <= ?
		   AND deleted_at IS NULL
		 ORDER BY execute_at`,
		string(taskType), string(store.TaskPending), now.UnixMilli())
}

func (s *Store) PendingTasks(ctx context.Context, taskType store.TaskType) ([]*store.RiskTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM risk_tasks
		 WHERE task_type = ? AND enabled = 1 AND status = ? AND deleted_at IS NULL
		 ORDER BY created_at`,
		string(taskType), string(store.TaskPending))
}

// ResolveTask moves a task out of pending exactly once; a second
// resolution reports ErrTaskNotPending.
func (s *Store) ResolveTask(ctx context.Context, id uuid.UUID, status store.TaskStatus, reason string, triggeredAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE risk_tasks
		 SET status = ?, trigger_reason = ?, triggered_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(status), reason, triggeredAt.UnixMilli(), time.Now().UnixMilli(),
		id.String(), string(store.TaskPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return store.ErrTaskNotPending
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*store.RiskTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.RiskTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*store.ArbPosition, error) {
	var (
		pos                              store.ArbPosition
		idStr, leftSide, rightSide       string
		status                           string
		openedMs, closedMs, deletedMs    sql.NullInt64
		options                          sql.NullString
		createdMs, updatedMs             int64
	)
	err := row.Scan(&idStr, &pos.Owner, &pos.Symbol, &pos.LeftVenue, &pos.RightVenue,
		&leftSide, &rightSide, &pos.Notional, &pos.LeverageLeft, &pos.LeverageRight,
		&status, &openedMs, &closedMs, &options, &createdMs, &updatedMs, &deletedMs)
	if err != nil {
		return nil, err
	}
	if pos.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	pos.LeftSide = venue.Side(leftSide)
	pos.RightSide = venue.Side(rightSide)
	pos.Status = store.PositionStatus(status)
	pos.OpenedAt = nullMs(openedMs)
	pos.ClosedAt = nullMs(closedMs)
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &pos.Options); err != nil {
			return nil, err
		}
	}
	pos.CreatedAt = time.UnixMilli(createdMs).UTC()
	pos.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	pos.DeletedAt = nullMs(deletedMs)
	return &pos, nil
}

func scanTask(row rowScanner) (*store.RiskTask, error) {
	var (
		task                              store.RiskTask
		idStr, posStr, taskType, status   string
		enabled                           int64
		thresholdPct                      sql.NullFloat64
		executeMs, triggeredMs, deletedMs sql.NullInt64
		reason                            sql.NullString
		createdMs, updatedMs              int64
	)
	err := row.Scan(&idStr, &posStr, &taskType, &enabled, &thresholdPct, &executeMs,
		&triggeredMs, &status, &reason, &createdMs, &updatedMs, &deletedMs)
	if err != nil {
		return nil, err
	}
	if task.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if task.ArbPositionID, err = uuid.Parse(posStr); err != nil {
		return nil, err
	}
	task.Type = store.TaskType(taskType)
	task.Enabled = enabled != 0
	task.ThresholdPct = thresholdPct.Float64
	task.ExecuteAt = nullMs(executeMs)
	task.TriggeredAt = nullMs(triggeredMs)
	task.Status = store.TaskStatus(status)
	task.TriggerReason = reason.String
	task.CreatedAt = time.UnixMilli(createdMs).UTC()
	task.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	task.DeletedAt = nullMs(deletedMs)
	return &task, nil
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
