package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrTerminalStatus rejects status writes against closed or
	// failed positions.
	ErrTerminalStatus = errors.New("position status is terminal")

	// ErrTaskNotPending rejects a second resolution of a risk task.
	ErrTaskNotPending = errors.New("risk task is not pending")
)

// Store is the persistence contract for positions, risk tasks, and the
// order ledger. Writes within one call are atomic; CommitLegResults
// makes order logs durable before the status transition lands.
type Store interface {
	CreatePositionWithTasks(ctx context.Context, pos *ArbPosition, tasks []*RiskTask) error
	GetPosition(ctx context.Context, id uuid.UUID) (*ArbPosition, error)
	PositionsByStatus(ctx context.Context, statuses ...PositionStatus) ([]*ArbPosition, error)
	UpdatePositionStatus(ctx context.Context, id uuid.UUID, status PositionStatus, closedAt *time.Time) error
	SoftDeletePosition(ctx context.Context, id uuid.UUID) error

	CommitLegResults(ctx context.Context, positionID uuid.UUID, status PositionStatus, closedAt *time.Time, logs []*OrderLog) error
	AppendOrderLogs(ctx context.Context, logs []*OrderLog) error
	OrderLogsByPosition(ctx context.Context, positionID uuid.UUID) ([]*OrderLog, error)

	GetTask(ctx context.Context, id uuid.UUID) (*RiskTask, error)
	TasksByPosition(ctx context.Context, positionID uuid.UUID) ([]*RiskTask, error)
	DueTasks(ctx context.Context, taskType TaskType, now time.Time) ([]*RiskTask, error)
	PendingTasks(ctx context.Context, taskType TaskType) ([]*RiskTask, error)
	ResolveTask(ctx context.Context, id uuid.UUID, status TaskStatus, reason string, triggeredAt time.Time) error

	Close() error
}
