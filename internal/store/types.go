package store

import (
	"time"

	"arb-trader/internal/venue"

	"github.com/google/uuid"
)

type PositionStatus string

const (
	PositionIdle            PositionStatus = "idle"
	PositionPending         PositionStatus = "pending"
	PositionPartiallyFilled PositionStatus = "partially_filled"
	PositionHedged          PositionStatus = "hedged"
	PositionExiting         PositionStatus = "exiting"
	PositionClosed          PositionStatus = "closed"
	PositionFailed          PositionStatus = "failed"
)

// Terminal statuses never change again; no guard may act on them.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

func (s PositionStatus) Valid() bool {
	switch s {
	case PositionIdle, PositionPending, PositionPartiallyFilled, PositionHedged,
		PositionExiting, PositionClosed, PositionFailed:
		return true
	}
	return false
}

type TaskType string

const (
	TaskAutoClose        TaskType = "auto_close"
	TaskLiquidationGuard TaskType = "liquidation_guard"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskTriggered TaskStatus = "triggered"
	TaskCanceled  TaskStatus = "canceled"
	TaskFailed    TaskStatus = "failed"
)

type OrderStatus string

const (
	OrderSent     OrderStatus = "sent"
	OrderAccepted OrderStatus = "accepted"
	OrderRejected OrderStatus = "rejected"
	OrderFailed   OrderStatus = "failed"
)

// PositionOptions is persisted as a JSON blob alongside the position.
type PositionOptions struct {
	AvoidAdverseSpread           bool    `json:"avoid_adverse_spread"`
	AutoCloseAfterMs             int64   `json:"auto_close_after_ms,omitempty"`
	LiquidationGuardEnabled      bool    `json:"liquidation_guard_enabled"`
	LiquidationGuardThresholdPct float64 `json:"liquidation_guard_threshold_pct,omitempty"`
}

// ArbPosition is one cross-venue hedge tracked as a single logical
// position.
type ArbPosition struct {
	ID            uuid.UUID
	Owner         string
	Symbol        string
	LeftVenue     string
	RightVenue    string
	LeftSide      venue.Side
	RightSide     venue.Side
	Notional      float64
	LeverageLeft  float64
	LeverageRight float64
	Status        PositionStatus
	OpenedAt      *time.Time
	ClosedAt      *time.Time
	Options       PositionOptions
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// RiskTask is one guard's trigger record for a position. Status leaves
// pending exactly once.
type RiskTask struct {
	ID            uuid.UUID
	ArbPositionID uuid.UUID
	Type          TaskType
	Enabled       bool
	ThresholdPct  float64
	ExecuteAt     *time.Time
	TriggeredAt   *time.Time
	Status        TaskStatus
	TriggerReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// OrderLog is one per-leg order attempt. Append-only; never mutated
// after creation.
type OrderLog struct {
	ID              uuid.UUID
	ArbPositionID   uuid.UUID
	Venue           string
	Side            venue.Side
	Price           float64
	Size            float64
	ReduceOnly      bool
	RequestPayload  string
	ResponsePayload string
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}
