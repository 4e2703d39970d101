// Package domain defines the core types shared across the analytics
// platform: runs, stage progress, activity log entries, positions, and
// portfolio snapshots.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

// RunStatus is the lifecycle state of an analytics run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartial || s == RunFailed
}

// Trigger identifies what initiated a run.
type Trigger string

const (
	TriggerScheduled  Trigger = "scheduled"
	TriggerAdmin      Trigger = "admin"
	TriggerOnboarding Trigger = "onboarding"
	TriggerUser       Trigger = "user"
)

// ScopeGlobal is the scope value for a run covering every portfolio.
const ScopeGlobal = "global"

// Run is the unit of orchestration. It is created by the orchestrator at
// invocation start; the orchestrator is the only writer of its status.
type Run struct {
	ID          string
	Trigger     Trigger
	Scope       string // ScopeGlobal or a portfolio ID
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	StageCount  int
	Processed   int // work items processed successfully
	Failed      int // work items that errored
	Unavailable int // symbols the data provider could not supply
}

// Global reports whether the run covers all portfolios.
func (r *Run) Global() bool { return r.Scope == ScopeGlobal }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// ---------------------------------------------------------------------------
// Stage progress
// ---------------------------------------------------------------------------

// StageStatus is the lifecycle state of a single pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageProgress tracks one stage of one run. Written only by the stage
// executing it; immutable once the stage finishes.
type StageProgress struct {
	ID       string
	Name     string
	Status   StageStatus
	Current  int
	Total    int
	Unit     string // "symbols", "dates", "positions", "portfolios"
	Duration time.Duration
}

// ---------------------------------------------------------------------------
// Activity log
// ---------------------------------------------------------------------------

// LogLevel is the severity of an activity log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one line of a run's activity log.
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Message string
}

// ---------------------------------------------------------------------------
// Portfolio data
// ---------------------------------------------------------------------------

// Position is a single holding of a portfolio.
type Position struct {
	PortfolioID string
	Symbol      string
	Quantity    decimal.Decimal
	CostBasis   decimal.Decimal // total cost, not per share
	EntryDate   time.Time
}

// Snapshot is the durable per-portfolio daily valuation. The latest snapshot
// date per portfolio is the watermark the backfill planner reads.
type Snapshot struct {
	PortfolioID string
	Date        time.Time
	MarketValue float64
	Positions   int
}

// Bar is a single daily OHLCV price observation from the data provider.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	VWAP      float64
}

// Asset is reference data for one tradable symbol.
type Asset struct {
	Symbol   string
	Name     string
	Exchange string
	Class    string
	Tradable bool
}

// ---------------------------------------------------------------------------
// Run history
// ---------------------------------------------------------------------------

// RunDay is the durable audit record for one processed trading date.
// Exactly one row exists per date; re-runs upsert in place.
type RunDay struct {
	Date        time.Time
	RunID       string
	Trigger     Trigger
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Processed   int
	Failed      int
}
