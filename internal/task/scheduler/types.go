package scheduler

import (
	"context"
	"errors"
	"time"

	logx "smmpulse/pkg/logx"
)

var (
	ErrUnknownJob     = errors.New("scheduler: unknown job")
	ErrAlreadyRunning = errors.New("scheduler: job already running")
	ErrStopped        = errors.New("scheduler: stopped")
	ErrDuplicateJob   = errors.New("scheduler: job already registered")
)

// Config controls the scheduler service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Kyiv"

	// StopTimeout bounds how long Stop waits for running jobs. Default 10s.
	StopTimeout time.Duration
	// Tick is the trigger evaluation period. Default 1s.
	Tick time.Duration
	// HistorySize is the number of finished runs kept for listings. Default 50.
	HistorySize int
}

// Result is what a task reports about its run. Fields go into the
// completion log line.
type Result struct {
	Summary string
	Fields  []logx.Field
}

type Task func(ctx context.Context) (Result, error)

// Job is a named unit of scheduled work.
type Job struct {
	ID      string
	Trigger Trigger
	Task    Task
	// Timeout bounds one run. 0 means no limit besides Stop.
	Timeout time.Duration
	Paused  bool
}

type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	ID           string
	Trigger      string
	State        State
	Paused       bool
	NextRun      time.Time
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
	LastSummary  string
	Runs         uint64
	Failures     uint64
	Skips        uint64
}

// HistoryItem records one finished run.
type HistoryItem struct {
	RunID    string
	JobID    string
	Manual   bool
	Started  time.Time
	Duration time.Duration
	Summary  string
	Error    string
}

// Event types published on the bus.
const (
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobSkipped   = "job.skipped"
)

// JobEvent is the Data of every job event.
type JobEvent struct {
	RunID    string        `json:"run_id"`
	JobID    string        `json:"job_id"`
	Manual   bool          `json:"manual"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Summary  string        `json:"summary,omitempty"`
	Error    string        `json:"error,omitempty"`
}
