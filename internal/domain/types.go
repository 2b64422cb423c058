package domain

import (
	"errors"
	"time"
)

// DefaultTitle is stored when a request omits the title.
const DefaultTitle = "#No Title"

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidDelay = errors.New("delay must be non-negative")
	ErrMissingURL   = errors.New("target URL is required")
	ErrNotScheduled = errors.New("record is not in scheduled state")
	ErrNotOwner     = errors.New("caller does not own this record")
)

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s is one of the closed task status values.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskScheduled, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is a single deferred HTTP call.
type Task struct {
	ID             string
	Title          string
	URL            string
	DelayMS        int64
	Status         TaskStatus
	Creator        string
	ResponseStatus *int // nil when the target was never reached
	ResponseBody   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DueAt is the absolute instant the task should fire.
func (t Task) DueAt() time.Time {
	return t.UpdatedAt.Add(time.Duration(t.DelayMS) * time.Millisecond)
}

type OrchestrationStatus string

const (
	OrcScheduled         OrchestrationStatus = "scheduled"
	OrcRunning           OrchestrationStatus = "running"
	OrcCompletedSecond   OrchestrationStatus = "completed-second"
	OrcCompletedFallback OrchestrationStatus = "completed-fallback"
	OrcFailedFirst       OrchestrationStatus = "failed-first"
	OrcFailedCondition   OrchestrationStatus = "failed-condition"
	OrcFailedSecond      OrchestrationStatus = "failed-second"
	OrcFailedFallback    OrchestrationStatus = "failed-fallback"
	OrcCancelled         OrchestrationStatus = "cancelled"
)

func (s OrchestrationStatus) Terminal() bool {
	switch s {
	case OrcCompletedSecond, OrcCompletedFallback, OrcFailedFirst,
		OrcFailedCondition, OrcFailedSecond, OrcFailedFallback, OrcCancelled:
		return true
	}
	return false
}

// ValidOrchestrationStatus reports whether s is one of the closed
// orchestration status values.
func ValidOrchestrationStatus(s string) bool {
	switch OrchestrationStatus(s) {
	case OrcScheduled, OrcRunning, OrcCompletedSecond, OrcCompletedFallback,
		OrcFailedFirst, OrcFailedCondition, OrcFailedSecond, OrcFailedFallback,
		OrcCancelled:
		return true
	}
	return false
}

// Orchestration is a chained, conditionally branching deferred action:
// first call, delayed condition probe with bounded retries, then either the
// second call (condition succeeded) or the fallback call (retries exhausted).
type Orchestration struct {
	ID                string
	Title             string
	FirstURL          string
	SecondURL         string
	ConditionURL      string
	FallbackURL       string
	InitialDelayMS    int64
	ConditionDelayMS  int64
	RetryBudget       int
	InterRetryDelayMS int64
	Attempts          int
	Status            OrchestrationStatus
	Creator           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DueAt is the absolute instant the first stage should fire.
func (o Orchestration) DueAt() time.Time {
	return o.UpdatedAt.Add(time.Duration(o.InitialDelayMS) * time.Millisecond)
}
