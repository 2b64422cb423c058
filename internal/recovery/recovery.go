package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"jobrelay/internal/domain"
	"jobrelay/internal/orchestrator"
	"jobrelay/internal/scheduler"
	"jobrelay/internal/store"
)

// Manager reconciles persisted job state against wall-clock time once at
// startup, before any requests are accepted. Records caught mid-run by a
// crash are cancelled (their outcome is unknowable); scheduled records whose
// due time has passed are cancelled; the rest are re-armed for their
// remaining delay. The pass is all-or-nothing: any store error aborts it and
// the process must not start serving.
type Manager struct {
	repo   store.Repository
	sched  *scheduler.Scheduler
	engine *orchestrator.Engine
}

func New(repo store.Repository, sched *scheduler.Scheduler, engine *orchestrator.Engine) *Manager {
	return &Manager{repo: repo, sched: sched, engine: engine}
}

func (m *Manager) Run(ctx context.Context) error {
	now := time.Now()
	var cancelled, rearmed int

	running, err := m.repo.TasksInStatus(ctx, domain.TaskRunning)
	if err != nil {
		return fmt.Errorf("recovery: load running tasks: %w", err)
	}
	for _, t := range running {
		if _, err := m.repo.TransitionTask(ctx, t.ID, domain.TaskRunning, domain.TaskCancelled); err != nil {
			return fmt.Errorf("recovery: cancel running task %s: %w", t.ID, err)
		}
		cancelled++
	}

	scheduled, err := m.repo.TasksInStatus(ctx, domain.TaskScheduled)
	if err != nil {
		return fmt.Errorf("recovery: load scheduled tasks: %w", err)
	}
	for _, t := range scheduled {
		if !t.DueAt().After(now) {
			if _, err := m.repo.TransitionTask(ctx, t.ID, domain.TaskScheduled, domain.TaskCancelled); err != nil {
				return fmt.Errorf("recovery: cancel overdue task %s: %w", t.ID, err)
			}
			cancelled++
			continue
		}
		m.sched.Resume(t)
		rearmed++
	}

	runningOrcs, err := m.repo.OrchestrationsInStatus(ctx, domain.OrcRunning)
	if err != nil {
		return fmt.Errorf("recovery: load running orchestrations: %w", err)
	}
	for _, o := range runningOrcs {
		if _, err := m.repo.TransitionOrchestration(ctx, o.ID, domain.OrcRunning, domain.OrcCancelled); err != nil {
			return fmt.Errorf("recovery: cancel running orchestration %s: %w", o.ID, err)
		}
		cancelled++
	}

	scheduledOrcs, err := m.repo.OrchestrationsInStatus(ctx, domain.OrcScheduled)
	if err != nil {
		return fmt.Errorf("recovery: load scheduled orchestrations: %w", err)
	}
	for _, o := range scheduledOrcs {
		if !o.DueAt().After(now) {
			if _, err := m.repo.TransitionOrchestration(ctx, o.ID, domain.OrcScheduled, domain.OrcCancelled); err != nil {
				return fmt.Errorf("recovery: cancel overdue orchestration %s: %w", o.ID, err)
			}
			cancelled++
			continue
		}
		m.engine.Resume(o)
		rearmed++
	}

	log.Info().Int("cancelled", cancelled).Int("rearmed", rearmed).Msg("recovery pass complete")
	return nil
}
