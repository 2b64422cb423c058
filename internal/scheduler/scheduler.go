package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"jobrelay/internal/clock"
	"jobrelay/internal/domain"
	"jobrelay/internal/invoke"
	"jobrelay/internal/locks"
	"jobrelay/internal/store"
)

// Scheduler owns the lifecycle of single-action tasks: schedule, cancel,
// modify, and the run path a fired timer executes. Persisted status is the
// source of truth; the clock table only maps ids to cancellable timers.
type Scheduler struct {
	repo    store.Repository
	clock   *clock.Clock
	invoker *invoke.Invoker
	locks   *locks.Keyed
	wg      sync.WaitGroup
}

func New(repo store.Repository, ck *clock.Clock, inv *invoke.Invoker) *Scheduler {
	return &Scheduler{
		repo:    repo,
		clock:   ck,
		invoker: inv,
		locks:   locks.NewKeyed(),
	}
}

// Schedule validates and persists a new task, then arms its timer. A zero
// delay runs the task inline before returning, so the caller observes a
// settled status; no timer is armed for that case.
func (s *Scheduler) Schedule(ctx context.Context, creator, title, url string, delayMS int64) (domain.Task, error) {
	if url == "" {
		return domain.Task{}, domain.ErrMissingURL
	}
	if delayMS < 0 {
		return domain.Task{}, domain.ErrInvalidDelay
	}

	t, err := s.repo.CreateTask(ctx, domain.Task{
		Title:   title,
		URL:     url,
		DelayMS: delayMS,
		Status:  domain.TaskScheduled,
		Creator: creator,
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", t.ID).Int64("delay_ms", delayMS).Str("creator", creator).Msg("task scheduled")

	if delayMS == 0 {
		s.runDue(t.ID)
		return s.repo.GetTask(ctx, t.ID)
	}
	s.arm(t.ID, t.DueAt())
	return t, nil
}

// Resume re-arms a recovered task for its remaining delay. The recovery pass
// is the only caller.
func (s *Scheduler) Resume(t domain.Task) {
	s.arm(t.ID, t.DueAt())
}

// arm counts the unit of work up front; the clock balances the count through
// either the fired run or the discard path, so Wait never misses a callback
// that fired but has not started yet.
func (s *Scheduler) arm(id string, fireAt time.Time) {
	s.wg.Add(1)
	s.clock.Arm(id, fireAt, func() {
		defer s.wg.Done()
		s.runDue(id)
	}, s.wg.Done)
}

// runDue is the run path: advance scheduled→running, invoke the target, then
// settle on completed or failed with the captured response. A stale fire that
// lost against cancel or modify sees the scheduled→running claim fail and
// backs off without side effects.
func (s *Scheduler) runDue(id string) {
	ctx := context.Background()

	unlock := s.locks.Lock(id)
	ok, err := s.repo.TransitionTask(ctx, id, domain.TaskScheduled, domain.TaskRunning)
	if err != nil {
		unlock()
		log.Error().Err(err).Str("task_id", id).Msg("task run claim failed")
		return
	}
	if !ok {
		unlock()
		return
	}
	t, err := s.repo.GetTask(ctx, id)
	unlock()
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("task reload failed")
		return
	}

	out := s.invoker.Invoke(ctx, t.URL)
	final := domain.TaskFailed
	if out.OK {
		final = domain.TaskCompleted
	}
	if _, err := s.repo.FinishTask(ctx, id, final, out.Status, out.Body); err != nil {
		// The task stays in running; the startup recovery pass reconciles it.
		log.Error().Err(err).Str("task_id", id).Msg("task finish write failed")
		return
	}
	log.Info().Str("task_id", id).Str("status", string(final)).Msg("task finished")
}

// Cancel stops a scheduled task before it fires. Only the creator may cancel,
// and only while the task is still scheduled.
func (s *Scheduler) Cancel(ctx context.Context, id, caller string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if caller != "" && t.Creator != caller {
		return domain.ErrNotOwner
	}
	if t.Status != domain.TaskScheduled {
		return domain.ErrNotScheduled
	}

	s.clock.Cancel(id)
	ok, err := s.repo.TransitionTask(ctx, id, domain.TaskScheduled, domain.TaskCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotScheduled
	}
	log.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

// Modify replaces the delay of a scheduled task, re-basing its due time from
// now. A zero new delay runs the task inline, same as Schedule.
func (s *Scheduler) Modify(ctx context.Context, id, caller string, newDelayMS int64) (domain.Task, error) {
	if newDelayMS < 0 {
		return domain.Task{}, domain.ErrInvalidDelay
	}

	unlock := s.locks.Lock(id)
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		unlock()
		return domain.Task{}, err
	}
	if caller != "" && t.Creator != caller {
		unlock()
		return domain.Task{}, domain.ErrNotOwner
	}
	if t.Status != domain.TaskScheduled {
		unlock()
		return domain.Task{}, domain.ErrNotScheduled
	}

	// A scheduled task with no armed timer already fired; its run is parked
	// on this lock and will win the scheduled->running claim the moment we
	// release it. Rescheduling now would not stop it, so refuse instead.
	if !s.clock.Cancel(id) {
		unlock()
		return domain.Task{}, domain.ErrNotScheduled
	}
	ok, err := s.repo.RescheduleTask(ctx, id, newDelayMS)
	if err != nil {
		unlock()
		return domain.Task{}, err
	}
	if !ok {
		unlock()
		return domain.Task{}, domain.ErrNotScheduled
	}
	log.Info().Str("task_id", id).Int64("delay_ms", newDelayMS).Msg("task rescheduled")

	if newDelayMS == 0 {
		unlock()
		s.runDue(id)
		return s.repo.GetTask(ctx, id)
	}
	// Re-arm before releasing the lock so no observer sees a scheduled task
	// with neither a timer nor a fire in flight.
	t, err = s.repo.GetTask(ctx, id)
	if err != nil {
		unlock()
		return domain.Task{}, err
	}
	s.arm(id, t.DueAt())
	unlock()
	return t, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.GetTask(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, f store.ListFilter) ([]domain.Task, error) {
	return s.repo.ListTasks(ctx, f)
}

// Wait blocks until every armed timer has fired and settled or been
// discarded. Shutdown drains pending timers via Clock.Shutdown first, so Wait
// only rides out runs already in flight.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
