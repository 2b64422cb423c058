package orchestrator

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

// stage enumerates the dispatch points of the orchestration state machine.
// Each timer fire or in-line continuation enters through exactly one stage;
// the record is re-read from the store at every entry so no stage acts on a
// stale copy.
type stage int

const (
	stageFirst stage = iota
	stageCondition
	stageSecond
	stageFallback
)

func (st stage) String() string {
	switch st {
	case stageFirst:
		return "first"
	case stageCondition:
		return "condition"
	case stageSecond:
		return "second"
	case stageFallback:
		return "fallback"
	}
	return "unknown"
}

// Params carries the orchestrate request.
type Params struct {
	Title             string
	FirstURL          string
	SecondURL         string
	ConditionURL      string
	FallbackURL       string
	InitialDelayMS    int64
	ConditionDelayMS  int64
	RetryBudget       int
	InterRetryDelayMS int64
}

// Engine drives multi-stage orchestrations: first action, delayed condition
// probe with a bounded retry budget, then the second action on probe success
// or the fallback action once the budget is exhausted.
type Engine struct {
	repo    store.Repository
	clock   *clock.Clock
	invoker *invoke.Invoker
	locks   *locks.Keyed
	wg      sync.WaitGroup
}

func New(repo store.Repository, ck *clock.Clock, inv *invoke.Invoker) *Engine {
	return &Engine{
		repo:    repo,
		clock:   ck,
		invoker: inv,
		locks:   locks.NewKeyed(),
	}
}

// Orchestrate validates and persists a new orchestration, then arms its first
// stage. A zero initial delay enters the first stage inline; with all delays
// zero the whole chain settles before Orchestrate returns.
func (e *Engine) Orchestrate(ctx context.Context, creator string, p Params) (domain.Orchestration, error) {
	if p.FirstURL == "" || p.SecondURL == "" || p.ConditionURL == "" || p.FallbackURL == "" {
		return domain.Orchestration{}, domain.ErrMissingURL
	}
	if p.InitialDelayMS < 0 || p.ConditionDelayMS < 0 || p.InterRetryDelayMS < 0 {
		return domain.Orchestration{}, domain.ErrInvalidDelay
	}
	if p.RetryBudget < 0 {
		return domain.Orchestration{}, domain.ErrInvalidDelay
	}

	o, err := e.repo.CreateOrchestration(ctx, domain.Orchestration{
		Title:             p.Title,
		FirstURL:          p.FirstURL,
		SecondURL:         p.SecondURL,
		ConditionURL:      p.ConditionURL,
		FallbackURL:       p.FallbackURL,
		InitialDelayMS:    p.InitialDelayMS,
		ConditionDelayMS:  p.ConditionDelayMS,
		RetryBudget:       p.RetryBudget,
		InterRetryDelayMS: p.InterRetryDelayMS,
		Status:            domain.OrcScheduled,
		Creator:           creator,
	})
	if err != nil {
		return domain.Orchestration{}, err
	}
	log.Info().Str("orchestration_id", o.ID).Int64("initial_delay_ms", p.InitialDelayMS).
		Int("retry_budget", p.RetryBudget).Str("creator", creator).Msg("orchestration scheduled")

	if p.InitialDelayMS == 0 {
		e.runStage(o.ID, stageFirst)
		return e.repo.GetOrchestration(ctx, o.ID)
	}
	e.arm(o.ID, o.DueAt(), stageFirst)
	return o, nil
}

// Resume re-arms a recovered orchestration's first stage for its remaining
// delay. The recovery pass is the only caller.
func (e *Engine) Resume(o domain.Orchestration) {
	e.arm(o.ID, o.DueAt(), stageFirst)
}

// arm counts the unit of work up front; the clock balances the count through
// either the fired stage or the discard path, so Wait never misses a callback
// that fired but has not started yet.
func (e *Engine) arm(id string, fireAt time.Time, st stage) {
	e.wg.Add(1)
	e.clock.Arm(id, fireAt, func() {
		defer e.wg.Done()
		e.runStage(id, st)
	}, e.wg.Done)
}

// runStage is the single dispatch point of the state machine.
func (e *Engine) runStage(id string, st stage) {
	switch st {
	case stageFirst:
		e.runFirst(id)
	case stageCondition:
		e.runCondition(id)
	case stageSecond:
		e.runSecond(id)
	case stageFallback:
		e.runFallback(id)
	}
}

func (e *Engine) runFirst(id string) {
	ctx := context.Background()

	unlock := e.locks.Lock(id)
	ok, err := e.repo.TransitionOrchestration(ctx, id, domain.OrcScheduled, domain.OrcRunning)
	if err != nil {
		unlock()
		log.Error().Err(err).Str("orchestration_id", id).Msg("orchestration run claim failed")
		return
	}
	if !ok {
		// cancelled, or a stale fire lost against modify
		unlock()
		return
	}
	o, err := e.repo.GetOrchestration(ctx, id)
	unlock()
	if err != nil {
		log.Error().Err(err).Str("orchestration_id", id).Msg("orchestration reload failed")
		return
	}

	out := e.invoker.Invoke(ctx, o.FirstURL)
	if !out.OK {
		e.finish(ctx, id, domain.OrcFailedFirst)
		return
	}
	log.Info().Str("orchestration_id", id).Msg("first task succeeded, arming condition check")
	if o.ConditionDelayMS == 0 {
		e.runCondition(id)
		return
	}
	e.arm(id, time.Now().Add(time.Duration(o.ConditionDelayMS)*time.Millisecond), stageCondition)
}

// runCondition probes the condition URL. A 2xx routes to the second stage; a
// non-2xx consumes a retry or, once attempts reach the budget, routes to the
// fallback stage. The probe therefore runs at most retry budget + 1 times.
// An unreachable condition target ends the orchestration as failed-condition.
func (e *Engine) runCondition(id string) {
	ctx := context.Background()

	o, err := e.repo.GetOrchestration(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("orchestration_id", id).Msg("orchestration reload failed")
		return
	}
	if o.Status != domain.OrcRunning {
		return
	}

	out := e.invoker.Invoke(ctx, o.ConditionURL)
	switch {
	case out.OK:
		e.runSecond(id)
	case out.Status == nil:
		e.finish(ctx, id, domain.OrcFailedCondition)
	case o.Attempts >= o.RetryBudget:
		log.Info().Str("orchestration_id", id).Int("attempts", o.Attempts).Msg("condition retries exhausted, falling back")
		e.runFallback(id)
	default:
		n, err := e.repo.IncrementAttempts(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("orchestration_id", id).Msg("attempt count write failed")
			return
		}
		log.Info().Str("orchestration_id", id).Int("attempts", n).Msg("condition check failed, retrying")
		if o.InterRetryDelayMS == 0 {
			e.runCondition(id)
			return
		}
		e.arm(id, time.Now().Add(time.Duration(o.InterRetryDelayMS)*time.Millisecond), stageCondition)
	}
}

func (e *Engine) runSecond(id string) {
	ctx := context.Background()

	o, err := e.repo.GetOrchestration(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("orchestration_id", id).Msg("orchestration reload failed")
		return
	}
	if o.Status != domain.OrcRunning {
		return
	}

	out := e.invoker.Invoke(ctx, o.SecondURL)
	if out.OK {
		e.finish(ctx, id, domain.OrcCompletedSecond)
	} else {
		e.finish(ctx, id, domain.OrcFailedSecond)
	}
}

func (e *Engine) runFallback(id string) {
	ctx := context.Background()

	o, err := e.repo.GetOrchestration(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("orchestration_id", id).Msg("orchestration reload failed")
		return
	}
	if o.Status != domain.OrcRunning {
		return
	}

	out := e.invoker.Invoke(ctx, o.FallbackURL)
	if out.OK {
		e.finish(ctx, id, domain.OrcCompletedFallback)
	} else {
		e.finish(ctx, id, domain.OrcFailedFallback)
	}
}

func (e *Engine) finish(ctx context.Context, id string, final domain.OrchestrationStatus) {
	if _, err := e.repo.TransitionOrchestration(ctx, id, domain.OrcRunning, final); err != nil {
		// The record stays in running; the startup recovery pass reconciles it.
		log.Error().Err(err).Str("orchestration_id", id).Msg("orchestration finish write failed")
		return
	}
	log.Info().Str("orchestration_id", id).Str("status", string(final)).Msg("orchestration finished")
}

// Cancel stops a scheduled orchestration before its first stage fires. Only
// the creator may cancel, and only while the record is still scheduled.
func (e *Engine) Cancel(ctx context.Context, id, caller string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	o, err := e.repo.GetOrchestration(ctx, id)
	if err != nil {
		return err
	}
	if caller != "" && o.Creator != caller {
		return domain.ErrNotOwner
	}
	if o.Status != domain.OrcScheduled {
		return domain.ErrNotScheduled
	}

	e.clock.Cancel(id)
	ok, err := e.repo.TransitionOrchestration(ctx, id, domain.OrcScheduled, domain.OrcCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotScheduled
	}
	log.Info().Str("orchestration_id", id).Msg("orchestration cancelled")
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Orchestration, error) {
	return e.repo.GetOrchestration(ctx, id)
}

func (e *Engine) List(ctx context.Context, f store.ListFilter) ([]domain.Orchestration, error) {
	return e.repo.ListOrchestrations(ctx, f)
}

// Wait blocks until every armed stage timer has fired and settled or been
// discarded. Shutdown drains pending timers via Clock.Shutdown first, so Wait
// only rides out stages already in flight.
func (e *Engine) Wait() {
	e.wg.Wait()
}
