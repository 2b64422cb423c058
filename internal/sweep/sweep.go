package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobrelay/internal/clock"
	"jobrelay/internal/domain"
	"jobrelay/internal/store"
)

// driftTolerance is how far past due a scheduled record may drift before a
// missing timer counts as lost rather than about-to-fire.
const driftTolerance = 5 * time.Second

// Sweeper runs a periodic housekeeping pass: it logs record counts per status
// and flags scheduled records that are past due with no armed timer. The pass
// never mutates job state; the run path owns transitions and the next restart
// reconciles anything flagged here.
type Sweeper struct {
	repo  store.Repository
	clock *clock.Clock
	spec  string
	c     *cron.Cron
}

// New builds a Sweeper firing per the cron spec (standard five-field exprs
// and descriptors like "@every 1m").
func New(repo store.Repository, ck *clock.Clock, spec string) *Sweeper {
	return &Sweeper{repo: repo, clock: ck, spec: spec}
}

func (s *Sweeper) Start() error {
	s.c = cron.New()
	if _, err := s.c.AddFunc(s.spec, func() { s.pass(context.Background()) }); err != nil {
		return err
	}
	s.c.Start()
	log.Info().Str("spec", s.spec).Msg("sweep pass started")
	return nil
}

func (s *Sweeper) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	taskCounts, err := s.repo.CountTasksByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: task counts failed")
		return
	}
	orcCounts, err := s.repo.CountOrchestrationsByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: orchestration counts failed")
		return
	}
	log.Info().
		Interface("tasks", taskCounts).
		Interface("orchestrations", orcCounts).
		Int("timers_armed", s.clock.Len()).
		Msg("sweep pass")

	now := time.Now()
	tasks, err := s.repo.TasksInStatus(ctx, domain.TaskScheduled)
	if err != nil {
		log.Error().Err(err).Msg("sweep: scheduled tasks load failed")
		return
	}
	for _, t := range tasks {
		if now.Sub(t.DueAt()) > driftTolerance && !s.clock.Armed(t.ID) {
			log.Warn().Str("task_id", t.ID).Time("due_at", t.DueAt()).
				Msg("scheduled task past due with no armed timer")
		}
	}
	orcs, err := s.repo.OrchestrationsInStatus(ctx, domain.OrcScheduled)
	if err != nil {
		log.Error().Err(err).Msg("sweep: scheduled orchestrations load failed")
		return
	}
	for _, o := range orcs {
		if now.Sub(o.DueAt()) > driftTolerance && !s.clock.Armed(o.ID) {
			log.Warn().Str("orchestration_id", o.ID).Time("due_at", o.DueAt()).
				Msg("scheduled orchestration past due with no armed timer")
		}
	}
}
