package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"jobrelay/internal/api"
	"jobrelay/internal/clock"
	"jobrelay/internal/invoke"
	"jobrelay/internal/orchestrator"
	"jobrelay/internal/recovery"
	"jobrelay/internal/scheduler"
	"jobrelay/internal/store"
	"jobrelay/internal/sweep"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP bind address")
		dbPath        = flag.String("db", "jobrelay.db", "SQLite DB path")
		invokeTimeout = flag.Duration("invoke-timeout", 30*time.Second, "outbound call timeout ceiling")
		invokeRPS     = flag.Float64("invoke-rps", 0, "outbound calls per second cap (0 = unlimited)")
		sweepSpec     = flag.String("sweep", "@every 1m", "cron spec for the housekeeping pass")
		debug         = flag.Bool("debug", false, "expose pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	ck := clock.New()
	inv := invoke.New(*invokeTimeout, *invokeRPS)
	sched := scheduler.New(repo, ck, inv)
	engine := orchestrator.New(repo, ck, inv)

	// The recovery pass must complete before the API accepts requests.
	if err := recovery.New(repo, sched, engine).Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("recovery pass")
	}

	sweeper := sweep.New(repo, ck, *sweepSpec)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Str("spec", *sweepSpec).Msg("sweep start")
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(sched, engine, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	sweeper.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	// Drop pending timers so the waits below only cover runs already in
	// flight; the next startup's recovery pass re-arms from the store.
	ck.Shutdown()

	// Give in-flight runs a bounded chance to persist their outcomes; anything
	// still running gets reconciled by the next startup's recovery pass.
	done := make(chan struct{})
	go func() {
		sched.Wait()
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("in-flight runs still pending at exit")
	}
}
