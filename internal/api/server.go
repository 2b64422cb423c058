package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobrelay/internal/domain"
	"jobrelay/internal/orchestrator"
	"jobrelay/internal/scheduler"
	"jobrelay/internal/store"
)

type Server struct {
	r      *chi.Mux
	sched  *scheduler.Scheduler
	engine *orchestrator.Engine
}

func NewServer(sched *scheduler.Scheduler, engine *orchestrator.Engine) http.Handler {
	return NewServerWithDebug(sched, engine, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, engine *orchestrator.Engine, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(withIdentity)

	s := &Server{r: r, sched: sched, engine: engine}

	r.Get("/health", s.health)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/", s.createTask)
			r.Post("/{id}/cancel", s.cancelTask)
			r.Patch("/{id}", s.modifyTask)
		})
	})

	r.Route("/api/orchestrations", func(r chi.Router) {
		r.Get("/", s.listOrchestrations)
		r.Get("/{id}", s.getOrchestration)
		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/", s.createOrchestration)
			r.Post("/{id}/cancel", s.cancelOrchestration)
		})
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type responseJSON struct {
	Status *int   `json:"status"`
	Body   string `json:"body"`
}

type taskJSON struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	URL       string       `json:"url"`
	DelayMS   int64        `json:"delay_ms"`
	Status    string       `json:"status"`
	Creator   string       `json:"creator"`
	Response  responseJSON `json:"response"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

func toTaskJSON(t domain.Task) taskJSON {
	return taskJSON{
		ID:        t.ID,
		Title:     t.Title,
		URL:       t.URL,
		DelayMS:   t.DelayMS,
		Status:    string(t.Status),
		Creator:   t.Creator,
		Response:  responseJSON{Status: t.ResponseStatus, Body: t.ResponseBody},
		CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

type orchestrationJSON struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	FirstURL          string `json:"first_url"`
	SecondURL         string `json:"second_url"`
	ConditionURL      string `json:"condition_url"`
	FallbackURL       string `json:"fallback_url"`
	InitialDelayMS    int64  `json:"initial_delay_ms"`
	ConditionDelayMS  int64  `json:"condition_delay_ms"`
	RetryBudget       int    `json:"retry_budget"`
	InterRetryDelayMS int64  `json:"inter_retry_delay_ms"`
	Attempts          int    `json:"attempts"`
	Status            string `json:"status"`
	Creator           string `json:"creator"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toOrchestrationJSON(o domain.Orchestration) orchestrationJSON {
	return orchestrationJSON{
		ID:                o.ID,
		Title:             o.Title,
		FirstURL:          o.FirstURL,
		SecondURL:         o.SecondURL,
		ConditionURL:      o.ConditionURL,
		FallbackURL:       o.FallbackURL,
		InitialDelayMS:    o.InitialDelayMS,
		ConditionDelayMS:  o.ConditionDelayMS,
		RetryBudget:       o.RetryBudget,
		InterRetryDelayMS: o.InterRetryDelayMS,
		Attempts:          o.Attempts,
		Status:            string(o.Status),
		Creator:           o.Creator,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:         o.UpdatedAt.Format(time.RFC3339Nano),
	}
}

type createTaskReq struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	DelayMS *int64 `json:"delay_ms"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "required body parameter 'url' missing", http.StatusUnprocessableEntity)
		return
	}
	if req.DelayMS == nil {
		http.Error(w, "required body parameter 'delay_ms' missing", http.StatusUnprocessableEntity)
		return
	}
	t, err := s.sched.Schedule(r.Context(), identity(r.Context()), req.Title, req.URL, *req.DelayMS)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": t.ID})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, ok := listFilter(w, r, domain.ValidTaskStatus,
		"status should be one of {scheduled, running, completed, failed, cancelled}")
	if !ok {
		return
	}
	tasks, err := s.sched.List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Cancel(r.Context(), id, identity(r.Context())); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.TaskCancelled)})
}

type modifyTaskReq struct {
	DelayMS *int64 `json:"delay_ms"`
}

func (s *Server) modifyTask(w http.ResponseWriter, r *http.Request) {
	var req modifyTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DelayMS == nil {
		http.Error(w, "required body parameter 'delay_ms' missing", http.StatusUnprocessableEntity)
		return
	}
	t, err := s.sched.Modify(r.Context(), chi.URLParam(r, "id"), identity(r.Context()), *req.DelayMS)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(t))
}

type createOrchestrationReq struct {
	Title             string `json:"title"`
	FirstURL          string `json:"first_url"`
	SecondURL         string `json:"second_url"`
	ConditionURL      string `json:"condition_url"`
	FallbackURL       string `json:"fallback_url"`
	InitialDelayMS    *int64 `json:"initial_delay_ms"`
	ConditionDelayMS  int64  `json:"condition_delay_ms"`
	RetryBudget       int    `json:"retry_budget"`
	InterRetryDelayMS int64  `json:"inter_retry_delay_ms"`
}

func (s *Server) createOrchestration(w http.ResponseWriter, r *http.Request) {
	var req createOrchestrationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for name, v := range map[string]string{
		"first_url":     req.FirstURL,
		"second_url":    req.SecondURL,
		"condition_url": req.ConditionURL,
		"fallback_url":  req.FallbackURL,
	} {
		if v == "" {
			http.Error(w, "required body parameter '"+name+"' missing", http.StatusUnprocessableEntity)
			return
		}
	}
	if req.InitialDelayMS == nil {
		http.Error(w, "required body parameter 'initial_delay_ms' missing", http.StatusUnprocessableEntity)
		return
	}
	o, err := s.engine.Orchestrate(r.Context(), identity(r.Context()), orchestrator.Params{
		Title:             req.Title,
		FirstURL:          req.FirstURL,
		SecondURL:         req.SecondURL,
		ConditionURL:      req.ConditionURL,
		FallbackURL:       req.FallbackURL,
		InitialDelayMS:    *req.InitialDelayMS,
		ConditionDelayMS:  req.ConditionDelayMS,
		RetryBudget:       req.RetryBudget,
		InterRetryDelayMS: req.InterRetryDelayMS,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": o.ID})
}

func (s *Server) getOrchestration(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrchestrationJSON(o))
}

func (s *Server) listOrchestrations(w http.ResponseWriter, r *http.Request) {
	f, ok := listFilter(w, r, domain.ValidOrchestrationStatus,
		"status should be one of {scheduled, running, completed-second, completed-fallback, failed-first, failed-condition, failed-second, failed-fallback, cancelled}")
	if !ok {
		return
	}
	orcs, err := s.engine.List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]orchestrationJSON, 0, len(orcs))
	for _, o := range orcs {
		out = append(out, toOrchestrationJSON(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelOrchestration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), id, identity(r.Context())); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.OrcCancelled)})
}

// listFilter parses status/mine/limit/offset query params. An invalid status
// or a mine filter without identity short-circuits with the right response.
func listFilter(w http.ResponseWriter, r *http.Request, valid func(string) bool, statusMsg string) (store.ListFilter, bool) {
	var f store.ListFilter
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		if !valid(status) {
			http.Error(w, statusMsg, http.StatusBadRequest)
			return f, false
		}
		f.Status = status
	}
	if mine := q.Get("mine"); mine == "1" || mine == "true" {
		caller := identity(r.Context())
		if caller == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return f, false
		}
		f.Creator = caller
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return f, false
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return f, false
	}
	return f, true
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrNotScheduled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidDelay), errors.Is(err, domain.ErrMissingURL):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
