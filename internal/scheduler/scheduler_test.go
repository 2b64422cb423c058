package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrelay/internal/clock"
	"jobrelay/internal/domain"
	"jobrelay/internal/invoke"
	"jobrelay/internal/store"
	"jobrelay/internal/storetest"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Repository, *clock.Clock) {
	t.Helper()
	repo, _ := storetest.New(t)
	ck := clock.New()
	return New(repo, ck, invoke.New(time.Second, 0)), repo, ck
}

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScheduleRejectsNegativeDelay(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	_, err := s.Schedule(context.Background(), "alice@example.com", "t", "http://example.com", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidDelay)

	// no record created
	tasks, err := repo.ListTasks(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestScheduleRejectsMissingURL(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.Schedule(context.Background(), "alice@example.com", "t", "", 100)
	assert.ErrorIs(t, err, domain.ErrMissingURL)
}

func TestZeroDelayRunsInline(t *testing.T) {
	s, _, ck := newTestScheduler(t)
	srv := okServer(t)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "now", srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, tk.Status)
	require.NotNil(t, tk.ResponseStatus)
	assert.Equal(t, http.StatusOK, *tk.ResponseStatus)
	assert.Equal(t, "ok", tk.ResponseBody)
	assert.Equal(t, 0, ck.Len(), "zero-delay runs must not arm a timer")
}

func TestDelayedTaskCompletes(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	srv := okServer(t)
	start := time.Now()

	tk, err := s.Schedule(context.Background(), "alice@example.com", "later", srv.URL, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskScheduled, tk.Status)

	require.Eventually(t, func() bool {
		got, err := repo.GetTask(context.Background(), tk.ID)
		return err == nil && got.Status == domain.TaskCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	got, err := repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResponseStatus)
	assert.Equal(t, http.StatusOK, *got.ResponseStatus)
}

func TestUnreachableTargetFailsWithoutResponse(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tk, err := s.Schedule(context.Background(), "alice@example.com", "dead", url, 50)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := repo.GetTask(context.Background(), tk.ID)
		return err == nil && got.Status == domain.TaskFailed
	}, 3*time.Second, 10*time.Millisecond)

	got, err := repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ResponseStatus)
}

func TestNon2xxTargetFailsWithResponse(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "bad", srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, tk.Status)
	require.NotNil(t, tk.ResponseStatus)
	assert.Equal(t, http.StatusBadGateway, *tk.ResponseStatus)
}

func TestCancelScheduledTask(t *testing.T) {
	s, repo, ck := newTestScheduler(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "c", srv.URL, 200)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), tk.ID, "alice@example.com"))

	got, err := repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.False(t, ck.Armed(tk.ID))

	// repeated cancel fails without changing state
	assert.ErrorIs(t, s.Cancel(context.Background(), tk.ID, "alice@example.com"), domain.ErrNotScheduled)

	// waiting past the original delay produces no further transition
	time.Sleep(400 * time.Millisecond)
	got, err = repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.Equal(t, int32(0), hits.Load())
}

func TestCancelAuthorization(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	tk, err := s.Schedule(context.Background(), "alice@example.com", "mine", "http://example.com", 10000)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Cancel(context.Background(), tk.ID, "mallory@example.com"), domain.ErrNotOwner)
	assert.ErrorIs(t, s.Cancel(context.Background(), "tsk_missing", "alice@example.com"), domain.ErrNotFound)
	require.NoError(t, s.Cancel(context.Background(), tk.ID, "alice@example.com"))
}

func TestModifyRejectsNegativeDelay(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	tk, err := s.Schedule(context.Background(), "alice@example.com", "m", "http://example.com", 10000)
	require.NoError(t, err)

	_, err = s.Modify(context.Background(), tk.ID, "alice@example.com", -5)
	assert.ErrorIs(t, err, domain.ErrInvalidDelay)

	got, err := repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got.DelayMS)
	assert.Equal(t, domain.TaskScheduled, got.Status)
}

func TestModifyShortensDelay(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	srv := okServer(t)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "m", srv.URL, 60000)
	require.NoError(t, err)

	got, err := s.Modify(context.Background(), tk.ID, "alice@example.com", 80)
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.DelayMS)

	require.Eventually(t, func() bool {
		got, err := repo.GetTask(context.Background(), tk.ID)
		return err == nil && got.Status == domain.TaskCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestModifyZeroDelayRunsInline(t *testing.T) {
	s, _, ck := newTestScheduler(t)
	srv := okServer(t)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "m", srv.URL, 60000)
	require.NoError(t, err)

	got, err := s.Modify(context.Background(), tk.ID, "alice@example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 0, ck.Len())
}

func TestModifyRequiresScheduledState(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	srv := okServer(t)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "m", srv.URL, 0)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, tk.Status)

	_, err = s.Modify(context.Background(), tk.ID, "alice@example.com", 100)
	assert.ErrorIs(t, err, domain.ErrNotScheduled)
}

// pausingRepo delays the next GetTask so a timer can fire into the window
// where another operation holds the per-id lock.
type pausingRepo struct {
	store.Repository
	pauseMS atomic.Int64
}

func (r *pausingRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if d := r.pauseMS.Swap(0); d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	return r.Repository.GetTask(ctx, id)
}

func TestModifyRefusesFireInFlight(t *testing.T) {
	repo, _ := storetest.New(t)
	pr := &pausingRepo{Repository: repo}
	ck := clock.New()
	s := New(pr, ck, invoke.New(time.Second, 0))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	tk, err := s.Schedule(context.Background(), "alice@example.com", "m", srv.URL, 100)
	require.NoError(t, err)

	// Modify reads the task while holding the per-id lock; the pause keeps it
	// there long enough for the timer to fire and park on the same lock.
	pr.pauseMS.Store(400)
	_, err = s.Modify(context.Background(), tk.ID, "alice@example.com", 60000)
	assert.ErrorIs(t, err, domain.ErrNotScheduled)

	require.Eventually(t, func() bool {
		got, err := repo.GetTask(context.Background(), tk.ID)
		return err == nil && got.Status == domain.TaskCompleted
	}, 3*time.Second, 10*time.Millisecond)

	got, err := repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.DelayMS, "refused modify must not store the new delay")
	assert.Equal(t, int32(1), hits.Load())
}

func TestWaitReturnsAfterCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	tk, err := s.Schedule(context.Background(), "alice@example.com", "w", "http://example.com", 60000)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), tk.ID, "alice@example.com"))

	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked on a cancelled timer")
	}
}

func TestRunNeverSkipsRunning(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	tk, err := s.Schedule(context.Background(), "alice@example.com", "r", srv.URL, 30)
	require.NoError(t, err)

	<-entered
	got, err := repo.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
}
