package sweep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrelay/internal/clock"
	"jobrelay/internal/domain"
	"jobrelay/internal/storetest"
)

func TestPassNeverMutatesState(t *testing.T) {
	repo, db := storetest.New(t)
	ck := clock.New()
	ctx := context.Background()

	tk, err := repo.CreateTask(ctx, domain.Task{URL: "http://example.com", DelayMS: 1000})
	require.NoError(t, err)
	// past due with no armed timer, the case the pass warns about
	_, err = db.Exec(`UPDATE tasks SET updated_at=updated_at-60000 WHERE id=?`, tk.ID)
	require.NoError(t, err)

	o, err := repo.CreateOrchestration(ctx, domain.Orchestration{
		FirstURL: "http://example.com", SecondURL: "http://example.com",
		ConditionURL: "http://example.com", FallbackURL: "http://example.com",
	})
	require.NoError(t, err)

	s := New(repo, ck, "@every 1m")
	s.pass(ctx)

	gotTask, err := repo.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskScheduled, gotTask.Status)

	gotOrc, err := repo.GetOrchestration(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrcScheduled, gotOrc.Status)
}

func TestStartRejectsBadSpec(t *testing.T) {
	repo, _ := storetest.New(t)
	s := New(repo, clock.New(), "not a cron spec")
	assert.Error(t, s.Start())
}

func TestStartAndStop(t *testing.T) {
	repo, _ := storetest.New(t)
	s := New(repo, clock.New(), "@every 1h")
	require.NoError(t, s.Start())
	s.Stop()
}
