package planning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/model"
)

// multiFakeTasks is a fakeTasks variant that tracks several tasks by id,
// so StuckPlanningTasks can return more than one candidate.
type multiFakeTasks struct {
	byID  map[domain.TaskID]*domain.Task
	stuck []*domain.Task
}

func (f *multiFakeTasks) CreateTask(ctx context.Context, t *domain.Task) error {
	f.byID[t.ID] = t
	return nil
}
func (f *multiFakeTasks) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	return f.byID[id], nil
}
func (f *multiFakeTasks) UpdateTask(ctx context.Context, id domain.TaskID, mutate func(*domain.Task) error) error {
	return mutate(f.byID[id])
}
func (f *multiFakeTasks) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*domain.Task, error) {
	return nil, nil
}
func (f *multiFakeTasks) AddFinding(ctx context.Context, id domain.TaskID, fi domain.Finding) error {
	return nil
}
func (f *multiFakeTasks) SetParentTask(ctx context.Context, id, parent domain.TaskID) error {
	return nil
}
func (f *multiFakeTasks) SetSupersededBy(ctx context.Context, id, supersededBy domain.TaskID) error {
	return nil
}
func (f *multiFakeTasks) StuckPlanningTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	return f.stuck, nil
}

// TestRecoverySweep_MarksStuckTasksFailed verifies the recovery sweep
// abandons tasks stuck in PLANNING by marking them FAILED with a
// user-safe message, rather than re-running the planning pipeline (which
// would risk a second partial commit race against whatever originally
// stalled it).
func TestRecoverySweep_MarksStuckTasksFailed(t *testing.T) {
	stuckTask := &domain.Task{ID: "stuck-1", Goal: "do the thing", Status: domain.TaskPlanning}
	tasks := &multiFakeTasks{
		byID:  map[domain.TaskID]*domain.Task{"stuck-1": stuckTask},
		stuck: []*domain.Task{stuckTask},
	}
	reg := model.NewRegistry(map[model.Provider]model.Client{})
	eng, err := New(Options{Tasks: tasks, Tree: fakeTree{}, Models: reg})
	require.NoError(t, err)

	rec := NewRecovery(eng, time.Hour, nil)
	rec.sweep(context.Background())

	require.Equal(t, domain.TaskFailed, stuckTask.Status)
	require.Equal(t, stuckPlanningMessage, stuckTask.Metadata["planning_error"])
}

func TestRecoverySweep_NoStuckTasksIsNoop(t *testing.T) {
	tasks := &multiFakeTasks{byID: map[domain.TaskID]*domain.Task{}}
	reg := model.NewRegistry(map[model.Provider]model.Client{})
	eng, err := New(Options{Tasks: tasks, Tree: fakeTree{}, Models: reg})
	require.NoError(t, err)

	rec := NewRecovery(eng, time.Hour, nil)
	rec.sweep(context.Background())
}
