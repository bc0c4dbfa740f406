package tree

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

// Manager owns every in-flight Tree, keyed by TreeID, and implements
// ports.TreePort. It is the single source of truth for step readiness
// across the whole service — the orchestrator and step-execution paths
// must only mutate a tree through this port.
type Manager struct {
	mu    sync.RWMutex
	trees map[domain.TreeID]*Tree
	steps map[domain.TreeID][]domain.Step // retained for parallel-group tags
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		trees: make(map[domain.TreeID]*Tree),
		steps: make(map[domain.TreeID][]domain.Step),
	}
}

var _ ports.TreePort = (*Manager)(nil)

// CreateTree builds a fresh Tree for taskID from steps and registers it
// under a new TreeID.
func (m *Manager) CreateTree(ctx context.Context, taskID domain.TaskID, steps []domain.Step) (domain.TreeID, error) {
	id := domain.TreeID(uuid.NewString())
	t := New(taskID, steps)
	m.mu.Lock()
	m.trees[id] = t
	m.steps[id] = append([]domain.Step(nil), steps...)
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) get(id domain.TreeID) (*Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trees[id]
	if !ok {
		return nil, errNoSuchTree(id)
	}
	return t, nil
}

// ReadyGroups partitions the tree's current ready node set into dispatch
// groups using its steps' parallel-group tags.
func (m *Manager) ReadyGroups(ctx context.Context, treeID domain.TreeID) ([]ports.StepGroup, error) {
	t, err := m.get(treeID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	steps := m.steps[treeID]
	m.mu.RUnlock()
	groups := ReadyGroups(t, steps)
	out := make([]ports.StepGroup, len(groups))
	for i, g := range groups {
		out[i] = ports.StepGroup{Tag: g.Tag, Steps: g.Steps}
	}
	return out, nil
}

// GetStepFromTree returns the tree's view of one step's status/outputs.
func (m *Manager) GetStepFromTree(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) (ports.StepNode, bool, error) {
	t, err := m.get(treeID)
	if err != nil {
		return ports.StepNode{}, false, err
	}
	n, ok := t.GetStepFromTree(stepID)
	if !ok {
		return ports.StepNode{}, false, nil
	}
	return ports.StepNode{StepID: n.StepID, Status: n.Status, Outputs: n.Outputs}, true, nil
}

func (m *Manager) StartStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.StartStep(stepID)
}

func (m *Manager) PauseStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.PauseStep(stepID)
}

func (m *Manager) ResumeStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.ResumeFromCheckpoint(stepID)
}

func (m *Manager) CompleteStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID, outputs domain.Value) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.CompleteStep(stepID, outputs)
}

func (m *Manager) FailStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.FailStep(stepID)
}

func (m *Manager) SkipStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.SkipStep(stepID)
}

func (m *Manager) ResetStep(ctx context.Context, treeID domain.TreeID, stepID domain.StepID) error {
	t, err := m.get(treeID)
	if err != nil {
		return err
	}
	return t.ResetStep(stepID)
}

func (m *Manager) IsTaskComplete(ctx context.Context, treeID domain.TreeID) (bool, error) {
	t, err := m.get(treeID)
	if err != nil {
		return false, err
	}
	return t.IsTaskComplete(), nil
}

func (m *Manager) HasFailed(ctx context.Context, treeID domain.TreeID) (bool, error) {
	t, err := m.get(treeID)
	if err != nil {
		return false, err
	}
	return t.HasFailed(), nil
}

func (m *Manager) PendingBlockedByFailure(ctx context.Context, treeID domain.TreeID) ([]domain.StepID, error) {
	t, err := m.get(treeID)
	if err != nil {
		return nil, err
	}
	return t.PendingBlockedByFailure(), nil
}

func (m *Manager) GetTreeMetrics(ctx context.Context, treeID domain.TreeID) (ports.TreeMetrics, error) {
	t, err := m.get(treeID)
	if err != nil {
		return ports.TreeMetrics{}, err
	}
	mm := t.GetTreeMetrics()
	return ports.TreeMetrics{
		Total: mm.Total, Completed: mm.Completed, Failed: mm.Failed,
		Skipped: mm.Skipped, Pending: mm.Pending, Running: mm.Running, Paused: mm.Paused,
	}, nil
}
