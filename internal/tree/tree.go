// Package tree implements the per-task execution DAG: the authoritative
// source of step readiness. Nodes mirror a task's steps one to one; there
// is no synthetic root node. A step is ready iff every dependency's node is
// in a terminal success state (completed or skipped).
package tree

import (
	"sync"

	"tentackl/internal/domain"
)

// NodeStatus is a node's status, the same type as domain.StepStatus.
type NodeStatus = domain.StepStatus

// Node is one vertex of the execution tree.
type Node struct {
	StepID    domain.StepID
	DependsOn []domain.StepID
	Status    NodeStatus
	Outputs   domain.Value
}

func (n *Node) isTerminalSuccess() bool { return n.Status.IsTerminalSuccess() }

// Tree is the per-task DAG. All mutation happens through its methods so
// readiness is always computed against a consistent snapshot.
type Tree struct {
	mu     sync.RWMutex
	taskID domain.TaskID
	nodes  map[domain.StepID]*Node
	order  []domain.StepID // insertion order, for deterministic ready-group iteration
}

// New builds a Tree from a task's steps.
func New(taskID domain.TaskID, steps []domain.Step) *Tree {
	t := &Tree{
		taskID: taskID,
		nodes:  make(map[domain.StepID]*Node, len(steps)),
	}
	for _, s := range steps {
		t.nodes[s.ID] = &Node{
			StepID:    s.ID,
			DependsOn: append([]domain.StepID(nil), s.DependsOn...),
			Status:    domain.StepPending,
		}
		t.order = append(t.order, s.ID)
	}
	return t
}

// TaskID returns the owning task id.
func (t *Tree) TaskID() domain.TaskID { return t.taskID }

func (t *Tree) node(id domain.StepID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// GetStepFromTree returns the tree's view of a step's status and outputs.
func (t *Tree) GetStepFromTree(id domain.StepID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.node(id)
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (t *Tree) isReadyLocked(n *Node) bool {
	if n.Status != domain.StepPending {
		return false
	}
	for _, dep := range n.DependsOn {
		depNode, ok := t.nodes[dep]
		if !ok || !depNode.isTerminalSuccess() {
			return false
		}
	}
	return true
}

// ReadyNodes returns, in insertion order, every node whose dependencies are
// all terminal-success and whose own status is still pending.
func (t *Tree) ReadyNodes() []domain.StepID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ready []domain.StepID
	for _, id := range t.order {
		n := t.nodes[id]
		if t.isReadyLocked(n) {
			ready = append(ready, id)
		}
	}
	return ready
}

// StartStep transitions a node to running. It is a no-op error if the node
// is not pending.
func (t *Tree) StartStep(id domain.StepID) error {
	return t.setStatus(id, domain.StepPending, domain.StepRunning)
}

// PauseStep transitions a running node to paused (awaiting checkpoint
// resolution).
func (t *Tree) PauseStep(id domain.StepID) error {
	return t.setStatus(id, domain.StepRunning, domain.StepPaused)
}

// ResumeFromCheckpoint moves a paused node back to pending once its
// checkpoint resolves, so the scheduler's next ready-node pass re-dispatches
// it through the normal readiness path.
func (t *Tree) ResumeFromCheckpoint(id domain.StepID) error {
	return t.setStatus(id, domain.StepPaused, domain.StepPending)
}

// CompleteStep marks a node completed and caches its outputs.
func (t *Tree) CompleteStep(id domain.StepID, outputs domain.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return errNoSuchStep(id)
	}
	n.Status = domain.StepCompleted
	n.Outputs = outputs
	return nil
}

// SkipStep marks a node skipped, which also satisfies downstream readiness.
func (t *Tree) SkipStep(id domain.StepID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return errNoSuchStep(id)
	}
	n.Status = domain.StepSkipped
	return nil
}

// FailStep marks a node permanently failed.
func (t *Tree) FailStep(id domain.StepID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return errNoSuchStep(id)
	}
	n.Status = domain.StepFailed
	return nil
}

// ResetStep returns a running node to pending, for a retry.
func (t *Tree) ResetStep(id domain.StepID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return errNoSuchStep(id)
	}
	n.Status = domain.StepPending
	return nil
}

func (t *Tree) setStatus(id domain.StepID, from, to domain.StepStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return errNoSuchStep(id)
	}
	if n.Status != from {
		return errBadNodeTransition(id, n.Status, to)
	}
	n.Status = to
	return nil
}

// IsTaskComplete reports whether every node is in a terminal state (success
// or failure) — i.e. the tree has nothing left to schedule.
func (t *Tree) IsTaskComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		switch n.Status {
		case domain.StepCompleted, domain.StepSkipped, domain.StepFailed:
			continue
		default:
			return false
		}
	}
	return true
}

// HasFailed reports whether any node is permanently failed.
func (t *Tree) HasFailed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		if n.Status == domain.StepFailed {
			return true
		}
	}
	return false
}

// PendingBlockedByFailure returns, in insertion order, every pending node
// that depends, directly or transitively, on a failed node — used by the
// orchestrator's blocked-dependency path.
func (t *Tree) PendingBlockedByFailure() []domain.StepID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var blocked []domain.StepID
	for _, id := range t.order {
		n := t.nodes[id]
		if n.Status != domain.StepPending {
			continue
		}
		if t.blockedLocked(n, map[domain.StepID]bool{}) {
			blocked = append(blocked, id)
		}
	}
	return blocked
}

func (t *Tree) blockedLocked(n *Node, seen map[domain.StepID]bool) bool {
	for _, dep := range n.DependsOn {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		depNode, ok := t.nodes[dep]
		if !ok {
			continue
		}
		if depNode.Status == domain.StepFailed {
			return true
		}
		if depNode.Status == domain.StepPending && t.blockedLocked(depNode, seen) {
			return true
		}
	}
	return false
}

// Metrics summarizes node counts by status; every node is a step node.
type Metrics struct {
	Total, Completed, Failed, Skipped, Pending, Running, Paused int
}

// GetTreeMetrics tallies node status counts.
func (t *Tree) GetTreeMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var m Metrics
	for _, n := range t.nodes {
		m.Total++
		switch n.Status {
		case domain.StepCompleted:
			m.Completed++
		case domain.StepFailed:
			m.Failed++
		case domain.StepSkipped:
			m.Skipped++
		case domain.StepPending:
			m.Pending++
		case domain.StepRunning:
			m.Running++
		case domain.StepPaused:
			m.Paused++
		}
	}
	return m
}

// Group is a non-empty set of ready steps sharing a parallel-group tag, or
// a single step with none.
type Group struct {
	Tag   string // empty for a singleton group with no tag
	Steps []domain.StepID
}

// ReadyGroups partitions the ready node set into dispatch groups, in
// first-ready-step order, using the task's step definitions for the
// parallel-group tag.
func ReadyGroups(t *Tree, steps []domain.Step) []Group {
	ready := t.ReadyNodes()
	if len(ready) == 0 {
		return nil
	}
	readySet := make(map[domain.StepID]bool, len(ready))
	for _, id := range ready {
		readySet[id] = true
	}
	groupOf := make(map[domain.StepID]string, len(steps))
	for _, s := range steps {
		if s.ParallelGroup != nil {
			groupOf[s.ID] = *s.ParallelGroup
		}
	}

	var groups []Group
	seen := make(map[domain.StepID]bool)
	tagIndex := make(map[string]int)
	for _, id := range ready {
		if seen[id] {
			continue
		}
		tag, tagged := groupOf[id]
		if !tagged || tag == "" {
			groups = append(groups, Group{Steps: []domain.StepID{id}})
			seen[id] = true
			continue
		}
		if idx, ok := tagIndex[tag]; ok {
			groups[idx].Steps = append(groups[idx].Steps, id)
			seen[id] = true
			continue
		}
		tagIndex[tag] = len(groups)
		groups = append(groups, Group{Tag: tag, Steps: []domain.StepID{id}})
		seen[id] = true
	}
	return groups
}
