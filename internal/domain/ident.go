// Package domain defines Tentackl's core data model: tasks, steps, findings,
// and the dynamically-typed value used for step inputs and outputs.
package domain

// TaskID uniquely identifies a task.
type TaskID string

// StepID uniquely identifies a step within its owning task.
type StepID string

// TreeID uniquely identifies an execution tree.
type TreeID string
