package tree

import (
	"fmt"

	"tentackl/internal/domain"
)

func errNoSuchStep(id domain.StepID) error {
	return fmt.Errorf("tree: no such step %q", id)
}

func errBadNodeTransition(id domain.StepID, from, to domain.StepStatus) error {
	return fmt.Errorf("tree: step %q cannot transition from %s to %s", id, from, to)
}

func errNoSuchTree(id domain.TreeID) error {
	return fmt.Errorf("tree: no such tree %q", id)
}
