package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalid marks workflow-load failures. A workflow that fails validation
// must not run.
var ErrInvalid = errors.New("invalid workflow")

// Validate checks the structural invariants a workflow must satisfy before
// execution. refExists resolves template references; pass nil to skip
// reference resolution (e.g. when validating an import before templates are
// captured).
func Validate(w *Workflow, refExists func(ref string) bool) error {
	groups := make(map[string]bool)
	for _, s := range w.Steps {
		if s.GroupName != "" {
			groups[s.GroupName] = true
		}
	}

	for i, s := range w.Steps {
		if s.OrderIndex != i {
			return fmt.Errorf("%w: order_index not contiguous at position %d (got %d)", ErrInvalid, i, s.OrderIndex)
		}
		if !knownStepTypes[s.Type] {
			return fmt.Errorf("%w: unknown step_type %q at step %d", ErrInvalid, s.Type, i)
		}

		switch s.Type {
		case StepWaitForColor:
			if s.ExpectedColor == nil {
				return fmt.Errorf("%w: wait_for_color step %d missing expected_color", ErrInvalid, i)
			}
		case StepImageMatch, StepFindAllClick, StepLoopClick:
			if s.TemplateRef == "" {
				return fmt.Errorf("%w: %s step %d missing template_ref", ErrInvalid, s.Type, i)
			}
			if refExists != nil && !refExists(s.TemplateRef) {
				return fmt.Errorf("%w: step %d references unknown template %q", ErrInvalid, i, s.TemplateRef)
			}
		case StepRepeatGroup:
			if s.LoopGroupName == "" {
				return fmt.Errorf("%w: repeat_group step %d missing loop_group_name", ErrInvalid, i)
			}
			if !groups[s.LoopGroupName] {
				return fmt.Errorf("%w: repeat_group step %d references unknown group %q", ErrInvalid, i, s.LoopGroupName)
			}
			if s.GroupName == s.LoopGroupName {
				return fmt.Errorf("%w: repeat_group step %d references its own group %q", ErrInvalid, i, s.LoopGroupName)
			}
			if s.StopTemplateRef != "" && refExists != nil && !refExists(s.StopTemplateRef) {
				return fmt.Errorf("%w: step %d references unknown stop template %q", ErrInvalid, i, s.StopTemplateRef)
			}
		}

		if s.OnMatchAction != "" && s.OnMatchAction != ActionTapCenter && s.OnMatchAction != ActionNone {
			return fmt.Errorf("%w: step %d has unknown on_match_action %q", ErrInvalid, i, s.OnMatchAction)
		}
	}

	if err := checkGroupCycles(w); err != nil {
		return err
	}
	return nil
}

// checkGroupCycles rejects repeat_group chains that loop back onto a group
// containing one of their drivers. Nested repeat_group over disjoint groups
// is allowed; only cycles (including transitive ones) are fatal.
func checkGroupCycles(w *Workflow) error {
	// Edge from group g to group h when a repeat_group step labeled g
	// drives h. Drivers outside any group cannot participate in a cycle.
	edges := make(map[string][]string)
	for _, s := range w.Steps {
		if s.Type == StepRepeatGroup && s.GroupName != "" {
			edges[s.GroupName] = append(edges[s.GroupName], s.LoopGroupName)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)

	var visit func(g string) error
	visit = func(g string) error {
		switch state[g] {
		case visiting:
			return fmt.Errorf("%w: repeat_group cycle through group %q", ErrInvalid, g)
		case done:
			return nil
		}
		state[g] = visiting
		for _, next := range edges[g] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[g] = done
		return nil
	}

	for g := range edges {
		if err := visit(g); err != nil {
			return err
		}
	}
	return nil
}
