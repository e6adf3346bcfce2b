package actions

import (
	"github.com/ethpandaops/browserperf/pkg/failure"
)

// LoopGroup is a maximal contiguous run of actions sharing a loopId.
type LoopGroup struct {
	ID      string
	Cycles  int
	Members []*Spec
}

// Step is one entry of a plan: either a single action or a loop group.
type Step struct {
	Action *Spec
	Group  *LoopGroup
}

// Plan is the validated execution order of one iteration.
type Plan struct {
	Steps []Step
}

// BuildPlan groups contiguous actions sharing a loopId. The cycle count of
// a group comes from its first member. A loopId that reappears after a
// different action is rejected.
func BuildPlan(list []Spec) (*Plan, error) {
	plan := &Plan{Steps: make([]Step, 0, len(list))}
	closed := make(map[string]int, 4)

	for i := 0; i < len(list); i++ {
		action := &list[i]

		if !action.Grouped() {
			plan.Steps = append(plan.Steps, Step{Action: action})

			continue
		}

		if first, ok := closed[action.LoopID]; ok {
			return nil, failure.Validation(
				"action %q: loopId %q is not contiguous (group started at action %d)",
				action.Name, action.LoopID, first,
			)
		}

		group := &LoopGroup{
			ID:     action.LoopID,
			Cycles: action.Cycles(),
		}

		start := i
		for ; i < len(list) && list[i].LoopID == action.LoopID; i++ {
			group.Members = append(group.Members, &list[i])
		}

		// Step back so the outer loop resumes at the first non-member.
		i--

		closed[group.ID] = start
		plan.Steps = append(plan.Steps, Step{Group: group})
	}

	return plan, nil
}

// Len returns the number of action executions one iteration performs when
// every group runs to its last member.
func (p *Plan) Len() int {
	n := 0

	for _, step := range p.Steps {
		if step.Group != nil {
			n += step.Group.Cycles * len(step.Group.Members)
		} else {
			n++
		}
	}

	return n
}
