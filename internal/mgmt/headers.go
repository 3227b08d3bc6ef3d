package mgmt

import "slices"

// Headers carries per-request coordination hints.
type Headers struct {
	RolloutPlan *RolloutPlan `json:"rollout-plan,omitempty" yaml:"rollout-plan,omitempty"`
	// DontPropagateToServers keeps the operation on host controllers.
	DontPropagateToServers bool `json:"dont-propagate-to-servers,omitempty" yaml:"dont-propagate-to-servers,omitempty"`
}

// Clone deep-copies h.
func (h Headers) Clone() Headers {
	out := h
	if h.RolloutPlan != nil {
		plan := h.RolloutPlan.Clone()
		out.RolloutPlan = &plan
	}
	return out
}

// RolloutPlan orders the server tier of a rollout by server group.
//
// InSeries lists steps executed one after another; the groups inside one
// step are pushed concurrently. Groups not named anywhere run in a final
// step. MaxFailedServers is the per-group failure tolerance before that
// group is rolled back.
type RolloutPlan struct {
	InSeries             [][]string `json:"in-series,omitempty" yaml:"in-series,omitempty"`
	RollbackAcrossGroups bool       `json:"rollback-across-groups,omitempty" yaml:"rollback-across-groups,omitempty"`
	MaxFailedServers     int        `json:"max-failed-servers,omitempty" yaml:"max-failed-servers,omitempty"`
}

// Clone deep-copies p.
func (p RolloutPlan) Clone() RolloutPlan {
	out := p
	if p.InSeries != nil {
		out.InSeries = make([][]string, len(p.InSeries))
		for i, step := range p.InSeries {
			out.InSeries[i] = slices.Clone(step)
		}
	}
	return out
}

// Steps arranges groups into execution steps following the plan. Every
// group in groups appears exactly once; unknown names in the plan are
// ignored.
func (p *RolloutPlan) Steps(groups []string) [][]string {
	remaining := make(map[string]bool, len(groups))
	for _, g := range groups {
		remaining[g] = true
	}
	var steps [][]string
	if p != nil {
		for _, step := range p.InSeries {
			var current []string
			for _, g := range step {
				if remaining[g] {
					current = append(current, g)
					delete(remaining, g)
				}
			}
			if len(current) > 0 {
				steps = append(steps, current)
			}
		}
	}
	var rest []string
	for _, g := range groups {
		if remaining[g] {
			rest = append(rest, g)
			delete(remaining, g)
		}
	}
	if len(rest) > 0 {
		steps = append(steps, rest)
	}
	return steps
}
