package ratelimit

import "github.com/madsci/workcell/common/types"

// Tier buckets workflows by how much instrument time a submission claims
type Tier string

const (
	TierShort    Tier = "short"    // up to 5 steps
	TierStandard Tier = "standard" // 6-20 steps
	TierLong     Tier = "long"     // over 20 steps
)

// Profile summarizes a definition for rate limiting decisions
type Profile struct {
	Tier          Tier
	StepCount     int
	NodeCount     int
	TransfersFile bool
}

// InspectDefinition buckets a workflow definition into a tier
func InspectDefinition(def *types.WorkflowDefinition) Profile {
	profile := Profile{StepCount: len(def.Steps)}

	nodes := make(map[string]struct{})
	for _, step := range def.Steps {
		if step.Node != "" {
			nodes[step.Node] = struct{}{}
		}
		if len(step.Files) > 0 {
			profile.TransfersFile = true
		}
	}
	profile.NodeCount = len(nodes)

	switch {
	case profile.StepCount <= 5:
		profile.Tier = TierShort
	case profile.StepCount <= 20:
		profile.Tier = TierStandard
	default:
		profile.Tier = TierLong
	}
	return profile
}
