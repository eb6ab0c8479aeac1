package conductor

// Plan is a validated execution plan for a template: a topological order over
// its stages plus the reverse dependency index used for skip propagation.
type Plan struct {
	order      []string
	dependents map[string][]string
}

// newPlan computes a topological order with Kahn's algorithm. Among stages
// that are simultaneously unblocked, declaration order wins, which keeps the
// order deterministic and testable.
func newPlan(stages []*StageTemplate) (*Plan, error) {
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, stage := range stages {
		indegree[stage.ID] = len(stage.DependsOn)
		for _, dep := range stage.DependsOn {
			dependents[dep] = append(dependents[dep], stage.ID)
		}
	}

	order := make([]string, 0, len(stages))
	placed := make(map[string]bool, len(stages))
	for len(order) < len(stages) {
		progressed := false
		for _, stage := range stages {
			if placed[stage.ID] || indegree[stage.ID] > 0 {
				continue
			}
			placed[stage.ID] = true
			order = append(order, stage.ID)
			for _, dependent := range dependents[stage.ID] {
				indegree[dependent]--
			}
			progressed = true
		}
		if !progressed {
			return nil, NewError(ErrorTypeTemplateInvalid,
				"dependency cycle detected among stages %v", unplaced(stages, placed))
		}
	}

	return &Plan{order: order, dependents: dependents}, nil
}

func unplaced(stages []*StageTemplate, placed map[string]bool) []string {
	var ids []string
	for _, stage := range stages {
		if !placed[stage.ID] {
			ids = append(ids, stage.ID)
		}
	}
	return ids
}

// Order returns stage IDs in a valid execution order.
func (p *Plan) Order() []string {
	return p.order
}

// Dependents returns the stages that directly depend on the given stage.
func (p *Plan) Dependents(stageID string) []string {
	return p.dependents[stageID]
}

// TransitiveDependents returns every stage downstream of the given stage.
func (p *Plan) TransitiveDependents(stageID string) []string {
	seen := map[string]bool{}
	var result []string
	var walk func(id string)
	walk = func(id string) {
		for _, dependent := range p.dependents[id] {
			if !seen[dependent] {
				seen[dependent] = true
				result = append(result, dependent)
				walk(dependent)
			}
		}
	}
	walk(stageID)
	return result
}
