package model

import "time"

// Subtask is a node in a decomposed task's dependency graph (§3).
type Subtask struct {
	ID                   string
	ParentTaskID         string
	Title                string
	Description          string
	RequiredCapabilities []string
	Dependencies         []string
	Status               Status
	Assignee             string // empty when unassigned
	Attempts             int
	Deadline             time.Time
	Input                Payload
	Output               Payload
	// SchedPriority carries the owning task's priority down to the
	// scheduler's pop-order (§4.4: "priority first, then FIFO").
	SchedPriority Priority
}

// Priority returns the subtask's scheduling priority (lower value = dispatched first).
func (s *Subtask) Priority() Priority { return s.SchedPriority }

// DAG is the validated dependency graph produced by decomposition (§4.1).
type DAG struct {
	Subtasks map[string]*Subtask
	// Order is the original decomposition order, used for stable FIFO
	// tie-breaking among subtasks of equal priority and readiness (§4.4).
	Order []string
}

// NewDAG builds a DAG from a decomposition result and validates it:
// acyclic and every dependency reference resolves to a known subtask.
func NewDAG(subtasks []*Subtask) (*DAG, error) {
	d := &DAG{Subtasks: make(map[string]*Subtask, len(subtasks)), Order: make([]string, 0, len(subtasks))}
	for _, s := range subtasks {
		if _, exists := d.Subtasks[s.ID]; exists {
			return nil, &ValidationError{Field: "subtasks", Reason: "duplicate subtask id " + s.ID}
		}
		d.Subtasks[s.ID] = s
		d.Order = append(d.Order, s.ID)
	}
	for _, s := range subtasks {
		for _, dep := range s.Dependencies {
			if _, ok := d.Subtasks[dep]; !ok {
				return nil, &ValidationError{Field: "dependencies", Reason: "unknown dependency " + dep + " on subtask " + s.ID}
			}
		}
	}
	if err := d.checkAcyclic(); err != nil {
		return nil, err
	}
	return d, nil
}

// checkAcyclic performs a three-color DFS over the dependency edges.
func (d *DAG) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Subtasks))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range d.Subtasks[id].Dependencies {
			switch color[dep] {
			case gray:
				return &ValidationError{Field: "dependencies", Reason: "cycle detected through " + dep}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range d.Order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Roots returns subtask IDs with no dependencies, in decomposition order.
func (d *DAG) Roots() []string {
	var roots []string
	for _, id := range d.Order {
		if len(d.Subtasks[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Ready reports whether every dependency of subtask id is completed.
func (d *DAG) Ready(id string) bool {
	for _, dep := range d.Subtasks[id].Dependencies {
		if d.Subtasks[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every subtask has reached completed.
func (d *DAG) AllCompleted() bool {
	for _, id := range d.Order {
		if d.Subtasks[id].Status != StatusCompleted {
			return false
		}
	}
	return true
}
