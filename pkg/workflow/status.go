package workflow

import "github.com/agentmesh/orchestrator/pkg/model"

// SubtaskStatus is one entry in a StatusSnapshot's subtask list (§6
// "Inbound status query": `{id, status, assignee?, attempts}`).
type SubtaskStatus struct {
	ID       string       `json:"id"`
	Status   model.Status `json:"status"`
	Assignee string       `json:"assignee,omitempty"`
	Attempts int          `json:"attempts"`
}

// StatusSnapshot is GetStatus's read-optimized view (§4.1, §6: `{task_id,
// status, phase, progress, subtasks, last_error?}`).
type StatusSnapshot struct {
	TaskID    string          `json:"task_id"`
	Status    model.Status    `json:"status"`
	Phase     model.Phase     `json:"phase"`
	Progress  float64         `json:"progress"`
	Subtasks  []SubtaskStatus `json:"subtasks"`
	LastError string          `json:"last_error,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
}

func buildSnapshot(rt *runtimeWorkflow) StatusSnapshot {
	snap := StatusSnapshot{
		TaskID:   rt.task.ID,
		Status:   rt.task.Status,
		Phase:    rt.wf.Phase,
		Degraded: rt.wf.Degraded,
	}
	if rt.wf.DAG != nil {
		completed := 0
		for _, id := range rt.wf.DAG.Order {
			st := rt.wf.DAG.Subtasks[id]
			snap.Subtasks = append(snap.Subtasks, SubtaskStatus{
				ID: st.ID, Status: st.Status, Assignee: st.Assignee, Attempts: st.Attempts,
			})
			if st.Status == model.StatusCompleted {
				completed++
			}
		}
		if len(rt.wf.DAG.Order) > 0 {
			snap.Progress = float64(completed) / float64(len(rt.wf.DAG.Order))
		}
	}
	if n := len(rt.wf.ErrorLog); n > 0 {
		last := rt.wf.ErrorLog[n-1]
		snap.LastError = string(last.Kind) + ": " + last.Message
	}
	return snap
}
