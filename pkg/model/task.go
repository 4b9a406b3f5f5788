// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

// Task is the unit of work submitted through the external surface and
// owned by the workflow engine for its lifetime (§3).
type Task struct {
	ID          string
	Title       string
	Description string
	Type        string
	Priority    Priority
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Input       Payload
	Output      Payload
	RequesterID string
	Metadata    map[string]string
	Deadline    time.Time
}

// Validate checks the invariants SubmitTask enforces before a task is
// persisted (§4.1): non-empty identity fields and priority in [1,5].
func (t *Task) Validate() error {
	if t.Title == "" {
		return errMissingField("title")
	}
	if t.Description == "" {
		return errMissingField("description")
	}
	if t.RequesterID == "" {
		return errMissingField("requester_id")
	}
	if !t.Priority.Valid() {
		return errInvalidPriority(t.Priority)
	}
	return nil
}

// Phase is the workflow's position in the directed transition graph (§4.1).
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseAnalysis       Phase = "analysis"
	PhaseDecomposition  Phase = "decomposition"
	PhaseCoordination   Phase = "coordination"
	PhaseExecution      Phase = "execution"
	PhaseReview         Phase = "review"
	PhaseCompletion     Phase = "completion"
	PhaseErrorHandling  Phase = "error_handling"
)

// Workflow is the engine's per-task state machine instance (§3, GLOSSARY).
type Workflow struct {
	ID            string
	TaskID        string
	Phase         Phase
	CheckpointIDs []string
	DAG           *DAG
	Assignments   map[string]string // subtask ID -> agent ID
	ErrorLog      []WorkflowError
	Degraded      bool
	ReworkCount   int
	RecoveryCount int
	// ReturnPhase records which phase raised into error_handling, so a
	// recovered workflow knows where to resume (§4.1 transition table).
	ReturnPhase Phase
}

// WorkflowError records one entry in a workflow's error log.
type WorkflowError struct {
	Phase     Phase
	Kind      string
	Message   string
	At        time.Time
	SubtaskID string
}

func errMissingField(field string) error {
	return &ValidationError{Field: field, Reason: "required field is empty"}
}

func errInvalidPriority(p Priority) error {
	return &ValidationError{Field: "priority", Reason: "priority must be between 1 and 5"}
}

// ValidationError reports a single rejected field on task submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}
