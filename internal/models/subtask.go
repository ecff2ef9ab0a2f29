package models

import (
	"time"
)

// SubtaskType names the stage work a subtask represents.
type SubtaskType string

const (
	SubtaskGenerate SubtaskType = "generate"
	SubtaskValidate SubtaskType = "validate"
	SubtaskFix      SubtaskType = "fix"
	SubtaskPush     SubtaskType = "push"
)

// SubtaskStatus enumerates subtask states.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Subtask is one unit of stage work against a task.
//
// FilePath names the deliverable concerned, Source is the id of the subtask
// whose output this one consumes (a validate points at a generate or fix, a
// fix points at a failed validate), and ArtifactID is the artifact read.
// Push subtasks list every published artifact in Inputs.
type Subtask struct {
	ID          string        `json:"id"`
	Type        SubtaskType   `json:"type"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
	FilePath    string        `json:"file_path,omitempty"`
	Source      string        `json:"source,omitempty"`
	ArtifactID  string        `json:"artifact_id,omitempty"`
	Inputs      []string      `json:"inputs,omitempty"`
	ResultURI   string        `json:"result_uri,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Finish sets the terminal status and result reference.
func (s *Subtask) Finish(status SubtaskStatus, resultURI string) {
	s.Status = status
	if resultURI != "" {
		s.ResultURI = resultURI
	}
	s.UpdatedAt = time.Now().UTC()
}
