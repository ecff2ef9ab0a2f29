package models

import (
	"fmt"
	"time"
)

// Artifact is one immutable, versioned rendering of a deliverable.
type Artifact struct {
	ID        string    `json:"artifact_id"`
	TaskID    string    `json:"task_id"`
	FilePath  string    `json:"file_path"`
	Content   string    `json:"content"`
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactID derives the artifact identifier from its coordinates.
func ArtifactID(taskID, filePath string, version int) string {
	return fmt.Sprintf("%s:%s:v%d", taskID, filePath, version)
}

// NextVersion returns the version the next rendering of filePath must carry,
// given the artifacts already stored for the task.
func NextVersion(existing []Artifact, filePath string) int {
	max := 0
	for _, a := range existing {
		if a.FilePath == filePath && a.Version > max {
			max = a.Version
		}
	}
	return max + 1
}
