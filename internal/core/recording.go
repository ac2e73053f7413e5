package core

import (
	"time"

	"github.com/google/uuid"
)

type RecordingState string

const (
	RecordingRunning  RecordingState = "running"
	RecordingFinished RecordingState = "finished"
	RecordingCrashed  RecordingState = "crashed"
)

// Recording is one run of the egress transcoder: a row per spawned process,
// finalized with the exit code when the process leaves.
type Recording struct {
	ID           string         `json:"id" db:"id"`
	PlaylistPath string         `json:"playlist_path" db:"playlist_path"`
	State        RecordingState `json:"state" db:"state"`
	ExitCode     *int           `json:"exit_code,omitempty" db:"exit_code"`
	StartedAt    time.Time      `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

func NewRecording(playlistPath string) *Recording {
	return &Recording{
		ID:           uuid.NewString(),
		PlaylistPath: playlistPath,
		State:        RecordingRunning,
		StartedAt:    time.Now(),
	}
}
