package session

import (
	"fmt"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
)

// SyncStatus reports offline queue reconciliation to the user.
type SyncStatus string

const (
	SyncIdle     SyncStatus = "idle"
	SyncSyncing  SyncStatus = "syncing"
	SyncComplete SyncStatus = "complete"
)

// TranscriptSegment is the accepted text for one segment. Text may be empty.
type TranscriptSegment struct {
	SequenceIndex int64     `json:"sequenceIndex"`
	Text          string    `json:"text"`
	ProducedAt    time.Time `json:"producedAt"`
}

// State is a point-in-time snapshot of the session.
type State struct {
	SessionID      string     `json:"sessionId,omitempty"`
	Status         Status     `json:"status"`
	ElapsedSeconds int64      `json:"elapsedSeconds"`
	Elapsed        string     `json:"elapsed"`
	SyncStatus     SyncStatus `json:"syncStatus"`
	Segments       int64      `json:"segments"`
	Transcribed    int        `json:"transcribed"`
	Queued         int        `json:"queued"`
	InFlight       int        `json:"inFlight"`
	Online         bool       `json:"online"`
	Warning        string     `json:"warning,omitempty"`
	StartedAt      time.Time  `json:"startedAt,omitempty"`
}

// FormatElapsed renders seconds as HH:MM:SS.
func FormatElapsed(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
