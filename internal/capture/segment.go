package capture

import "time"

// SegmentState tracks a closed segment through transcription.
type SegmentState string

const (
	StatePending      SegmentState = "pending"
	StateTranscribing SegmentState = "transcribing"
	StateTranscribed  SegmentState = "transcribed"
	StateQueued       SegmentState = "queued"
	StateFailed       SegmentState = "failed"
)

// Segment is a closed, fixed-length window of captured audio.
type Segment struct {
	SessionID     string        `json:"sessionId"`
	SequenceIndex int64         `json:"sequenceIndex"`
	SourceHandle  string        `json:"sourceHandle"`
	CapturedAt    time.Time     `json:"capturedAt"` // when the segment closed
	Duration      time.Duration `json:"duration"`
	Final         bool          `json:"final"`
	State         SegmentState  `json:"state"`
}
