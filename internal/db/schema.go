package db

import "time"

// RawRow is a loaded message inside raw storage, unique on (SourceID, ItemID)
type RawRow struct {
	SourceID      string
	ItemID        string
	TimeBucket    string
	MessageText   string
	PostedAt      *time.Time
	Views         int
	AttachmentRef *string
	Payload       string // JSON - sanitized message payload
	LoadedAt      time.Time
}

// Detection is one labeled box produced by the classifier for an attachment
type Detection struct {
	AttachmentRef string
	ItemID        string
	ObjectClass   string
	Confidence    float64
	X1, Y1        float64
	X2, Y2        float64
	SourceID      string
	TimeBucket    string
	CreatedAt     time.Time
}

// ScannedAttachment marks an attachment the enrichment stage has finished with
type ScannedAttachment struct {
	AttachmentRef string
	SourceID      string
	TimeBucket    string
	Detections    int
	ScannedAt     time.Time
}

// PipelineRun represents a single execution of the pipeline
type PipelineRun struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt *time.Time
	State       string
	Success     *bool
	Error       *string
}

// StageRun records the outcome of one stage inside a pipeline run
type StageRun struct {
	RunID       string
	Stage       string
	StartedAt   time.Time
	CompletedAt time.Time
	Success     bool
	Message     string
}
