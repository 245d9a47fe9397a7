package orchestrator

// StateNames lists every state in transition order, terminal states last
var StateNames = []string{
	"pending",
	"ingesting",
	"loading",
	"transforming",
	"enriching",
	"serving",
	"completed",
	"failed",
}

// PendingState - run created, no stage started
type PendingState struct{}

func (s *PendingState) Name() string { return "pending" }
func (s *PendingState) ToIngesting() *IngestingState {
	return &IngestingState{}
}
func (s *PendingState) ToFailed() *FailedState {
	return &FailedState{}
}

// IngestingState - pulling new buckets from every source
type IngestingState struct{}

func (s *IngestingState) Name() string { return "ingesting" }
func (s *IngestingState) ToLoading() *LoadingState {
	return &LoadingState{}
}
func (s *IngestingState) ToFailed() *FailedState {
	return &FailedState{}
}

// LoadingState - copying stored artifacts into raw tables
type LoadingState struct{}

func (s *LoadingState) Name() string { return "loading" }
func (s *LoadingState) ToTransforming() *TransformingState {
	return &TransformingState{}
}
func (s *LoadingState) ToFailed() *FailedState {
	return &FailedState{}
}

// TransformingState - rebuilding curated tables
type TransformingState struct{}

func (s *TransformingState) Name() string { return "transforming" }
func (s *TransformingState) ToEnriching() *EnrichingState {
	return &EnrichingState{}
}
func (s *TransformingState) ToFailed() *FailedState {
	return &FailedState{}
}

// EnrichingState - classifying new attachments
type EnrichingState struct{}

func (s *EnrichingState) Name() string { return "enriching" }
func (s *EnrichingState) ToServing() *ServingState {
	return &ServingState{}
}
func (s *EnrichingState) ToFailed() *FailedState {
	return &FailedState{}
}

// ServingState - activating the read API
type ServingState struct{}

func (s *ServingState) Name() string { return "serving" }
func (s *ServingState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *ServingState) ToFailed() *FailedState {
	return &FailedState{}
}

// Terminal States

// CompletedState - every stage succeeded
type CompletedState struct{}

func (s *CompletedState) Name() string { return "completed" }

// FailedState - a stage failed; no later stage ran
type FailedState struct{}

func (s *FailedState) Name() string { return "failed" }
