package worker

type Step int

const (
	StepReceived Step = iota
	StepLoading
	StepChunking
	StepEmbedding
	StepBootstrapping
	StepUpserting
	StepCompleted
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepReceived:
		return "received"
	case StepLoading:
		return "loading"
	case StepChunking:
		return "chunking"
	case StepEmbedding:
		return "embedding"
	case StepBootstrapping:
		return "bootstrapping"
	case StepUpserting:
		return "upserting"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}
