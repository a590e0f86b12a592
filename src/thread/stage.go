package thread

import "fmt"

// GenerationStage is the step a thread's current turn is in
type GenerationStage string

const (
	StageIdle               GenerationStage = "IDLE"
	StageChoosingComponent  GenerationStage = "CHOOSING_COMPONENT"
	StageFetchingContext    GenerationStage = "FETCHING_CONTEXT"
	StageHydratingComponent GenerationStage = "HYDRATING_COMPONENT"
	StageStreamingResponse  GenerationStage = "STREAMING_RESPONSE"
	StageComplete           GenerationStage = "COMPLETE"
	StageError              GenerationStage = "ERROR"
)

var allStages = []GenerationStage{
	StageIdle,
	StageChoosingComponent,
	StageFetchingContext,
	StageHydratingComponent,
	StageStreamingResponse,
	StageComplete,
	StageError,
}

// IsProcessing reports whether a generation holds the thread. FETCHING_CONTEXT
// is not in the set; only the worker that owns the turn enters it.
func (s GenerationStage) IsProcessing() bool {
	switch s {
	case StageChoosingComponent, StageHydratingComponent, StageStreamingResponse:
		return true
	}
	return false
}

// IsTerminal reports whether the turn has ended
func (s GenerationStage) IsTerminal() bool {
	return s == StageComplete || s == StageError
}

func (s GenerationStage) Valid() bool {
	for _, v := range allStages {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStage converts a stored value back into a stage
func ParseStage(s string) (GenerationStage, error) {
	st := GenerationStage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown generation stage %q", s)
	}
	return st, nil
}
