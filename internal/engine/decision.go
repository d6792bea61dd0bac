package engine

import "github.com/KiranJinka45/multiAgent-sub000/pkg/api"

// DecisionKind says whether a step runs.
type DecisionKind int

const (
	DecisionRun DecisionKind = iota
	DecisionSkip
)

func (k DecisionKind) String() string {
	if k == DecisionSkip {
		return "skip"
	}
	return "run"
}

// Decision is the resumability verdict for one step.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

func (d Decision) Skip() bool { return d.Kind == DecisionSkip }

// Decide reports whether step must execute given the recorded state. A
// step is skipped only when its recorded status is completed. Every other
// input, including a nil record, an unknown step and an in_progress step
// left behind by a dead worker, runs.
func Decide(step string, rec *api.Record) Decision {
	if rec == nil {
		return Decision{Kind: DecisionRun, Reason: "no record"}
	}
	if !api.IsPipelineStep(step) {
		return Decision{Kind: DecisionRun, Reason: "unknown step"}
	}
	sr, ok := rec.Step(step)
	if !ok {
		return Decision{Kind: DecisionRun, Reason: "not started"}
	}
	switch sr.Status {
	case api.StepCompleted:
		return Decision{Kind: DecisionSkip, Reason: "already completed"}
	case api.StepInProgress:
		return Decision{Kind: DecisionRun, Reason: "interrupted while in progress"}
	case api.StepFailed:
		return Decision{Kind: DecisionRun, Reason: "previous attempt failed"}
	default:
		return Decision{Kind: DecisionRun, Reason: "pending"}
	}
}
