package api

// Step names. They double as agent names and as AgentResults keys.
const (
	StepDatabase   = "DatabaseAgent"
	StepBackend    = "BackendAgent"
	StepFrontend   = "FrontendAgent"
	StepDeployment = "DeploymentAgent"
	StepTesting    = "TestingAgent"
)

// Pipeline stages recorded in Record.CurrentStage.
const (
	StageStart              = "start"
	StageDatabase           = "database"
	StageParallelGeneration = "parallel_generation"
	StageFinalization       = "finalization"
)

// PipelineSteps lists every step in execution order.
var PipelineSteps = []string{StepDatabase, StepBackend, StepFrontend, StepDeployment, StepTesting}

// IsPipelineStep reports whether name is one of PipelineSteps.
func IsPipelineStep(name string) bool {
	for _, s := range PipelineSteps {
		if s == name {
			return true
		}
	}
	return false
}
