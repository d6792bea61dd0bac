package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// StubAgent is a scripted api.Agent. With Fn unset it succeeds with
// DefaultOutput for its step.
type StubAgent struct {
	StepName string
	Tokens   int64
	Fn       func(ctx context.Context, call int, in api.StepInput) (api.AgentResult, error)

	calls atomic.Int32
	mu    sync.Mutex
	input []api.StepInput
}

func NewStubAgent(step string, tokens int64) *StubAgent {
	return &StubAgent{StepName: step, Tokens: tokens}
}

func (a *StubAgent) Name() string { return a.StepName }

func (a *StubAgent) Execute(ctx context.Context, in api.StepInput, _ *api.Record) (api.AgentResult, error) {
	call := int(a.calls.Add(1))
	a.mu.Lock()
	a.input = append(a.input, in)
	a.mu.Unlock()

	if a.Fn != nil {
		return a.Fn(ctx, call, in)
	}
	return api.AgentResult{Success: true, Data: DefaultOutput(a.StepName), Tokens: a.Tokens}, nil
}

// Calls returns how many times Execute ran.
func (a *StubAgent) Calls() int { return int(a.calls.Load()) }

// Inputs returns a copy of every input received.
func (a *StubAgent) Inputs() []api.StepInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]api.StepInput(nil), a.input...)
}

// DefaultOutput is a plausible data payload for a pipeline step.
func DefaultOutput(step string) json.RawMessage {
	var v any
	switch step {
	case api.StepDatabase:
		v = api.SchemaOutput{Schema: "CREATE TABLE todos (id uuid primary key);", Entities: []string{"todos"}}
	default:
		v = api.FilesOutput{Files: []api.File{{Path: step + ".txt", Content: "generated by " + step}}}
	}
	raw, _ := json.Marshal(v)
	return raw
}

// StubAgents returns one StubAgent per pipeline step keyed by step name.
func StubAgents(tokens int64) map[string]*StubAgent {
	out := make(map[string]*StubAgent, len(api.PipelineSteps))
	for _, s := range api.PipelineSteps {
		out[s] = NewStubAgent(s, tokens)
	}
	return out
}

// StubValidator scores every output with Score unless Fn is set.
type StubValidator struct {
	Score  float64
	Tokens int64
	Fn     func(step string, call int) float64

	mu    sync.Mutex
	calls map[string]int
}

func (v *StubValidator) Validate(_ context.Context, step string, _ json.RawMessage) (api.Validation, error) {
	v.mu.Lock()
	if v.calls == nil {
		v.calls = make(map[string]int)
	}
	v.calls[step]++
	call := v.calls[step]
	v.mu.Unlock()

	score := v.Score
	if v.Fn != nil {
		score = v.Fn(step, call)
	}
	return api.Validation{ConfidenceScore: score, IsValid: score >= 0.7, Tokens: v.Tokens}, nil
}
