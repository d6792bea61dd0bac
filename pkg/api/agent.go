package api

import (
	"context"
	"encoding/json"
)

// File is one generated artifact.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// StepInput is what the orchestrator hands to an agent. Schema is filled
// for the generation steps that depend on the database step; AllFiles for
// the steps that consume earlier output.
type StepInput struct {
	Prompt   string `json:"prompt"`
	Schema   string `json:"schema,omitempty"`
	AllFiles []File `json:"allFiles,omitempty"`
}

// AgentResult is the outcome of one agent invocation. Success=false with
// Error set is a reported failure; transport or dependency problems are
// returned as the error value of Execute instead.
type AgentResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Tokens  int64           `json:"tokens,omitempty"`
}

// Agent performs one pipeline step.
type Agent interface {
	Name() string
	Execute(ctx context.Context, in StepInput, rec *Record) (AgentResult, error)
}

// Validation is a secondary review of an agent's output.
type Validation struct {
	ConfidenceScore float64 `json:"confidenceScore"`
	IsValid         bool    `json:"isValid"`
	Feedback        string  `json:"feedback"`
	Tokens          int64   `json:"-"`
}

// Validator scores step output.
type Validator interface {
	Validate(ctx context.Context, stepName string, output json.RawMessage) (Validation, error)
}

// SchemaOutput is the data shape produced by the database step.
type SchemaOutput struct {
	Schema   string   `json:"schema"`
	Entities []string `json:"entities"`
}

// FilesOutput is the data shape produced by every file-generating step.
type FilesOutput struct {
	Files []File `json:"files"`
}
