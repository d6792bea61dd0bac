package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

const (
	databaseSystem = `You are a Senior Database Architect.
Analyze the project requirements and design a robust SQL schema.
Output JSON with "schema" (SQL string) and "entities" (array of table names).`

	backendSystem = `You are a Senior Backend Engineer.
Design internal API routes and server logic.
Output JSON with "files" (array of {path: string, content: string}) representing the backend structure.`

	frontendSystem = `You are a Senior Frontend Architect.
Design a premium, responsive UI using Tailwind.
Output JSON with "files" (array of {path: string, content: string}) for the frontend.`

	deploymentSystem = `You are a DevOps Architect.
Create Dockerfiles and deployment scripts.
Output JSON with "files" (array of {path: string, content: string}) for DevOps.`

	testingSystem = `You are a QA Engineer.
Generate unit and integration tests.
Output JSON with "files" (array of {path: string, content: string}) for testing.`
)

// step runs one generation step. Transport and breaker failures are
// returned as errors; a reply of the wrong shape is a reported failure.
type step struct {
	name   string
	system string
	model  string
	client Completer
	log    *zap.SugaredLogger
	user   func(in api.StepInput) (string, error)
	check  func(data json.RawMessage) (string, error)
}

func (s *step) Name() string { return s.name }

func (s *step) Execute(ctx context.Context, in api.StepInput, _ *api.Record) (api.AgentResult, error) {
	user, err := s.user(in)
	if err != nil {
		return api.AgentResult{}, errors.Wrapf(err, "%s: build prompt", s.name)
	}
	out, err := s.client.CompleteJSON(ctx, s.model, s.system, user)
	if err != nil {
		return api.AgentResult{}, errors.Wrapf(err, "%s", s.name)
	}
	summary, err := s.check(out.Content)
	if err != nil {
		s.log.Warnw("Agent reply rejected", logger.FieldError, err)
		return api.AgentResult{Success: false, Error: err.Error(), Tokens: out.Tokens}, nil
	}
	s.log.Infow(summary, logger.FieldTokens, out.Tokens)
	return api.AgentResult{Success: true, Data: out.Content, Tokens: out.Tokens}, nil
}

func newStep(name, system, model string, client Completer, log *zap.SugaredLogger) *step {
	if model == "" {
		model = DefaultModel
	}
	return &step{
		name:   name,
		system: system,
		model:  model,
		client: client,
		log:    logger.OrNop(log).With("agent", name),
		check:  checkFiles,
	}
}

// NewDatabaseAgent designs the SQL schema every later step builds on.
func NewDatabaseAgent(client Completer, model string, log *zap.SugaredLogger) api.Agent {
	s := newStep(api.StepDatabase, databaseSystem, model, client, log)
	s.user = func(in api.StepInput) (string, error) {
		return "Project: " + in.Prompt, nil
	}
	s.check = func(data json.RawMessage) (string, error) {
		var out api.SchemaOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return "", errors.Wrap(err, "decode schema output")
		}
		if strings.TrimSpace(out.Schema) == "" {
			return "", errors.New("reply has no schema")
		}
		return "Schema designed with tables: " + strings.Join(out.Entities, ", "), nil
	}
	return s
}

func NewBackendAgent(client Completer, model string, log *zap.SugaredLogger) api.Agent {
	s := newStep(api.StepBackend, backendSystem, model, client, log)
	s.user = func(in api.StepInput) (string, error) {
		schema, err := json.Marshal(in.Schema)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Prompt: %s\nSchema: %s", in.Prompt, schema), nil
	}
	return s
}

func NewFrontendAgent(client Completer, model string, log *zap.SugaredLogger) api.Agent {
	s := newStep(api.StepFrontend, frontendSystem, model, client, log)
	s.user = func(in api.StepInput) (string, error) {
		schema, err := json.Marshal(in.Schema)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Project: %s\nSchema: %s", in.Prompt, schema), nil
	}
	return s
}

func NewDeploymentAgent(client Completer, model string, log *zap.SugaredLogger) api.Agent {
	s := newStep(api.StepDeployment, deploymentSystem, model, client, log)
	s.user = filesPrompt("Prompt", "Files")
	return s
}

func NewTestingAgent(client Completer, model string, log *zap.SugaredLogger) api.Agent {
	s := newStep(api.StepTesting, testingSystem, model, client, log)
	s.user = filesPrompt("Project", "Files Context")
	return s
}

func filesPrompt(promptLabel, filesLabel string) func(api.StepInput) (string, error) {
	return func(in api.StepInput) (string, error) {
		files := in.AllFiles
		if files == nil {
			files = []api.File{}
		}
		raw, err := json.Marshal(files)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s\n%s: %s", promptLabel, in.Prompt, filesLabel, raw), nil
	}
}

func checkFiles(data json.RawMessage) (string, error) {
	var out api.FilesOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "decode files output")
	}
	for i, f := range out.Files {
		if strings.TrimSpace(f.Path) == "" {
			return "", errors.Newf("file %d has no path", i)
		}
	}
	return fmt.Sprintf("Generated %d files", len(out.Files)), nil
}

// Set builds all five step agents over one client.
func Set(client Completer, model string, log *zap.SugaredLogger) (database, backend, frontend, deployment, testing api.Agent) {
	return NewDatabaseAgent(client, model, log),
		NewBackendAgent(client, model, log),
		NewFrontendAgent(client, model, log),
		NewDeploymentAgent(client, model, log),
		NewTestingAgent(client, model, log)
}
