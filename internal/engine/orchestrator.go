package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/persistence"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// DefaultConfidenceThreshold is the minimum validator score a step output
// must reach.
const DefaultConfidenceThreshold = 0.7

// metaTokensForwarded marks a record whose token total was already handed
// to the usage recorder.
const metaTokensForwarded = "tokensForwarded"

// UsageRecorder receives the token total of a successful execution.
type UsageRecorder interface {
	RecordTokenUsage(ctx context.Context, userID, executionID string, tokens int64)
}

// ProgressPublisher receives the record after every step transition.
type ProgressPublisher interface {
	Publish(ctx context.Context, rec *api.Record)
}

// Agents are the five pipeline step implementations.
type Agents struct {
	Database   api.Agent
	Backend    api.Agent
	Frontend   api.Agent
	Deployment api.Agent
	Testing    api.Agent
}

func (a Agents) validate() error {
	for name, ag := range map[string]api.Agent{
		api.StepDatabase:   a.Database,
		api.StepBackend:    a.Backend,
		api.StepFrontend:   a.Frontend,
		api.StepDeployment: a.Deployment,
		api.StepTesting:    a.Testing,
	} {
		if ag == nil {
			return errors.Newf("missing agent for %s", name)
		}
	}
	return nil
}

// Config describes how to construct an Orchestrator. Store, Agents and
// Validator are required.
type Config struct {
	Store     persistence.RecordStore
	Agents    Agents
	Validator api.Validator
	// Retrier defaults to DefaultRetryPolicy.
	Retrier             *Retrier
	Usage               UsageRecorder
	Progress            ProgressPublisher
	Observer            api.Observer
	Logger              *zap.SugaredLogger
	ConfidenceThreshold float64
	// CostPer1KTokens prices the final token total into Metrics.CostTotal.
	CostPer1KTokens float64
}

// RunRequest starts or resumes an execution. An empty ExecutionID gets a
// fresh one; passing a stable id makes Run idempotent.
type RunRequest struct {
	ExecutionID string
	Prompt      string
	UserID      string
	ProjectID   string
}

// RunResult is the outcome of Run. Record holds the final snapshot,
// including partial results of a failed run.
type RunResult struct {
	ExecutionID string
	Success     bool
	Files       []api.File
	Error       string
	Record      *api.Record
}

// Orchestrator drives the fixed pipeline over an execution record:
//
//	database -> {backend, frontend} -> deployment -> testing
//
// Steps already recorded as completed are skipped, so a crashed execution
// resumes where it stopped.
type Orchestrator struct {
	store     persistence.RecordStore
	agents    Agents
	validator api.Validator
	retrier   *Retrier
	usage     UsageRecorder
	progress  ProgressPublisher
	observer  api.Observer
	log       *zap.SugaredLogger
	threshold float64
	price     float64
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator requires a record store")
	}
	if cfg.Validator == nil {
		return nil, errors.New("orchestrator requires a validator")
	}
	if err := cfg.Agents.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:     cfg.Store,
		agents:    cfg.Agents,
		validator: cfg.Validator,
		retrier:   cfg.Retrier,
		usage:     cfg.Usage,
		progress:  cfg.Progress,
		observer:  cfg.Observer,
		log:       logger.OrNop(cfg.Logger),
		threshold: cfg.ConfidenceThreshold,
		price:     cfg.CostPer1KTokens,
	}
	if o.observer == nil {
		o.observer = api.NoopObserver{}
	}
	if o.retrier == nil {
		o.retrier = NewRetrier(DefaultRetryPolicy(), o.observer, o.log)
	}
	if o.threshold <= 0 {
		o.threshold = DefaultConfidenceThreshold
	}
	return o, nil
}

// Run executes or resumes one execution. The returned error is the cause
// of a failed run; the result is non-nil whenever a record exists.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	log := o.log.With(logger.FieldExecutionID, req.ExecutionID)

	rec, created, err := o.store.Create(ctx, api.NewRecord{
		ExecutionID: req.ExecutionID,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		Prompt:      req.Prompt,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve execution %s", req.ExecutionID)
	}
	if !created {
		// A resumed execution keeps the identity it was created with.
		req.Prompt, req.UserID, req.ProjectID = rec.Prompt, rec.UserID, rec.ProjectID
	}

	if rec.Status == api.ExecutionCompleted {
		log.Infow("execution already completed")
		return o.result(req.ExecutionID, rec, nil), nil
	}

	log.Infow("Orchestrating build", logger.FieldUserID, req.UserID, "resumed", !created)
	o.observer.OnExecutionStart(ctx, rec)
	o.publish(ctx, rec)

	if err := o.pipeline(ctx, req, log); err != nil {
		return o.fail(ctx, req, err, log)
	}

	final, err := persistence.Finalize(ctx, o.store, req.ExecutionID, persistence.Finalization{
		Status:          api.ExecutionCompleted,
		CostPer1KTokens: o.price,
	})
	if err != nil {
		return o.fail(ctx, req, err, log)
	}
	o.forwardUsage(ctx, final, log)
	o.publish(ctx, final)
	o.observer.OnExecutionCompleted(ctx, final)
	log.Infow("Build completed", logger.FieldTokens, final.Metrics.TokensTotal)

	return o.result(req.ExecutionID, final, nil), nil
}

func (o *Orchestrator) pipeline(ctx context.Context, req RunRequest, log *zap.SugaredLogger) error {
	rec, err := o.store.Get(ctx, req.ExecutionID)
	if err != nil {
		return err
	}

	// Database.
	if !Decide(api.StepDatabase, rec).Skip() {
		if _, err := persistence.SetStage(ctx, o.store, req.ExecutionID, api.StageDatabase); err != nil {
			return err
		}
	}
	if err := o.runStep(ctx, req.ExecutionID, o.agents.Database, api.StepInput{Prompt: req.Prompt}, rec, log); err != nil {
		return err
	}

	// Parallel generation. Siblings are not cancelled when one fails so
	// that finished work is recorded for the next resume.
	rec, err = persistence.SetStage(ctx, o.store, req.ExecutionID, api.StageParallelGeneration)
	if err != nil {
		return err
	}
	schema, err := schemaOf(rec)
	if err != nil {
		return err
	}
	genInput := api.StepInput{Prompt: req.Prompt, Schema: schema}
	var g errgroup.Group
	for _, ag := range []api.Agent{o.agents.Backend, o.agents.Frontend} {
		g.Go(func() error {
			return o.runStep(ctx, req.ExecutionID, ag, genInput, rec, log)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Finalization.
	rec, err = persistence.SetStage(ctx, o.store, req.ExecutionID, api.StageFinalization)
	if err != nil {
		return err
	}
	allFiles := append(filesOf(rec, api.StepBackend), filesOf(rec, api.StepFrontend)...)
	if err := o.runStep(ctx, req.ExecutionID, o.agents.Deployment, api.StepInput{Prompt: req.Prompt, AllFiles: allFiles}, rec, log); err != nil {
		return err
	}

	rec, err = o.store.Get(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	withDeploy := append(allFiles[:len(allFiles):len(allFiles)], filesOf(rec, api.StepDeployment)...)
	return o.runStep(ctx, req.ExecutionID, o.agents.Testing, api.StepInput{Prompt: req.Prompt, AllFiles: withDeploy}, rec, log)
}

type stepOutput struct {
	data   json.RawMessage
	tokens int64
}

// runStep executes one agent unless rec says it already completed.
func (o *Orchestrator) runStep(ctx context.Context, executionID string, agent api.Agent, in api.StepInput, rec *api.Record, log *zap.SugaredLogger) error {
	name := agent.Name()
	d := Decide(name, rec)
	if d.Skip() {
		log.Infow("Skipping step", logger.FieldStep, name, "reason", d.Reason)
		o.observer.OnStepSkipped(ctx, executionID, name)
		return nil
	}

	log.Infow("Starting step", logger.FieldStep, name, "reason", d.Reason)
	o.observer.OnStepStart(ctx, executionID, name)
	start := time.Now()

	current, err := persistence.SetStepResult(ctx, o.store, executionID, name, persistence.StepUpdate{
		Status:       api.StepInProgress,
		BeginAttempt: true,
	})
	if err != nil {
		return err
	}
	o.publish(ctx, current)

	out, err := Execute(ctx, o.retrier, name, func(ctx context.Context) (stepOutput, error) {
		return o.attempt(ctx, agent, in, current, log)
	})
	if err != nil {
		// Record the failure even when ctx was cancelled.
		failed, uerr := persistence.SetStepResult(context.WithoutCancel(ctx), o.store, executionID, name, persistence.StepUpdate{
			Status: api.StepFailed,
			Error:  err.Error(),
		})
		if uerr != nil {
			log.Errorw("Failed to record step failure", logger.FieldStep, name, logger.FieldError, uerr)
		} else {
			o.publish(ctx, failed)
		}
		o.observer.OnStepCompleted(ctx, executionID, name, err, time.Since(start))
		return err
	}

	done, err := persistence.SetStepResult(ctx, o.store, executionID, name, persistence.StepUpdate{
		Status: api.StepCompleted,
		Data:   out.data,
		Tokens: out.tokens,
	})
	o.observer.OnStepCompleted(ctx, executionID, name, err, time.Since(start))
	if err != nil {
		return err
	}
	o.publish(ctx, done)
	return nil
}

// attempt is one agent call followed by validation. A low score is a
// failure so the retrier tries again.
func (o *Orchestrator) attempt(ctx context.Context, agent api.Agent, in api.StepInput, rec *api.Record, log *zap.SugaredLogger) (stepOutput, error) {
	name := agent.Name()

	res, err := agent.Execute(ctx, in, rec)
	if err != nil {
		return stepOutput{}, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = name + " reported failure"
		}
		return stepOutput{}, errors.New(msg)
	}

	o.setStatus(ctx, rec.ExecutionID, api.ExecutionValidating, log)
	v, err := o.validator.Validate(ctx, name, res.Data)
	o.setStatus(ctx, rec.ExecutionID, api.ExecutionExecuting, log)
	if err != nil {
		return stepOutput{}, errors.Wrapf(err, "validate %s output", name)
	}
	if v.ConfidenceScore < o.threshold {
		log.Warnw("Low validation confidence",
			logger.FieldStep, name,
			logger.FieldScore, v.ConfidenceScore,
			"feedback", v.Feedback,
		)
		return stepOutput{}, errors.WithDetailf(
			errors.Wrapf(errors.ErrLowConfidence, "%s scored %.2f", name, v.ConfidenceScore),
			"feedback: %s", v.Feedback,
		)
	}

	return stepOutput{data: res.Data, tokens: res.Tokens + v.Tokens}, nil
}

// setStatus reports validation progress on the record. Failures are
// logged; the step result is what resume depends on.
func (o *Orchestrator) setStatus(ctx context.Context, executionID string, status api.ExecutionStatus, log *zap.SugaredLogger) {
	if _, err := persistence.SetExecutionStatus(context.WithoutCancel(ctx), o.store, executionID, status); err != nil {
		log.Warnw("Failed to update execution status", logger.FieldStatus, status, logger.FieldError, err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, req RunRequest, cause error, log *zap.SugaredLogger) (*RunResult, error) {
	log.Errorw("Build failed", logger.FieldError, cause)

	rec, err := persistence.Finalize(context.WithoutCancel(ctx), o.store, req.ExecutionID, persistence.Finalization{
		Status:          api.ExecutionFailed,
		Error:           cause.Error(),
		CostPer1KTokens: o.price,
	})
	if err != nil {
		log.Errorw("Failed to finalize execution", logger.FieldError, err)
		rec, _ = o.store.Get(context.WithoutCancel(ctx), req.ExecutionID)
	}
	if rec == nil {
		rec = &api.Record{ExecutionID: req.ExecutionID, UserID: req.UserID, Status: api.ExecutionFailed, LastError: cause.Error()}
	}
	o.publish(ctx, rec)
	o.observer.OnExecutionFailed(ctx, rec, cause)

	return o.result(req.ExecutionID, rec, cause), cause
}

// forwardUsage hands the final token total to the usage recorder at most
// once per execution. The claim is committed on the record before the
// forward so a replay of a completed execution cannot bill twice.
func (o *Orchestrator) forwardUsage(ctx context.Context, rec *api.Record, log *zap.SugaredLogger) {
	if o.usage == nil {
		return
	}

	var (
		total   int64
		claimed bool
	)
	_, err := o.store.AtomicUpdate(ctx, rec.ExecutionID, func(r *api.Record) error {
		claimed = false
		if _, done := r.Metadata[metaTokensForwarded]; done {
			return nil
		}
		total = r.TotalTokens()
		r.Metadata[metaTokensForwarded] = total
		claimed = true
		return nil
	})
	if err != nil {
		log.Errorw("Non-fatal error tracking execution tokens", logger.FieldError, err)
		return
	}
	if !claimed || total <= 0 {
		return
	}

	o.usage.RecordTokenUsage(ctx, rec.UserID, rec.ExecutionID, total)
	log.Infow("Tokens recorded for execution", logger.FieldTokens, total, logger.FieldUserID, rec.UserID)
}

func (o *Orchestrator) publish(ctx context.Context, rec *api.Record) {
	if o.progress == nil || rec == nil {
		return
	}
	o.progress.Publish(context.WithoutCancel(ctx), rec)
}

func (o *Orchestrator) result(executionID string, rec *api.Record, cause error) *RunResult {
	res := &RunResult{ExecutionID: executionID, Record: rec, Success: cause == nil}
	if cause != nil {
		res.Error = cause.Error()
		return res
	}
	for _, step := range []string{api.StepBackend, api.StepFrontend, api.StepDeployment, api.StepTesting} {
		res.Files = append(res.Files, filesOf(rec, step)...)
	}
	return res
}

// schemaOf extracts the schema produced by the database step. A JSON
// string is unquoted; any other JSON value is passed on verbatim.
func schemaOf(rec *api.Record) (string, error) {
	sr, ok := rec.Step(api.StepDatabase)
	if !ok || len(sr.Data) == 0 {
		return "", errors.New("database step produced no output")
	}
	var out struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(sr.Data, &out); err != nil {
		return "", errors.Wrap(err, "decode database step output")
	}
	var s string
	if err := json.Unmarshal(out.Schema, &s); err == nil {
		return s, nil
	}
	return strings.TrimSpace(string(out.Schema)), nil
}

// filesOf returns the files recorded for step, or nil.
func filesOf(rec *api.Record, step string) []api.File {
	sr, ok := rec.Step(step)
	if !ok || len(sr.Data) == 0 {
		return nil
	}
	var out api.FilesOutput
	if err := json.Unmarshal(sr.Data, &out); err != nil {
		return nil
	}
	return out.Files
}
