package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

const validatorSystem = `You are a Senior QA Automation Engineer.
Validate the following agent output against the project requirements.
Provide a confidence score between 0 and 1.
If score < 0.8, suggest specific improvements.
Output JSON with "confidenceScore" (number), "isValid" (boolean), and "feedback" (string).`

// Validator scores step output with a smaller model.
type Validator struct {
	client Completer
	model  string
	log    *zap.SugaredLogger
}

var _ api.Validator = (*Validator)(nil)

func NewValidator(client Completer, model string, log *zap.SugaredLogger) *Validator {
	if model == "" {
		model = DefaultValidatorModel
	}
	return &Validator{
		client: client,
		model:  model,
		log:    logger.OrNop(log).With("agent", "ValidatorAgent"),
	}
}

func (v *Validator) Validate(ctx context.Context, stepName string, output json.RawMessage) (api.Validation, error) {
	user := fmt.Sprintf("Agent: %s\nOutput: %s", stepName, output)
	out, err := v.client.CompleteJSON(ctx, v.model, validatorSystem, user)
	if err != nil {
		return api.Validation{}, errors.Wrapf(err, "validate %s", stepName)
	}

	var res api.Validation
	if err := json.Unmarshal(out.Content, &res); err != nil {
		return api.Validation{}, errors.Wrapf(err, "decode validation of %s", stepName)
	}
	if res.ConfidenceScore < 0 || res.ConfidenceScore > 1 {
		return api.Validation{}, errors.Newf("confidence score %v out of range", res.ConfidenceScore)
	}
	res.Tokens = out.Tokens

	v.log.Infow("Validation complete",
		logger.FieldStep, stepName,
		logger.FieldScore, res.ConfidenceScore,
		logger.FieldTokens, out.Tokens,
	)
	return res, nil
}
