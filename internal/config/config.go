package config

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// aliases collapses legacy flat field names to their canonical key, per
// §4.A: temp=temperature, ctx_size=n_ctx, batch_size=n_batch,
// max_tokens=n_predict, repeat_last_n=penalty_last_n, logprobs=n_probs.
var aliases = map[string]string{
	"temp":          "temperature",
	"ctx_size":      "n_ctx",
	"batch_size":    "n_batch",
	"max_tokens":    "n_predict",
	"repeat_last_n": "penalty_last_n",
	"logprobs":      "n_probs",
}

// Result is the fully-populated, range-checked output of Load.
type Result struct {
	Backend  domain.BackendConfig
	Model    domain.ModelParams
	Sampling domain.SamplingParams
}

// validate is shared across loads; validator.Validate is safe for
// concurrent use once constructed.
var validate = validator.New()

// Load parses a JSON configuration document. Unknown keys are ignored.
// Unparseable JSON returns ErrConfiguration wrapping the parse error and
// defaults for all three records; out-of-range fields are corrected to
// their documented default with a warning logged via logger (logger may be
// nil, in which case warnings are dropped).
func Load(data []byte, logger *slog.Logger) (Result, error) {
	res := Result{
		Backend:  domain.DefaultBackendConfig(),
		Model:    domain.DefaultModelParams(),
		Sampling: domain.DefaultSamplingParams(),
	}
	if len(data) == 0 {
		return res, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return res, fmt.Errorf("op=config.Load: %w: %v", domain.ErrConfiguration, err)
	}

	b := &loadBuilder{lookup: newLookup(raw), logger: logger}

	res.Backend = b.buildBackend(res.Backend)
	res.Model = b.buildModel(res.Model)
	res.Sampling = b.buildSampling(res.Sampling)

	applyCrossFieldAdjustments(&res)
	b.validateEnums(&res)

	return res, nil
}

// applyCrossFieldAdjustments performs the automatic corrections §4.A calls
// out explicitly, rather than a plain warn-and-default.
func applyCrossFieldAdjustments(res *Result) {
	if res.Sampling.PenaltyLastN == -1 {
		res.Sampling.PenaltyLastN = res.Model.CtxSize
	}
	if res.Sampling.DRY.PenaltyLastN == -1 {
		res.Sampling.DRY.PenaltyLastN = res.Model.CtxSize
	}
	if res.Sampling.DRY.Base < 1.0 {
		res.Sampling.DRY.Base = 1.75
	}
	if res.Backend.Queue.WarningThreshold > res.Backend.Queue.QueueSize {
		res.Backend.Queue.WarningThreshold = res.Backend.Queue.QueueSize
	}
	if res.Backend.Queue.RejectThreshold > res.Backend.Queue.QueueSize {
		res.Backend.Queue.RejectThreshold = res.Backend.Queue.QueueSize
	}
}

// ParseRuntimeParams parses a per-request parameter document using the
// same grammar as Load, but leaves every field "unset" unless present in
// the document (§4.A: "every field is optional").
func ParseRuntimeParams(data []byte) (domain.RuntimeParams, error) {
	var rp domain.RuntimeParams
	if len(data) == 0 {
		return rp, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return rp, fmt.Errorf("op=config.ParseRuntimeParams: %w: %v", domain.ErrConfiguration, err)
	}
	l := newLookup(raw)

	if v, ok := l.float("sampling", "temperature", "temp"); ok {
		rp.Temperature = &v
	}
	if v, ok := l.float("sampling", "top_p"); ok {
		rp.TopP = &v
	}
	if v, ok := l.int("sampling", "top_k"); ok {
		rp.TopK = &v
	}
	if v, ok := l.float("sampling", "min_p"); ok {
		rp.MinP = &v
	}
	if v, ok := l.float("sampling", "typical_p"); ok {
		rp.TypicalP = &v
	}
	if v, ok := l.float("sampling", "repeat_penalty"); ok {
		rp.RepeatPenalty = &v
	}
	if v, ok := l.float("sampling", "presence_penalty"); ok {
		rp.PresencePenalty = &v
	}
	if v, ok := l.float("sampling", "frequency_penalty"); ok {
		rp.FrequencyPenalty = &v
	}
	if v, ok := l.int("sampling", "penalty_last_n", "repeat_last_n"); ok {
		rp.PenaltyLastN = &v
	}
	if v, ok := l.int64("sampling", "seed"); ok {
		rp.Seed = &v
	}
	if v, ok := l.int("sampling", "n_probs", "logprobs"); ok {
		rp.NProbs = &v
	}
	if v, ok := l.int("sampling", "min_keep"); ok {
		rp.MinKeep = &v
	}
	if v, ok := l.bool("sampling", "ignore_eos"); ok {
		rp.IgnoreEOS = &v
	}
	if v, ok := l.str("sampling", "grammar"); ok {
		rp.Grammar = &v
	}
	if v, ok := l.bool("sampling", "grammar_lazy"); ok {
		rp.GrammarLazy = &v
	}
	if v, ok := l.int("stopping", "n_predict", "max_tokens"); ok {
		rp.MaxTokens = &v
	}
	if v, ok := l.strSlice("stopping", "stop"); ok {
		rp.StopSequences = v
	}
	if sec, ok := l.section("sampling"); ok {
		if dry, ok := sec["dry"].(map[string]any); ok {
			d := parseDRY(newLookup(dry))
			rp.DRY = &d
		}
		if dt, ok := sec["dynatemp"].(map[string]any); ok {
			d := parseDynaTemp(newLookup(dt))
			rp.DynaTemp = &d
		}
		if ms, ok := sec["mirostat"].(map[string]any); ok {
			m := parseMirostat(newLookup(ms))
			rp.Mirostat = &m
		}
	}
	if lb, ok := l.rawTop("logit_bias"); ok {
		rp.LogitBias = parseLogitBias(lb)
	}
	return rp, nil
}
