// Package sampler implements the Sampler Factory (spec §4.C): it merges a
// session's static SamplingParams with a per-request RuntimeParams
// override and asks the Engine Adapter to build the resulting sampler
// chain.
package sampler

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Factory builds domain.SamplerHandle values from merged sampling
// parameters, freeing the previous handle whenever a session's runtime
// parameters change so the engine never leaks sampler chains.
type Factory struct {
	engine domain.Engine
}

// NewFactory constructs a Factory bound to the given engine.
func NewFactory(engine domain.Engine) *Factory {
	return &Factory{engine: engine}
}

// Merge overlays every non-nil RuntimeParams field onto base, returning a
// new SamplingParams; base is left untouched. penalty_last_n == -1 is
// resolved by the caller (the orchestrator, which knows the active
// context's size) after Merge returns, matching the static-config
// resolution already performed by the configuration loader.
func Merge(base domain.SamplingParams, rt *domain.RuntimeParams) domain.SamplingParams {
	out := base
	if rt == nil {
		return out
	}
	if rt.Temperature != nil {
		out.Temperature = *rt.Temperature
	}
	if rt.TopP != nil {
		out.TopP = *rt.TopP
	}
	if rt.TopK != nil {
		out.TopK = *rt.TopK
	}
	if rt.MinP != nil {
		out.MinP = *rt.MinP
	}
	if rt.TypicalP != nil {
		out.TypicalP = *rt.TypicalP
	}
	if rt.RepeatPenalty != nil {
		out.RepeatPenalty = *rt.RepeatPenalty
	}
	if rt.PresencePenalty != nil {
		out.PresencePenalty = *rt.PresencePenalty
	}
	if rt.FrequencyPenalty != nil {
		out.FrequencyPenalty = *rt.FrequencyPenalty
	}
	if rt.PenaltyLastN != nil {
		out.PenaltyLastN = *rt.PenaltyLastN
	}
	if rt.DRY != nil {
		out.DRY = *rt.DRY
	}
	if rt.DynaTemp != nil {
		out.DynaTemp = *rt.DynaTemp
	}
	if rt.Mirostat != nil {
		out.Mirostat = *rt.Mirostat
	}
	if rt.Seed != nil {
		out.Seed = *rt.Seed
	}
	if rt.NProbs != nil {
		out.NProbs = *rt.NProbs
	}
	if rt.MinKeep != nil {
		out.MinKeep = *rt.MinKeep
	}
	if rt.IgnoreEOS != nil {
		out.IgnoreEOS = *rt.IgnoreEOS
	}
	if rt.Grammar != nil {
		out.Grammar = *rt.Grammar
	}
	if rt.GrammarLazy != nil {
		out.GrammarLazy = *rt.GrammarLazy
	}
	if rt.LogitBias != nil {
		out.LogitBias = rt.LogitBias
	}
	if rt.MaxTokens != nil {
		out.MaxTokens = *rt.MaxTokens
	}
	if rt.StopSequences != nil {
		out.StopSequences = rt.StopSequences
	}
	return out
}

// ResolvePenaltyLastN applies the documented -1 == ctx_size resolution
// (§4.A, §4.C) to both the top-level and DRY penalty windows.
func ResolvePenaltyLastN(p *domain.SamplingParams, ctxSize int) {
	if p.PenaltyLastN == -1 {
		p.PenaltyLastN = ctxSize
	}
	if p.DRY.PenaltyLastN == -1 {
		p.DRY.PenaltyLastN = ctxSize
	}
	if p.DRY.Base < 1.0 {
		p.DRY.Base = 1.75
	}
}

// Build merges rt onto base, resolves ctx-relative params and asks the
// engine to construct the resulting sampler chain.
func (f *Factory) Build(ctx context.Context, model domain.ModelHandle, ctxSize int, base domain.SamplingParams, rt *domain.RuntimeParams) (domain.SamplerHandle, domain.SamplingParams, error) {
	merged := Merge(base, rt)
	ResolvePenaltyLastN(&merged, ctxSize)
	h, err := f.engine.SamplerBuild(model, merged)
	if err != nil {
		return 0, merged, fmt.Errorf("op=sampler.Build: %w", err)
	}
	return h, merged, nil
}

// Rebuild frees the previous handle (if nonzero) and builds a new one for
// an updated parameter set, e.g. when a session's runtime params change
// mid-conversation.
func (f *Factory) Rebuild(ctx context.Context, prev domain.SamplerHandle, model domain.ModelHandle, ctxSize int, base domain.SamplingParams, rt *domain.RuntimeParams) (domain.SamplerHandle, domain.SamplingParams, error) {
	if prev != 0 {
		f.engine.SamplerFree(prev)
	}
	return f.Build(ctx, model, ctxSize, base, rt)
}
