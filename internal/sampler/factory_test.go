package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/engine"
)

func TestMergeOverlaysOnlySetFields(t *testing.T) {
	base := domain.DefaultSamplingParams()
	temp := 0.2
	topK := 7
	rt := &domain.RuntimeParams{Temperature: &temp, TopK: &topK}

	merged := Merge(base, rt)
	require.Equal(t, 0.2, merged.Temperature)
	require.Equal(t, 7, merged.TopK)
	require.Equal(t, base.TopP, merged.TopP)
	require.Equal(t, base.RepeatPenalty, merged.RepeatPenalty)
}

func TestMergeNilRuntimeReturnsBaseUnchanged(t *testing.T) {
	base := domain.DefaultSamplingParams()
	merged := Merge(base, nil)
	require.Equal(t, base, merged)
}

func TestResolvePenaltyLastNAppliesCtxSize(t *testing.T) {
	p := domain.DefaultSamplingParams()
	p.PenaltyLastN = -1
	p.DRY.PenaltyLastN = -1
	p.DRY.Base = 0

	ResolvePenaltyLastN(&p, 4096)
	require.Equal(t, 4096, p.PenaltyLastN)
	require.Equal(t, 4096, p.DRY.PenaltyLastN)
	require.Equal(t, 1.75, p.DRY.Base)
}

func TestFactoryBuildAndRebuildFreesPreviousHandle(t *testing.T) {
	e := engine.NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 2048})
	require.NoError(t, err)

	f := NewFactory(e)
	base := domain.DefaultSamplingParams()

	h1, merged, err := f.Build(context.Background(), model, 2048, base, nil)
	require.NoError(t, err)
	require.NotZero(t, h1)
	require.Equal(t, base.PenaltyLastN, merged.PenaltyLastN)

	temp := 0.5
	h2, merged2, err := f.Rebuild(context.Background(), h1, model, 2048, base, &domain.RuntimeParams{Temperature: &temp})
	require.NoError(t, err)
	require.NotZero(t, h2)
	require.Equal(t, 0.5, merged2.Temperature)

	_, err = e.SamplerSample(context.Background(), h1, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
