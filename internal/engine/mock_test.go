package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

func TestMockEngineLoadAndDescribe(t *testing.T) {
	e := NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "models/a.gguf", CtxSize: 4096})
	require.NoError(t, err)
	info := e.Describe(model)
	require.Equal(t, "a.gguf", info.Name)
	require.Equal(t, 4096, info.TrainedCtxLength)
}

func TestMockEngineLoadModelRejectsEmptyPath(t *testing.T) {
	e := NewMockEngine()
	_, err := e.LoadModel(context.Background(), domain.ModelParams{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMockEngineTokenizeIsDeterministic(t *testing.T) {
	e := NewMockEngine()
	vocab := domain.VocabHandle(1)
	a, err := e.Tokenize(vocab, "hello world", true, true)
	require.NoError(t, err)
	b, err := e.Tokenize(vocab, "hello world", true, true)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestMockEngineDecodeEnforcesContextFull(t *testing.T) {
	e := NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 4})
	require.NoError(t, err)
	ctxHandle, err := e.CreateContext(context.Background(), model, domain.ModelParams{CtxSize: 4})
	require.NoError(t, err)

	batch := domain.Batch{Items: []domain.BatchItem{{Token: 1}, {Token: 2}, {Token: 3}, {Token: 4}, {Token: 5}}}
	err = e.Decode(context.Background(), ctxHandle, batch)
	require.ErrorIs(t, err, domain.ErrContextFull)
}

func TestMockEngineSamplerTerminates(t *testing.T) {
	e := NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 128})
	require.NoError(t, err)
	sampler, err := e.SamplerBuild(model, domain.SamplingParams{MaxTokens: 3})
	require.NoError(t, err)

	emittedEOS := false
	for i := 0; i < 10; i++ {
		tok, err := e.SamplerSample(context.Background(), sampler, 0)
		require.NoError(t, err)
		if e.IsEndOfGeneration(0, tok) {
			emittedEOS = true
			break
		}
	}
	require.True(t, emittedEOS, "sampler must terminate with EOS once MaxTokens is exceeded")
}

func TestBatchDecoderCoalescesConcurrentDecodes(t *testing.T) {
	e := NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 100})
	require.NoError(t, err)
	ctxHandle, err := e.CreateContext(context.Background(), model, domain.ModelParams{CtxSize: 100})
	require.NoError(t, err)

	bd := NewBatchDecoder(e, 8, 0)
	defer bd.Close()

	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(tok int) {
			errCh <- bd.Decode(context.Background(), ctxHandle, domain.Batch{Items: []domain.BatchItem{{Token: domain.TokenID(tok)}}})
		}(i)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errCh)
	}
	require.Equal(t, 4, e.CtxUsed(ctxHandle))
}

var _ domain.Engine = (*BatchDecoder)(nil)
