package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/engine"
	"github.com/fairyhunter13/inference-gateway/internal/memory"
	"github.com/fairyhunter13/inference-gateway/internal/sampler"
	"github.com/fairyhunter13/inference-gateway/internal/session"
)

type testRig struct {
	engine *engine.MockEngine
	store  *session.Store
	orch   *Orchestrator
	state  ModelState
}

func newTestRig(t *testing.T, maxTokens int) *testRig {
	t.Helper()
	e := engine.NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 4096})
	require.NoError(t, err)
	ctxH, err := e.CreateContext(context.Background(), model, domain.ModelParams{CtxSize: 4096})
	require.NoError(t, err)

	mem, err := memory.New(e, domain.MemoryConfig{
		ContextShifting:       true,
		CacheStrategy:         domain.CacheStrategyLRU,
		MaxCacheTokens:        4096,
		NKeepTokens:           128,
		NDiscardTokens:        256,
		CacheDeletionStrategy: domain.CacheStrategyLRU,
	})
	require.NoError(t, err)

	store := session.New(domain.SessionConfig{MaxSessions: 10, IdleTimeout: time.Hour, MaxConcurrent: 10}, e, mem)
	store.Bind(ctxH)

	state := ModelState{Model: model, Ctx: ctxH, Vocab: domain.VocabHandle(model), Tmpl: domain.TemplateHandle(model), CtxSize: 4096}
	factory := sampler.NewFactory(e)
	orch := New(e, store, mem, factory, func() ModelState { return state })

	return &testRig{engine: e, store: store, orch: orch, state: state}
}

func TestRunProducesNonEmptyResponseAndAppendsHistory(t *testing.T) {
	rig := newTestRig(t, 512)
	sampling := domain.DefaultSamplingParams()
	sampling.MaxTokens = 3
	execCtx, err := rig.store.Open(context.Background(), "", sampling)
	require.NoError(t, err)

	task := domain.NewTask(1, execCtx, domain.PriorityNormal, domain.Prompt{Text: "hello"}, time.Now(), time.Minute)
	out, err := rig.orch.Run(context.Background(), task)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	sess, ok := rig.store.Get(execCtx)
	require.True(t, ok)
	require.Len(t, sess.ChatHistory, 2)
	require.Equal(t, domain.RoleUser, sess.ChatHistory[0].Role)
	require.Equal(t, domain.RoleAssistant, sess.ChatHistory[1].Role)
}

func TestRunUnknownExecCtxReturnsNotFound(t *testing.T) {
	rig := newTestRig(t, 512)
	task := domain.NewTask(1, domain.ExecCtx(999), domain.PriorityNormal, domain.Prompt{Text: "hi"}, time.Now(), time.Minute)
	_, err := rig.orch.Run(context.Background(), task)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunRebuildsSamplerWhenRuntimeParamsSupplied(t *testing.T) {
	rig := newTestRig(t, 512)
	sampling := domain.DefaultSamplingParams()
	sampling.MaxTokens = 2
	execCtx, err := rig.store.Open(context.Background(), "", sampling)
	require.NoError(t, err)

	temp := 0.1
	task := domain.NewTask(1, execCtx, domain.PriorityNormal, domain.Prompt{Text: "hi", Runtime: &domain.RuntimeParams{Temperature: &temp}}, time.Now(), time.Minute)
	_, err = rig.orch.Run(context.Background(), task)
	require.NoError(t, err)
}

func TestRunRespectsAlreadyExpiredTimeout(t *testing.T) {
	rig := newTestRig(t, 512)
	sampling := domain.DefaultSamplingParams()
	sampling.MaxTokens = 50
	execCtx, err := rig.store.Open(context.Background(), "", sampling)
	require.NoError(t, err)

	task := domain.NewTask(1, execCtx, domain.PriorityNormal, domain.Prompt{Text: "hi"}, time.Now().Add(-time.Hour), time.Millisecond)
	out, err := rig.orch.Run(context.Background(), task)
	require.NoError(t, err)
	// The decode loop should stop almost immediately on the expired
	// deadline rather than running to max_tokens.
	require.Less(t, len(out), 50*8)
}

func TestMatchStopSequenceTruncatesResponse(t *testing.T) {
	stopped, truncated := matchStopSequence("hello\n\n", []string{"\n\n"})
	require.True(t, stopped)
	require.Equal(t, "hello", truncated)

	stopped, truncated = matchStopSequence("hello", []string{"\n\n"})
	require.False(t, stopped)
	require.Equal(t, "hello", truncated)
}
