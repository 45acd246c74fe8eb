package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/engine"
)

func testutilGaugeValue(t *testing.T, s *Store) float64 {
	t.Helper()
	return testutil.ToFloat64(s.metrics.Active)
}

func testConfig() domain.SessionConfig {
	return domain.SessionConfig{
		MaxSessions:   10,
		IdleTimeout:   time.Hour,
		AutoCleanup:   true,
		MaxConcurrent: 2,
	}
}

func newTestStore(t *testing.T, cfg domain.SessionConfig) (*Store, *engine.MockEngine) {
	t.Helper()
	e := engine.NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 2048})
	require.NoError(t, err)
	ctxH, err := e.CreateContext(context.Background(), model, domain.ModelParams{CtxSize: 2048})
	require.NoError(t, err)

	s := New(cfg, e, nil)
	s.Bind(ctxH)
	return s, e
}

func TestOpenAssignsSequentialExecCtx(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	a, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	b, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.Equal(t, domain.ExecCtx(1), a)
	require.Equal(t, domain.ExecCtx(2), b)
}

func TestOpenGeneratesULIDWhenSessionIDEmpty(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	sess, ok := s.Get(execCtx)
	require.True(t, ok)
	require.NotEmpty(t, sess.ID)
}

func TestOpenRejectsOverMaxConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s, _ := newTestStore(t, cfg)
	_, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	_, err = s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.ErrorIs(t, err, domain.ErrCapacity)
}

func TestCloseReleasesConcurrencySlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s, _ := newTestStore(t, cfg)
	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.NoError(t, s.Close(execCtx))

	_, err = s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
}

func TestCloseUnknownExecCtxReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	err := s.Close(domain.ExecCtx(999))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetNextExecCtxRewindsCounter(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	_, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	s.ResetNextExecCtx()
	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.Equal(t, domain.ExecCtx(1), execCtx)
}

func TestAutoCleanupEvictsIdleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = -time.Second // already-idle by construction
	s, _ := newTestStore(t, cfg)
	_, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)

	// A second Open triggers autoCleanup, which sweeps the first
	// session since its idle timeout is already in the past.
	_, err = s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.Equal(t, 1, s.Active())
}

func TestAutoCleanupEvictsOldestOverMaxSessions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.MaxConcurrent = 10
	s, _ := newTestStore(t, cfg)
	first, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	_, err = s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)

	_, stillOpen := s.Get(first)
	require.False(t, stillOpen)
	require.Equal(t, 1, s.Active())
}

func TestSetMetricsTracksActiveSessionCount(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	s.SetMetrics(NewMetrics(nil))

	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.Equal(t, float64(1), testutilGaugeValue(t, s))

	require.NoError(t, s.Close(execCtx))
	require.Equal(t, float64(0), testutilGaugeValue(t, s))
}

type fakeMemoryManager struct {
	clearCalls    int
	clearAllCalls int
}

func (f *fakeMemoryManager) Clear(domain.ContextHandle, domain.ExecCtx) error {
	f.clearCalls++
	return nil
}

func (f *fakeMemoryManager) ClearAll(domain.ContextHandle) error {
	f.clearAllCalls++
	return nil
}

func newTestStoreWithMem(t *testing.T, cfg domain.SessionConfig, mem MemoryManager) *Store {
	t.Helper()
	e := engine.NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 2048})
	require.NoError(t, err)
	ctxH, err := e.CreateContext(context.Background(), model, domain.ModelParams{CtxSize: 2048})
	require.NoError(t, err)

	s := New(cfg, e, mem)
	s.Bind(ctxH)
	return s
}

func TestCloseSkipsMemoryManagerWhileSwapInFlight(t *testing.T) {
	mem := &fakeMemoryManager{}
	s := newTestStoreWithMem(t, testConfig(), mem)
	s.SetSwapGate(func() bool { return true })

	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.NoError(t, s.Close(execCtx))

	require.Equal(t, 0, mem.clearCalls)
	require.Equal(t, 0, mem.clearAllCalls)
	require.Equal(t, 0, s.Active())
}

func TestCloseCallsMemoryManagerWhenNoSwapInFlight(t *testing.T) {
	mem := &fakeMemoryManager{}
	s := newTestStoreWithMem(t, testConfig(), mem)
	s.SetSwapGate(func() bool { return false })

	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)
	require.NoError(t, s.Close(execCtx))

	require.Equal(t, 1, mem.clearCalls)
	require.Equal(t, 1, mem.clearAllCalls)
}

func TestMutateAppliesUnderLock(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	execCtx, err := s.Open(context.Background(), "", domain.DefaultSamplingParams())
	require.NoError(t, err)

	err = s.Mutate(execCtx, func(sess *domain.Session) {
		sess.ChatHistory = append(sess.ChatHistory, domain.ChatMessage{Role: domain.RoleUser, Content: "hi"})
	})
	require.NoError(t, err)

	sess, ok := s.Get(execCtx)
	require.True(t, ok)
	require.Len(t, sess.ChatHistory, 1)
}
