package memory

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/engine"
)

func testMemConfig() domain.MemoryConfig {
	return domain.MemoryConfig{
		ContextShifting:            true,
		CacheStrategy:              domain.CacheStrategyLRU,
		MaxCacheTokens:             8,
		NKeepTokens:                2,
		NDiscardTokens:             0,
		MemoryPressureThreshold:    0.8,
		EnablePartialCacheDeletion: true,
		EnableTokenCacheReuse:      true,
		CacheDeletionStrategy:      domain.CacheStrategyLRU,
		MaxMemoryMB:                0,
	}
}

func newTestManager(t *testing.T, cfg domain.MemoryConfig) (*Manager, *engine.MockEngine, domain.ContextHandle) {
	t.Helper()
	e := engine.NewMockEngine()
	model, err := e.LoadModel(context.Background(), domain.ModelParams{ModelPath: "a.gguf", CtxSize: 16})
	require.NoError(t, err)
	ctxH, err := e.CreateContext(context.Background(), model, domain.ModelParams{CtxSize: 16})
	require.NoError(t, err)

	m, err := New(e, cfg)
	require.NoError(t, err)
	return m, e, ctxH
}

func TestEstimateTokensIsConsistentForRepeatedText(t *testing.T) {
	m, _, _ := newTestManager(t, testMemConfig())
	a := m.EstimateTokens("hello world")
	b := m.EstimateTokens("hello world")
	require.Equal(t, a, b)
	require.Greater(t, a, 0)
}

func TestClearDropsSequenceAccounting(t *testing.T) {
	m, e, ctxH := newTestManager(t, testMemConfig())
	seq := domain.ExecCtx(1)
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: []domain.BatchItem{{Token: 1, SeqID: seq}}}))
	m.TrackDecode(seq, 1)

	require.NoError(t, m.Clear(ctxH, seq))
	require.Equal(t, 0, m.nPast(ctxH, seq))
}

func TestShiftIsNoOpWhenDisabled(t *testing.T) {
	cfg := testMemConfig()
	cfg.ContextShifting = false
	m, _, ctxH := newTestManager(t, cfg)
	require.NoError(t, m.Shift(ctxH, domain.ExecCtx(1), 16))
}

func TestShiftIsNoOpUnderCapacity(t *testing.T) {
	m, e, ctxH := newTestManager(t, testMemConfig())
	seq := domain.ExecCtx(1)
	items := make([]domain.BatchItem, 4)
	for i := range items {
		items[i] = domain.BatchItem{Token: domain.TokenID(i), SeqID: seq}
	}
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: items}))
	m.TrackDecode(seq, 4)
	require.NoError(t, m.Shift(ctxH, seq, 16))
	require.Equal(t, 4, m.nPast(ctxH, seq))
}

func TestShiftDiscardsHalfPastNKeepWhenOverCapacity(t *testing.T) {
	m, e, ctxH := newTestManager(t, testMemConfig())
	seq := domain.ExecCtx(1)

	items := make([]domain.BatchItem, 16)
	for i := range items {
		items[i] = domain.BatchItem{Token: domain.TokenID(i), SeqID: seq}
	}
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: items}))
	m.TrackDecode(seq, 16)

	require.NoError(t, m.Shift(ctxH, seq, 10))
	// nKeep=2, nLeft=14, discard=7 -> nPast becomes 16-7=9, <= capacity 10.
	require.Equal(t, 9, m.nPast(ctxH, seq))
}

func TestPartialEvictNoOpWhenDisabled(t *testing.T) {
	cfg := testMemConfig()
	cfg.EnablePartialCacheDeletion = false
	m, _, ctxH := newTestManager(t, cfg)
	require.NoError(t, m.PartialEvict(ctxH, domain.ExecCtx(1), domain.CacheStrategyLRU))
}

func TestPartialEvictUnknownStrategyErrors(t *testing.T) {
	m, e, ctxH := newTestManager(t, testMemConfig())
	seq := domain.ExecCtx(1)
	items := make([]domain.BatchItem, 8)
	for i := range items {
		items[i] = domain.BatchItem{Token: domain.TokenID(i), SeqID: seq}
	}
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: items}))
	m.TrackDecode(seq, 8)

	err := m.PartialEvict(ctxH, seq, domain.CacheStrategy("bogus"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestOptimizeTracksHitMissRate(t *testing.T) {
	m, e, ctxH := newTestManager(t, testMemConfig())
	seq := domain.ExecCtx(1)

	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: []domain.BatchItem{{Token: 1, SeqID: seq}}}))
	m.TrackDecode(seq, 1)
	require.NoError(t, m.Optimize(ctxH, seq))
	require.Equal(t, 1.0, m.HitRate())

	items := make([]domain.BatchItem, 15)
	for i := range items {
		items[i] = domain.BatchItem{Token: domain.TokenID(i), SeqID: seq}
	}
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: items}))
	m.TrackDecode(seq, 15)
	require.NoError(t, m.Optimize(ctxH, seq))
	require.Less(t, m.HitRate(), 1.0)
}

func TestSetMetricsTracksCacheHitsAndMisses(t *testing.T) {
	m, e, ctxH := newTestManager(t, testMemConfig())
	m.SetMetrics(NewMetrics(nil))
	seq := domain.ExecCtx(1)

	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: []domain.BatchItem{{Token: 1, SeqID: seq}}}))
	m.TrackDecode(seq, 1)
	require.NoError(t, m.Optimize(ctxH, seq))
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.CacheHits))
	require.Equal(t, float64(0), testutil.ToFloat64(m.metrics.CacheMisses))

	items := make([]domain.BatchItem, 15)
	for i := range items {
		items[i] = domain.BatchItem{Token: domain.TokenID(i), SeqID: seq}
	}
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: items}))
	m.TrackDecode(seq, 15)
	require.NoError(t, m.Optimize(ctxH, seq))
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.CacheMisses))
}

func TestPressureDetectedDisabledWhenMaxMemoryMBZero(t *testing.T) {
	m, _, _ := newTestManager(t, testMemConfig())
	require.False(t, m.PressureDetected())
}

func TestHandlePressureFallsBackToClearAllWhenEvictFails(t *testing.T) {
	cfg := testMemConfig()
	cfg.CacheDeletionStrategy = domain.CacheStrategy("bogus")
	m, e, ctxH := newTestManager(t, cfg)
	seq := domain.ExecCtx(1)
	require.NoError(t, e.Decode(context.Background(), ctxH, domain.Batch{Items: []domain.BatchItem{{Token: 1, SeqID: seq}}}))
	m.TrackDecode(seq, 1)

	// PartialEvict fails on the unknown strategy, so HandlePressure falls
	// back to a full ClearAll instead of returning the error.
	require.NoError(t, m.HandlePressure(ctxH))
	require.Equal(t, 0, e.CtxUsed(ctxH))
}
