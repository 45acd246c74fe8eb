// Package memory implements the Memory Manager (spec §4.E): context
// shifting, partial and full KV-cache eviction, memory-pressure detection,
// and token-cache-reuse bookkeeping. It acts only on (engine context,
// sequence id) pairs and never mutates session state directly.
package memory

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// seqState is the manager's own best-effort accounting of a sequence's
// logical token count; it is advisory only -- the engine remains the
// source of truth for actual KV-cache occupancy via CtxUsed.
type seqState struct {
	nPast int
}

// Manager implements the session.MemoryManager interface (Clear,
// ClearAll) plus the richer operation set the orchestrator drives
// directly.
type Manager struct {
	engine domain.Engine
	cfg    domain.MemoryConfig

	seqs map[domain.ExecCtx]*seqState

	// tokenCache records per-text token-count estimates so repeated
	// prompts across turns skip re-tokenization cost; it is an
	// estimate cache, not a KV-cache substitute.
	tokenCache *ristretto.Cache[string, int]
	encoding   *tiktoken.Tiktoken

	hits   atomic.Int64
	misses atomic.Int64

	metrics *Metrics
}

// New constructs a Manager bound to engine, using cfg's memory policy.
func New(engine domain.Engine, cfg domain.MemoryConfig) (*Manager, error) {
	tc, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 1e6,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("op=memory.New: %w", err)
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("op=memory.New: %w", err)
	}
	return &Manager{
		engine:     engine,
		cfg:        cfg,
		seqs:       make(map[domain.ExecCtx]*seqState),
		tokenCache: tc,
		encoding:   enc,
	}, nil
}

// EstimateTokens returns a local, engine-independent token-count estimate
// for text, serving requests that need a quick capacity check before
// paying for a real engine tokenize call. Reused across identical texts
// via tokenCache when enabled.
func (m *Manager) EstimateTokens(text string) int {
	if m.cfg.EnableTokenCacheReuse {
		if n, ok := m.tokenCache.Get(text); ok {
			m.hits.Add(1)
			return n
		}
	}
	n := len(m.encoding.Encode(text, nil, nil))
	if m.cfg.EnableTokenCacheReuse {
		m.tokenCache.Set(text, n, int64(len(text)))
		m.misses.Add(1)
	}
	return n
}

// trackDecode records that count additional tokens were decoded into seq,
// advancing the manager's own usage estimate. The estimate is
// monotonically non-decreasing except where an eviction/shift explicitly
// lowers it, and never exceeds the engine's own reported usage.
func (m *Manager) trackDecode(seq domain.ExecCtx, count int) {
	s, ok := m.seqs[seq]
	if !ok {
		s = &seqState{}
		m.seqs[seq] = s
	}
	s.nPast += count
}

// Clear drops an entire sequence's KV cache (§4.E clear(seq)).
func (m *Manager) Clear(ctxHandle domain.ContextHandle, seq domain.ExecCtx) error {
	if err := m.engine.KVSeqRemove(ctxHandle, seq, -1, -1); err != nil {
		return fmt.Errorf("op=memory.Clear: %w", err)
	}
	delete(m.seqs, seq)
	return nil
}

// ClearAll drops every sequence's KV cache.
func (m *Manager) ClearAll(ctxHandle domain.ContextHandle) error {
	if err := m.engine.KVClear(ctxHandle, true); err != nil {
		return fmt.Errorf("op=memory.ClearAll: %w", err)
	}
	m.seqs = make(map[domain.ExecCtx]*seqState)
	return nil
}

// Shift keeps the first n_keep_tokens, discards n_discard_tokens (or
// (n_past-n_keep)/2 when n_discard_tokens is zero), and shifts the
// remaining tail left by the discarded count (§4.E shift(seq)). It is a
// no-op unless context-shifting is enabled and n_past exceeds capacity.
func (m *Manager) Shift(ctxHandle domain.ContextHandle, seq domain.ExecCtx, capacity int) error {
	if !m.cfg.ContextShifting {
		return nil
	}
	nPast := m.nPast(ctxHandle, seq)
	if nPast <= capacity {
		return nil
	}
	nKeep := m.cfg.NKeepTokens
	if nKeep < 0 {
		return fmt.Errorf("op=memory.Shift: %w: n_keep_tokens must be >= 0", domain.ErrInvalidArgument)
	}
	nLeft := nPast - nKeep
	if nLeft <= 0 {
		return fmt.Errorf("op=memory.Shift: %w: nothing left to discard", domain.ErrInvalidArgument)
	}
	discard := m.cfg.NDiscardTokens
	if discard <= 0 {
		discard = nLeft / 2
	}
	if discard > nLeft {
		discard = nLeft
	}

	if err := m.engine.KVSeqRemove(ctxHandle, seq, nKeep, nKeep+discard); err != nil {
		return fmt.Errorf("op=memory.Shift: %w", err)
	}
	if err := m.engine.KVSeqShift(ctxHandle, seq, nKeep+discard, nPast, -discard); err != nil {
		return fmt.Errorf("op=memory.Shift: %w", err)
	}
	if s, ok := m.seqs[seq]; ok {
		s.nPast -= discard
	}
	return nil
}

// PartialEvict removes one quarter of a sequence's cache per strategy
// (§4.E): lru removes the oldest quarter, fifo the newest quarter, smart
// removes the middle quarter centered past n_keep_tokens. No-op when
// partial cache deletion is disabled.
func (m *Manager) PartialEvict(ctxHandle domain.ContextHandle, seq domain.ExecCtx, strategy domain.CacheStrategy) error {
	if !m.cfg.EnablePartialCacheDeletion {
		return nil
	}
	nPast := m.nPast(ctxHandle, seq)
	quarter := nPast / 4

	var from, to int
	switch strategy {
	case domain.CacheStrategyLRU:
		from, to = 0, quarter
	case domain.CacheStrategyFIFO:
		from, to = nPast-quarter, nPast
	case domain.CacheStrategySmart:
		mid := m.cfg.NKeepTokens + (nPast-m.cfg.NKeepTokens)/2
		from, to = mid-quarter/2, mid+quarter/2
		if from < 0 {
			from = 0
		}
		if to > nPast {
			to = nPast
		}
	default:
		return fmt.Errorf("op=memory.PartialEvict: %w: unknown strategy %q", domain.ErrInvalidArgument, strategy)
	}
	if quarter <= 0 {
		return nil
	}

	if err := m.engine.KVSeqRemove(ctxHandle, seq, from, to); err != nil {
		return fmt.Errorf("op=memory.PartialEvict: %w", err)
	}
	removed := to - from
	if err := m.engine.KVSeqShift(ctxHandle, seq, to, nPast, -removed); err != nil {
		return fmt.Errorf("op=memory.PartialEvict: %w", err)
	}
	if s, ok := m.seqs[seq]; ok {
		s.nPast -= removed
	}
	return nil
}

// Optimize evicts from seq when the logical cached-token estimate exceeds
// max_cache_tokens, counting a hit when no eviction is needed and a miss
// otherwise, in the same hits/misses counters EstimateTokens updates for
// its text-level cache (§4.E optimize(seq)).
func (m *Manager) Optimize(ctxHandle domain.ContextHandle, seq domain.ExecCtx) error {
	nPast := m.nPast(ctxHandle, seq)
	if nPast <= m.cfg.MaxCacheTokens {
		m.hits.Add(1)
		if m.metrics != nil {
			m.metrics.CacheHits.Inc()
		}
		return nil
	}
	m.misses.Add(1)
	if m.metrics != nil {
		m.metrics.CacheMisses.Inc()
	}
	return m.PartialEvict(ctxHandle, seq, m.cfg.CacheDeletionStrategy)
}

// HandlePressure attempts a global partial eviction first, falling back
// to a full clear when that fails (§4.E handle_pressure()).
func (m *Manager) HandlePressure(ctxHandle domain.ContextHandle) error {
	if err := m.PartialEvict(ctxHandle, 0, m.cfg.CacheDeletionStrategy); err != nil {
		return m.ClearAll(ctxHandle)
	}
	return nil
}

// PressureDetected reports whether the memory the Go runtime has obtained
// from the OS (runtime.MemStats.Sys) relative to max_memory_mb has crossed
// memory_pressure_threshold (§4.E pressure_detected()).
// max_memory_mb == 0 disables the check.
func (m *Manager) PressureDetected() bool {
	if m.cfg.MaxMemoryMB <= 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rssMB := float64(ms.Sys) / (1024 * 1024)
	return rssMB/float64(m.cfg.MaxMemoryMB) >= m.cfg.MemoryPressureThreshold
}

// HitRate returns hits/(hits+misses) over the shared counters: Optimize
// calls that found the sequence under max_cache_tokens (i.e. didn't
// require eviction) count as hits, and so do EstimateTokens lookups
// answered from tokenCache.
func (m *Manager) HitRate() float64 {
	h, miss := m.hits.Load(), m.misses.Load()
	if h+miss == 0 {
		return 0
	}
	return float64(h) / float64(h+miss)
}

// nPast returns the manager's own usage estimate for seq, capped to the
// engine's own reported usage so it never overcounts (§4.E numerics).
func (m *Manager) nPast(ctxHandle domain.ContextHandle, seq domain.ExecCtx) int {
	engineUsed := m.engine.CtxUsed(ctxHandle)
	s, ok := m.seqs[seq]
	if !ok {
		return engineUsed
	}
	if s.nPast > engineUsed {
		return engineUsed
	}
	return s.nPast
}

// TrackDecode exposes trackDecode to callers outside the package (the
// orchestrator, after each successful Decode call).
func (m *Manager) TrackDecode(seq domain.ExecCtx, count int) {
	m.trackDecode(seq, count)
}
