// Package session implements the Session Store (spec §4.D): it maps
// session ids to conversational state, enforces max-sessions and
// max-concurrent caps, and evicts idle or excess sessions by least-recent
// activity.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// MemoryManager is the subset of the Memory Manager the store calls into
// on close, kept as a narrow interface so the store package never depends
// on the full memory package.
type MemoryManager interface {
	Clear(ctxHandle domain.ContextHandle, seq domain.ExecCtx) error
	ClearAll(ctxHandle domain.ContextHandle) error
}

// Store owns every live Session. No session exists outside it.
type Store struct {
	mu  sync.Mutex
	sem *semaphore.Weighted

	// recency tracks access order for eviction; Open/Touch push an
	// entry to the front, and auto-cleanup reads candidates from the
	// back via GetOldest (Close then removes them) when the store is
	// over max-sessions.
	recency *lru.Cache[domain.ExecCtx, struct{}]

	sessions map[domain.ExecCtx]*domain.Session
	byID     map[string]domain.ExecCtx

	nextExecCtx domain.ExecCtx
	active      int

	cfg    domain.SessionConfig
	mem    MemoryManager
	ctxH   domain.ContextHandle
	engine domain.Engine

	// swapInFlight reports whether the Model Swap Controller is currently
	// tearing down/reloading the engine; nil until SetSwapGate is called.
	swapInFlight func() bool

	metrics *Metrics
}

// New constructs an empty Store gated at cfg.MaxConcurrent concurrent
// sessions.
func New(cfg domain.SessionConfig, engine domain.Engine, mem MemoryManager) *Store {
	// Sized well above any realistic max-sessions value so the cache
	// never auto-evicts on Add; eviction is driven explicitly by
	// autoCleanup via GetOldest and Close instead.
	recency, _ := lru.New[domain.ExecCtx, struct{}](1 << 20)
	return &Store{
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		recency:     recency,
		sessions:    make(map[domain.ExecCtx]*domain.Session),
		byID:        make(map[string]domain.ExecCtx),
		nextExecCtx: 1,
		cfg:         cfg,
		mem:         mem,
		engine:      engine,
	}
}

// Bind records the live engine context sessions close against; must be
// called after each successful model load, before Open is used.
func (s *Store) Bind(ctxH domain.ContextHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxH = ctxH
}

// SetSwapGate attaches a callback Close consults to tell whether a model
// swap is currently in flight. While it reports true, Close skips its
// Memory Manager calls entirely: the swap controller owns the engine
// context during teardown/reload (§5 Shared-resource policy), and a
// concurrent KVSeqRemove/KVClear against a context the controller is
// freeing is a use-after-free hazard, not a missed cleanup. The CloseAll
// a successful swap performs also runs while the gate reports true, so it
// too removes sessions without any Memory Manager call; the swap's newly
// created context starts with an empty KV cache.
func (s *Store) SetSwapGate(inFlight func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapInFlight = inFlight
}

// ResetNextExecCtx rewinds the monotonic counter to 1, as required after a
// successful model swap clears every session (§4.H step 7).
func (s *Store) ResetNextExecCtx() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecCtx = 1
}

// Open admits a new session, assigning it a fresh ExecCtx. If sessionID is
// empty a ULID is generated so repeated opens remain lexicographically
// sortable by creation time.
func (s *Store) Open(ctx context.Context, sessionID string, sampling domain.SamplingParams) (domain.ExecCtx, error) {
	s.autoCleanup()

	if !s.sem.TryAcquire(1) {
		return 0, fmt.Errorf("op=session.Open: %w", domain.ErrCapacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	execCtx := s.nextExecCtx
	s.nextExecCtx++

	sess := &domain.Session{
		ID:           sessionID,
		ExecCtx:      execCtx,
		ChatHistory:  nil,
		KVSeqID:      execCtx,
		LastActivity: time.Now(),
		Sampling:     sampling,
	}
	s.sessions[execCtx] = sess
	s.byID[sessionID] = execCtx
	s.recency.Add(execCtx, struct{}{})
	s.active++
	s.reportActiveLocked()
	return execCtx, nil
}

// reportActiveLocked syncs the active-session gauge, if one is attached.
// Caller must hold s.mu.
func (s *Store) reportActiveLocked() {
	if s.metrics != nil {
		s.metrics.Active.Set(float64(s.active))
	}
}

// Close removes a session, triggering its KV cleanup, and -- once the
// store is empty -- a global KV clear.
func (s *Store) Close(execCtx domain.ExecCtx) error {
	s.mu.Lock()
	sess, ok := s.sessions[execCtx]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=session.Close: %w", domain.ErrNotFound)
	}
	delete(s.sessions, execCtx)
	delete(s.byID, sess.ID)
	s.recency.Remove(execCtx)
	s.active--
	s.reportActiveLocked()
	empty := s.active == 0
	ctxH := s.ctxH
	gate := s.swapInFlight
	s.mu.Unlock()

	s.sem.Release(1)

	// A swap in flight owns the engine context exclusively (§4.H step 9,
	// §5): skip KV cleanup rather than race its teardown/reload, leaving
	// only the session-store bookkeeping above.
	if gate != nil && gate() {
		return nil
	}

	if s.mem != nil {
		if err := s.mem.Clear(ctxH, execCtx); err != nil {
			return fmt.Errorf("op=session.Close: %w", err)
		}
		if empty {
			if err := s.mem.ClearAll(ctxH); err != nil {
				return fmt.Errorf("op=session.Close: %w", err)
			}
		}
	}
	return nil
}

// Touch updates a session's last-activity to now.
func (s *Store) Touch(execCtx domain.ExecCtx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[execCtx]
	if !ok {
		return fmt.Errorf("op=session.Touch: %w", domain.ErrNotFound)
	}
	sess.LastActivity = time.Now()
	s.recency.Get(execCtx)
	return nil
}

// Get returns a copy-out snapshot of a session's state for read-only use.
func (s *Store) Get(execCtx domain.ExecCtx) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[execCtx]
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

// Mutate applies fn to the live session under the store lock; used by the
// orchestrator to append chat messages and update sampling state
// atomically with the rest of a turn.
func (s *Store) Mutate(execCtx domain.ExecCtx, fn func(*domain.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[execCtx]
	if !ok {
		return fmt.Errorf("op=session.Mutate: %w", domain.ErrNotFound)
	}
	fn(sess)
	return nil
}

// CloseAll closes every open session, as required after a successful
// model swap (§4.H step 7 "clear the Session Store"). Best-effort: a
// Close failure for one session doesn't stop the rest from closing.
func (s *Store) CloseAll() {
	s.mu.Lock()
	execCtxs := make([]domain.ExecCtx, 0, len(s.sessions))
	for ec := range s.sessions {
		execCtxs = append(execCtxs, ec)
	}
	s.mu.Unlock()
	for _, ec := range execCtxs {
		_ = s.Close(ec)
	}
}

// Active reports the current number of open sessions.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// autoCleanup removes idle sessions, then evicts by oldest last-activity
// until the store is under max-sessions. Both phases are no-ops when
// auto-cleanup is disabled.
func (s *Store) autoCleanup() {
	if !s.cfg.AutoCleanup {
		return
	}

	now := time.Now()
	var idle []domain.ExecCtx
	s.mu.Lock()
	for ec, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.cfg.IdleTimeout {
			idle = append(idle, ec)
		}
	}
	s.mu.Unlock()
	for _, ec := range idle {
		_ = s.Close(ec)
	}

	for {
		s.mu.Lock()
		if len(s.sessions) < s.cfg.MaxSessions {
			s.mu.Unlock()
			return
		}
		victim := s.oldestLocked()
		s.mu.Unlock()
		if victim == 0 {
			return
		}
		_ = s.Close(victim)
	}
}

// oldestLocked returns the eviction candidate: the least-recently-touched
// ExecCtx per recency, falling back to a scan by last-activity (breaking
// ties by the smaller ExecCtx, per §4.D) when recency alone doesn't
// resolve to a live session -- e.g. immediately after a Get bump recency
// and last-activity can briefly disagree. Caller must hold s.mu.
func (s *Store) oldestLocked() domain.ExecCtx {
	if ec, _, ok := s.recency.GetOldest(); ok {
		if _, live := s.sessions[ec]; live {
			return ec
		}
	}
	var oldest domain.ExecCtx
	var oldestAt time.Time
	for ec, sess := range s.sessions {
		if oldest == 0 || sess.LastActivity.Before(oldestAt) || (sess.LastActivity.Equal(oldestAt) && ec < oldest) {
			oldest = ec
			oldestAt = sess.LastActivity
		}
	}
	return oldest
}
