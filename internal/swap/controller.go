// Package swap implements the Model Swap Controller (spec §4.H): a
// mutex-gated quiesce/snapshot/teardown/load/rollback protocol for
// replacing the loaded model without restarting the process.
package swap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// QueueStatus is the subset of Task Queue accounting the quiesce step
// polls.
type QueueStatus interface {
	Queued() int
	RunningCount() int
}

// SessionStore is the subset of the Session Store a successful swap
// clears.
type SessionStore interface {
	CloseAll()
	ResetNextExecCtx()
}

// State is the live engine state a swap tears down and rebuilds.
type State struct {
	Model   domain.ModelHandle
	Ctx     domain.ContextHandle
	Samplers []domain.SamplerHandle
	Params  domain.ModelParams
	Sampling domain.SamplingParams
}

// Controller gates model swaps behind a single busy flag: only one swap
// may be in flight at a time (§4.H). mu guards the remaining fields.
type Controller struct {
	mu     sync.Mutex
	busy   atomic.Bool
	engine domain.Engine
	queue  QueueStatus
	store  SessionStore
	logger *slog.Logger

	graceTimeout time.Duration

	current      State
	unrecoverable bool

	metrics *Metrics
}

// NewController constructs a Controller bound to engine, queue, and
// store, using graceTimeout as the quiesce deadline (default 30s, per
// §4.H step 2, if zero is passed).
func NewController(engine domain.Engine, queue QueueStatus, store SessionStore, graceTimeout time.Duration, logger *slog.Logger) *Controller {
	if graceTimeout <= 0 {
		graceTimeout = 30 * time.Second
	}
	return &Controller{engine: engine, queue: queue, store: store, graceTimeout: graceTimeout, logger: logger}
}

// SetCurrent records the live engine state after an initial load, so
// subsequent Swap calls have a backup to snapshot and roll back to.
func (c *Controller) SetCurrent(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s
}

// Current returns a copy of the live engine state.
func (c *Controller) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Unrecoverable reports whether a prior swap failed its rollback attempt,
// leaving the backend with no usable model.
func (c *Controller) Unrecoverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unrecoverable
}

// InFlight reports whether a swap is currently in progress (§4.H step 9:
// open_session and compute must return Busy while a swap is running).
func (c *Controller) InFlight() bool {
	return c.busy.Load()
}

// trylock is a non-blocking attempt to claim the busy flag, matching step
// 1's fail-fast-on-contention requirement. It does not touch c.mu, which
// is therefore never held across the (potentially long) quiesce wait.
func (c *Controller) trylock() bool {
	return c.busy.CompareAndSwap(false, true)
}

// Swap executes the full quiesce/snapshot/teardown/load/rollback protocol
// against newParams, newSampling (§4.H). Only one Swap may run at a time;
// concurrent callers receive ErrBusy immediately.
func (c *Controller) Swap(ctx context.Context, newParams domain.ModelParams, newSampling domain.SamplingParams) error {
	if !c.trylock() {
		return fmt.Errorf("op=swap.Swap: %w", domain.ErrBusy)
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	metrics := c.metrics
	c.mu.Unlock()
	if metrics != nil {
		metrics.Attempts.Inc()
	}

	attemptID := uuid.NewString()
	log := c.logger
	if log != nil {
		log = log.With(slog.String("swap_attempt", attemptID))
		log.Info("model swap starting", slog.String("model_path", newParams.ModelPath))
	}

	c.quiesce(ctx, log)

	c.mu.Lock()
	backup := c.current
	c.mu.Unlock()

	merged := mergeModelParams(backup.Params, newParams)

	c.teardown(backup)

	model, err := c.engine.LoadModel(ctx, merged)
	if err != nil {
		return c.rollback(ctx, backup, log, err)
	}

	ctxHandle, err := c.engine.CreateContext(ctx, model, merged)
	if err != nil {
		c.engine.FreeModel(model)
		return c.rollback(ctx, backup, log, err)
	}

	next := State{Model: model, Ctx: ctxHandle, Params: merged, Sampling: newSampling}
	c.mu.Lock()
	c.current = next
	c.unrecoverable = false
	c.mu.Unlock()

	c.store.CloseAll()
	c.store.ResetNextExecCtx()

	if log != nil {
		log.Info("model swap completed", slog.String("model_path", merged.ModelPath))
	}
	return nil
}

// quiesce polls the queue until it is idle or graceTimeout elapses,
// proceeding regardless (§4.H step 2 is a soft barrier).
func (c *Controller) quiesce(ctx context.Context, log *slog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.graceTimeout
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_ = backoff.Retry(func() error {
		if c.queue.Queued() == 0 && c.queue.RunningCount() == 0 {
			return nil
		}
		return fmt.Errorf("queue still draining")
	}, backoff.WithContext(b, ctx))

	if log != nil && (c.queue.Queued() > 0 || c.queue.RunningCount() > 0) {
		log.Warn("quiesce timed out, proceeding with in-flight work")
	}
}

// teardown frees every slot sampler, the engine context, and the model
// handle (§4.H step 5).
func (c *Controller) teardown(s State) {
	for _, h := range s.Samplers {
		c.engine.SamplerFree(h)
	}
	if s.Ctx != 0 {
		c.engine.FreeContext(s.Ctx)
	}
	if s.Model != 0 {
		c.engine.FreeModel(s.Model)
	}
}

// rollback attempts to reload backup after a failed swap attempt; on
// double failure the controller is left Unrecoverable (§4.H step 8).
func (c *Controller) rollback(ctx context.Context, backup State, log *slog.Logger, cause error) error {
	c.mu.Lock()
	metrics := c.metrics
	c.mu.Unlock()
	if metrics != nil {
		metrics.Failures.Inc()
	}

	model, err := c.engine.LoadModel(ctx, backup.Params)
	if err != nil {
		c.mu.Lock()
		c.unrecoverable = true
		c.mu.Unlock()
		if log != nil {
			log.Error("model swap rollback failed, backend unrecoverable", slog.Any("cause", cause), slog.Any("rollback_error", err))
		}
		return fmt.Errorf("op=swap.Swap: %w: %v (rollback also failed: %v)", domain.ErrModelLoadFailed, cause, err)
	}
	ctxHandle, err := c.engine.CreateContext(ctx, model, backup.Params)
	if err != nil {
		c.engine.FreeModel(model)
		c.mu.Lock()
		c.unrecoverable = true
		c.mu.Unlock()
		return fmt.Errorf("op=swap.Swap: %w: %v (rollback context failed: %v)", domain.ErrModelLoadFailed, cause, err)
	}

	c.mu.Lock()
	c.current = State{Model: model, Ctx: ctxHandle, Params: backup.Params, Sampling: backup.Sampling}
	c.mu.Unlock()

	if log != nil {
		log.Warn("model swap failed, rolled back to previous model", slog.Any("cause", cause))
	}
	return fmt.Errorf("op=swap.Swap: %w: %v", domain.ErrModelLoadFailed, cause)
}

// mergeModelParams layers next over base, field by field -- zero-valued
// numeric and string fields, ModelPath included, inherit the current value
// (§4.H step 4). UseMMap and UseMLock are always taken from next: a false
// there replaces a true in base, since a bool has no unset state.
func mergeModelParams(base, next domain.ModelParams) domain.ModelParams {
	out := base
	if next.ModelPath != "" {
		out.ModelPath = next.ModelPath
	}
	if next.CtxSize != 0 {
		out.CtxSize = next.CtxSize
	}
	if next.BatchSize != 0 {
		out.BatchSize = next.BatchSize
	}
	if next.UBatchSize != 0 {
		out.UBatchSize = next.UBatchSize
	}
	if next.NGPULayers != 0 {
		out.NGPULayers = next.NGPULayers
	}
	if next.Threads != 0 {
		out.Threads = next.Threads
	}
	if next.ThreadsBatch != 0 {
		out.ThreadsBatch = next.ThreadsBatch
	}
	out.UseMMap = next.UseMMap
	out.UseMLock = next.UseMLock
	if next.NUMAStrategy != "" {
		out.NUMAStrategy = next.NUMAStrategy
	}
	return out
}

// DeriveVersion derives the model-metadata version string from a file's
// size and modification time (§4.H step 6 "version string derived from
// file size and modification time").
func DeriveVersion(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d-%d", fi.Size(), fi.ModTime().Unix())
}
