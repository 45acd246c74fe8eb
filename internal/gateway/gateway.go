// Package gateway implements the Public Gateway API (spec §4.I): the
// init/deinit/load_model/open_session/set_input/compute/get_output/
// run_inference/close_session surface every other component is wired
// behind.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/config"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	eng "github.com/fairyhunter13/inference-gateway/internal/engine"
	"github.com/fairyhunter13/inference-gateway/internal/memory"
	"github.com/fairyhunter13/inference-gateway/internal/orchestrator"
	"github.com/fairyhunter13/inference-gateway/internal/queue"
	"github.com/fairyhunter13/inference-gateway/internal/sampler"
	"github.com/fairyhunter13/inference-gateway/internal/session"
	"github.com/fairyhunter13/inference-gateway/internal/swap"
)

// Handle identifies one initialized backend instance. Every Init call
// creates a new Gateway under a fresh Handle; no operation re-initializes
// an existing Handle.
type Handle uint64

// Gateway wires every component together behind the operations §4.I
// names. One Gateway corresponds to one Handle.
type Gateway struct {
	mu sync.RWMutex

	engine  domain.Engine
	backend domain.BackendConfig
	sampling domain.SamplingParams

	store   *session.Store
	mem     *memory.Manager
	factory *sampler.Factory
	q       *queue.Queue
	worker  *queue.Worker
	orch    *orchestrator.Orchestrator
	swapCtl *swap.Controller

	state      orchestrator.ModelState
	pending    map[domain.ExecCtx]string
	lastOutput map[domain.ExecCtx]string

	logger *slog.Logger
	cancel context.CancelFunc
}

var (
	registryMu sync.Mutex
	registry   = map[Handle]*Gateway{}
	nextHandle Handle = 1
)

// Init creates an initialized backend from an optional JSON configuration
// document (§4.I init). engine is the Engine Adapter implementation to
// drive; callers typically pass a real engine in production and a mock in
// tests.
func Init(engine domain.Engine, configDoc []byte, logger *slog.Logger) (Handle, error) {
	result, err := config.Load(configDoc, logger)
	if err != nil {
		return 0, fmt.Errorf("op=gateway.Init: %w", err)
	}

	if result.Backend.Performance.BatchProcessingEnabled {
		engine = eng.NewBatchDecoder(engine, result.Backend.Performance.BatchSize, result.Backend.Performance.BatchTimeout)
	}

	mem, err := memory.New(engine, result.Backend.Memory)
	if err != nil {
		return 0, fmt.Errorf("op=gateway.Init: %w", err)
	}
	mem.SetMetrics(memory.NewMetrics(nil))
	factory := sampler.NewFactory(engine)
	store := session.New(result.Backend.Session, engine, mem)
	store.SetMetrics(session.NewMetrics(nil))
	qMetrics := queue.NewMetrics(nil)
	q := queue.New(result.Backend.Queue, qMetrics)

	gw := &Gateway{
		engine:     engine,
		backend:    result.Backend,
		sampling:   result.Sampling,
		store:      store,
		mem:        mem,
		factory:    factory,
		q:          q,
		pending:    make(map[domain.ExecCtx]string),
		lastOutput: make(map[domain.ExecCtx]string),
		logger:     logger,
	}
	gw.orch = orchestrator.New(engine, store, mem, factory, gw.modelState)
	gw.swapCtl = swap.NewController(engine, q, sessionStoreAdapter{store}, 30*time.Second, logger)
	gw.swapCtl.SetMetrics(swap.NewMetrics(nil))
	store.SetSwapGate(gw.swapCtl.InFlight)
	gw.worker = queue.NewWorker(q, gw.orch, qMetrics)
	gw.worker.SetPressureManager(mem, func() domain.ContextHandle { return gw.modelState().Ctx })

	ctx, cancel := context.WithCancel(context.Background())
	gw.cancel = cancel
	go gw.worker.Run(ctx)

	registryMu.Lock()
	h := nextHandle
	nextHandle++
	registry[h] = gw
	registryMu.Unlock()
	return h, nil
}

// sessionStoreAdapter narrows *session.Store to the CloseAll/
// ResetNextExecCtx pair swap.Controller needs, without exposing the rest
// of the store's surface to the swap package.
type sessionStoreAdapter struct{ s *session.Store }

func (a sessionStoreAdapter) CloseAll()         { a.s.CloseAll() }
func (a sessionStoreAdapter) ResetNextExecCtx() { a.s.ResetNextExecCtx() }

func get(h Handle) (*Gateway, error) {
	registryMu.Lock()
	gw, ok := registry[h]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("op=gateway: %w: unknown handle", domain.ErrInvalidArgument)
	}
	return gw, nil
}

// Deinit stops the worker, joins it, and frees the model/context (§4.I
// deinit).
func Deinit(h Handle) error {
	gw, err := get(h)
	if err != nil {
		return err
	}
	gw.q.Shutdown()
	gw.cancel()
	gw.worker.Join()

	if bd, ok := gw.engine.(*eng.BatchDecoder); ok {
		_ = bd.Close()
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.state.Ctx != 0 {
		gw.engine.FreeContext(gw.state.Ctx)
	}
	if gw.state.Model != 0 {
		gw.engine.FreeModel(gw.state.Model)
	}

	registryMu.Lock()
	delete(registry, h)
	registryMu.Unlock()
	return nil
}

// modelState returns the current model state for the orchestrator;
// called fresh at the start of every request so a swap is picked up
// immediately.
func (gw *Gateway) modelState() orchestrator.ModelState {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.state
}

// LoadModel performs the initial model load, or -- if a model is already
// loaded -- delegates to the Model Swap Controller (§4.I load_model).
func LoadModel(ctx context.Context, h Handle, path string, params domain.ModelParams) error {
	gw, err := get(h)
	if err != nil {
		return err
	}
	params.ModelPath = path

	gw.mu.RLock()
	alreadyLoaded := gw.state.Model != 0
	gw.mu.RUnlock()

	if !alreadyLoaded {
		model, err := gw.engine.LoadModel(ctx, params)
		if err != nil {
			return fmt.Errorf("op=gateway.LoadModel: %w", err)
		}
		ctxHandle, err := gw.engine.CreateContext(ctx, model, params)
		if err != nil {
			gw.engine.FreeModel(model)
			return fmt.Errorf("op=gateway.LoadModel: %w", err)
		}
		info := gw.engine.Describe(model)
		gw.mu.Lock()
		gw.state = orchestrator.ModelState{
			Model:   model,
			Ctx:     ctxHandle,
			Vocab:   gw.engine.Vocab(model),
			Tmpl:    gw.engine.ChatTemplate(model),
			CtxSize: params.CtxSize,
		}
		gw.mu.Unlock()
		gw.swapCtl.SetCurrent(swap.State{Model: model, Ctx: ctxHandle, Params: params, Sampling: gw.sampling})
		gw.store.Bind(ctxHandle)
		_ = info
		return nil
	}

	if err := gw.swapCtl.Swap(ctx, params, gw.sampling); err != nil {
		return err
	}
	next := gw.swapCtl.Current()
	gw.mu.Lock()
	gw.state = orchestrator.ModelState{
		Model:   next.Model,
		Ctx:     next.Ctx,
		Vocab:   gw.engine.Vocab(next.Model),
		Tmpl:    gw.engine.ChatTemplate(next.Model),
		CtxSize: next.Params.CtxSize,
	}
	gw.mu.Unlock()
	gw.store.Bind(next.Ctx)
	return nil
}

// OpenSession opens a new session, returning its ExecCtx (§4.I
// open_session, §4.D open).
func OpenSession(ctx context.Context, h Handle, sessionID string) (domain.ExecCtx, error) {
	gw, err := get(h)
	if err != nil {
		return 0, err
	}
	if gw.swapCtl.Unrecoverable() {
		return 0, fmt.Errorf("op=gateway.OpenSession: %w", domain.ErrUnrecoverable)
	}
	if gw.swapCtl.InFlight() {
		return 0, fmt.Errorf("op=gateway.OpenSession: %w", domain.ErrBusy)
	}
	return gw.store.Open(ctx, sessionID, gw.sampling)
}

// SetInput stores bytes as the pending prompt for execCtx, reading a
// nul-terminated byte sequence bounded by tensor length (§4.I set_input).
func SetInput(h Handle, execCtx domain.ExecCtx, tensor []byte) error {
	gw, err := get(h)
	if err != nil {
		return err
	}
	if _, ok := gw.store.Get(execCtx); !ok {
		return fmt.Errorf("op=gateway.SetInput: %w", domain.ErrNotFound)
	}
	end := len(tensor)
	for i, b := range tensor {
		if b == 0 {
			end = i
			break
		}
	}
	gw.mu.Lock()
	gw.pending[execCtx] = string(tensor[:end])
	gw.mu.Unlock()
	return nil
}

// Compute drives the orchestrator synchronously when under capacity, or
// enqueues a Task otherwise (§4.I compute). It returns only after the
// request has completed: a queued task is waited on until the worker
// finishes it, so Compute does not return at the moment of enqueueing.
func Compute(ctx context.Context, h Handle, execCtx domain.ExecCtx) error {
	return computeWithRuntime(ctx, h, execCtx, nil, domain.PriorityNormal)
}

func computeWithRuntime(ctx context.Context, h Handle, execCtx domain.ExecCtx, rt *domain.RuntimeParams, priority domain.Priority) error {
	gw, err := get(h)
	if err != nil {
		return err
	}
	if gw.swapCtl.Unrecoverable() {
		return fmt.Errorf("op=gateway.Compute: %w", domain.ErrUnrecoverable)
	}
	if gw.swapCtl.InFlight() {
		return fmt.Errorf("op=gateway.Compute: %w", domain.ErrBusy)
	}

	gw.mu.Lock()
	text := gw.pending[execCtx]
	delete(gw.pending, execCtx)
	gw.mu.Unlock()

	task := domain.NewTask(0, execCtx, priority, domain.Prompt{Text: text, Runtime: rt}, time.Now(), gw.backend.Queue.DefaultTaskTimeout)

	if gw.q.Queued()+gw.q.RunningCount() < gw.backend.Queue.QueueSize/4 {
		result, runErr := gw.orch.Run(ctx, task)
		gw.mu.Lock()
		gw.lastOutput[execCtx] = result
		gw.mu.Unlock()
		return runErr
	}

	queued, _, err := gw.q.Enqueue(execCtx, priority, task.Prompt, task.CreatedAt, gw.backend.Queue.DefaultTaskTimeout)
	if err != nil {
		return fmt.Errorf("op=gateway.Compute: %w", err)
	}
	<-queued.Done
	gw.mu.Lock()
	gw.lastOutput[execCtx] = queued.Result
	gw.mu.Unlock()
	return queued.Err
}

// GetOutput returns the last completed response for execCtx (§4.I
// get_output).
func GetOutput(h Handle, execCtx domain.ExecCtx) (string, error) {
	gw, err := get(h)
	if err != nil {
		return "", err
	}
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	out, ok := gw.lastOutput[execCtx]
	if !ok {
		return "", fmt.Errorf("op=gateway.GetOutput: %w", domain.ErrNotFound)
	}
	return out, nil
}

// RunInference is the convenience operation combining set_input/compute/
// get_output with runtime-parameter application (§4.I run_inference).
func RunInference(ctx context.Context, h Handle, execCtx domain.ExecCtx, input []byte, runtimeConfig []byte) (string, error) {
	if err := SetInput(h, execCtx, input); err != nil {
		return "", err
	}
	var rt *domain.RuntimeParams
	if len(runtimeConfig) > 0 {
		parsed, err := config.ParseRuntimeParams(runtimeConfig)
		if err != nil {
			return "", fmt.Errorf("op=gateway.RunInference: %w", err)
		}
		rt = &parsed
	}
	if err := computeWithRuntime(ctx, h, execCtx, rt, domain.PriorityNormal); err != nil {
		return "", err
	}
	return GetOutput(h, execCtx)
}

// CloseSession closes a session (§4.I close_session). Permitted even
// during an in-flight swap, acting only on the Session Store.
func CloseSession(h Handle, execCtx domain.ExecCtx) error {
	gw, err := get(h)
	if err != nil {
		return err
	}
	gw.q.CancelSession(execCtx)
	return gw.store.Close(execCtx)
}
