// Package queue implements the Task Queue & Worker (spec §4.F): a
// three-level priority queue with FIFO-per-level ordering, fairness
// rotation, expiry sweeping, and a single background worker that drives
// the Inference Orchestrator for each dequeued task.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Orchestrator is the subset of the Inference Orchestrator the worker
// drives for each dequeued task.
type Orchestrator interface {
	Run(ctx context.Context, task *domain.Task) (string, error)
}

// defaultFairnessK is the number of consecutive higher-level pops allowed
// before a lower-level pop is forced in, when fair scheduling is enabled.
const defaultFairnessK = 4

// Metrics are the Prometheus collectors the queue updates; constructed
// once per process and safe to register with any registerer.
type Metrics struct {
	Queued    prometheus.Counter
	Completed prometheus.Counter
	Expired   prometheus.Counter
	Rejected  prometheus.Counter
	Depth     prometheus.Gauge
	Latency   prometheus.Histogram
}

// NewMetrics builds and registers the queue's Prometheus collectors under
// reg. reg may be nil, in which case metrics are tracked but not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Queued:    prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_queue_tasks_queued_total"}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_queue_tasks_completed_total"}),
		Expired:   prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_queue_tasks_expired_total"}),
		Rejected:  prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_queue_tasks_rejected_total"}),
		Depth:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "gateway_queue_depth"}),
		Latency:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "gateway_task_latency_seconds", Buckets: prometheus.DefBuckets}),
	}
	if reg != nil {
		reg.MustRegister(m.Queued, m.Completed, m.Expired, m.Rejected, m.Depth, m.Latency)
	}
	return m
}

// Queue is the three-level priority task queue. Urgent tasks occupy their
// own level; High is merged into Normal (§4.F placement rule); Low is the
// lowest level.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	urgent *list.List
	normal *list.List
	low    *list.List

	byExecCtx map[domain.ExecCtx][]*domain.Task

	nextID domain.TaskID
	cfg    domain.QueueConfig
	metrics *Metrics

	running      bool
	consecutive  int
	lastLevel    domain.Priority
	fairnessK    int
	inFlight     atomic.Int64
}

// New constructs an empty Queue governed by cfg.
func New(cfg domain.QueueConfig, metrics *Metrics) *Queue {
	q := &Queue{
		urgent:    list.New(),
		normal:    list.New(),
		low:       list.New(),
		byExecCtx: make(map[domain.ExecCtx][]*domain.Task),
		nextID:    1,
		cfg:       cfg,
		metrics:   metrics,
		running:   true,
		fairnessK: defaultFairnessK,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) size() int {
	return q.urgent.Len() + q.normal.Len() + q.low.Len()
}

// Enqueue admits a task, rejecting it once the queue is at capacity
// (§4.F Enqueue). A warning threshold crossing is reported via the
// returned bool so callers can log it without the queue importing a
// logger of its own.
func (q *Queue) Enqueue(execCtx domain.ExecCtx, priority domain.Priority, prompt domain.Prompt, createdAt time.Time, timeout time.Duration) (*domain.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size() >= q.cfg.QueueSize || q.size() >= q.cfg.RejectThreshold {
		if q.metrics != nil {
			q.metrics.Rejected.Inc()
		}
		return nil, false, fmt.Errorf("op=queue.Enqueue: %w", domain.ErrCapacity)
	}

	id := q.nextID
	q.nextID++
	task := domain.NewTask(id, execCtx, priority, prompt, createdAt, timeout)

	switch {
	case priority == domain.PriorityUrgent:
		q.urgent.PushBack(task)
	case priority >= domain.PriorityNormal:
		q.normal.PushBack(task)
	default:
		q.low.PushBack(task)
	}
	q.byExecCtx[execCtx] = append(q.byExecCtx[execCtx], task)

	warn := q.size() >= q.cfg.WarningThreshold
	if q.metrics != nil {
		q.metrics.Queued.Inc()
		q.metrics.Depth.Set(float64(q.size()))
	}
	q.cond.Signal()
	return task, warn, nil
}

// CancelSession marks every queued task for execCtx as rejected with a
// synthetic "closed" error, so a closed session's outstanding work never
// runs (§5 "session close invalidates any outstanding task").
func (q *Queue) CancelSession(execCtx domain.ExecCtx) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lst := range []*list.List{q.urgent, q.normal, q.low} {
		for e := lst.Front(); e != nil; {
			next := e.Next()
			t := e.Value.(*domain.Task)
			if t.ExecCtx == execCtx {
				lst.Remove(e)
				t.Finish(domain.TaskRejected, "", fmt.Errorf("op=queue.CancelSession: %w: session closed", domain.ErrNotFound))
			}
			e = next
		}
	}
	delete(q.byExecCtx, execCtx)
}

// sweepExpiredLocked drops tasks past their timeout from every level.
// Caller must hold q.mu.
func (q *Queue) sweepExpiredLocked(now time.Time) {
	for _, lst := range []*list.List{q.urgent, q.normal, q.low} {
		for e := lst.Front(); e != nil; {
			next := e.Next()
			t := e.Value.(*domain.Task)
			if now.After(t.TimeoutAt) {
				lst.Remove(e)
				t.Finish(domain.TaskExpired, "", fmt.Errorf("op=queue.sweep: %w", domain.ErrTimeout))
				if q.metrics != nil {
					q.metrics.Expired.Inc()
				}
			}
			e = next
		}
	}
}

// ErrShutdown is returned by Dequeue once the queue is stopped and
// drained.
var ErrShutdown = fmt.Errorf("op=queue.Dequeue: %w: queue is shutting down", domain.ErrUnrecoverable)

// Dequeue blocks until a task is available or the queue is shut down and
// empty, applying the fairness rotation (§4.F Dequeue, Fairness) when
// enabled.
func (q *Queue) Dequeue() (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		q.sweepExpiredLocked(time.Now())
		if q.size() > 0 {
			break
		}
		if !q.running {
			return nil, ErrShutdown
		}
		q.cond.Wait()
	}

	t := q.popLocked()
	if q.metrics != nil {
		q.metrics.Depth.Set(float64(q.size()))
	}
	return t, nil
}

// popLocked selects the next task honoring fairness rotation. Caller must
// hold q.mu.
//
// Urgent tasks always pop first and sit outside the fairness contest
// entirely: popping one does not count against (or reset into) the
// Normal-vs-Low streak, it simply zeroes it, since urgent work getting
// preference over everything else is not the rotation the "K consecutive
// higher-level pops" budget governs. Only consecutive Normal pops accrue
// against fairnessK; a Low pop, forced or not, always resets the streak.
func (q *Queue) popLocked() *domain.Task {
	if !q.cfg.FairSchedulingEnabled {
		return q.popStrictLocked()
	}

	if q.urgent.Len() > 0 {
		t := q.removeFromLevel(q.urgent, domain.PriorityUrgent)
		q.consecutive = 0
		q.lastLevel = domain.PriorityUrgent
		return t
	}

	if q.consecutive >= q.fairnessK && q.low.Len() > 0 {
		t := q.removeFromLevel(q.low, domain.PriorityLow)
		q.consecutive = 0
		q.lastLevel = domain.PriorityLow
		return t
	}

	if q.normal.Len() > 0 {
		t := q.removeFromLevel(q.normal, domain.PriorityNormal)
		q.consecutive++
		q.lastLevel = domain.PriorityNormal
		return t
	}

	if q.low.Len() > 0 {
		t := q.removeFromLevel(q.low, domain.PriorityLow)
		q.consecutive = 0
		q.lastLevel = domain.PriorityLow
		return t
	}

	return nil
}

func (q *Queue) popStrictLocked() *domain.Task {
	if q.urgent.Len() > 0 {
		return q.removeFromLevel(q.urgent, domain.PriorityUrgent)
	}
	if q.normal.Len() > 0 {
		return q.removeFromLevel(q.normal, domain.PriorityNormal)
	}
	if q.low.Len() > 0 {
		return q.removeFromLevel(q.low, domain.PriorityLow)
	}
	return nil
}

func (q *Queue) removeFromLevel(lst *list.List, _ domain.Priority) *domain.Task {
	e := lst.Front()
	if e == nil {
		return nil
	}
	lst.Remove(e)
	t := e.Value.(*domain.Task)
	q.removeFromIndex(t)
	return t
}

func (q *Queue) removeFromIndex(t *domain.Task) {
	tasks := q.byExecCtx[t.ExecCtx]
	for i, other := range tasks {
		if other == t {
			q.byExecCtx[t.ExecCtx] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(q.byExecCtx[t.ExecCtx]) == 0 {
		delete(q.byExecCtx, t.ExecCtx)
	}
}

// Shutdown stops admitting waits: running is cleared and every blocked
// Dequeue is woken to drain without new work, matching §4.F Shutdown.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Size returns the current queue depth across all three levels.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Queued reports the current queue depth; it satisfies swap.QueueStatus
// alongside RunningCount so the Model Swap Controller can poll quiesce
// progress without importing the queue's internals.
func (q *Queue) Queued() int {
	return q.Size()
}

// RunningCount reports the number of tasks currently being processed by
// the worker (popped from the queue but not yet finished).
func (q *Queue) RunningCount() int {
	return int(q.inFlight.Load())
}

// PressureManager is the subset of the Memory Manager the worker consults
// after every completed task to react to memory pressure (§4.E
// pressure_detected/handle_pressure, §1 "memory-pressure handling ...
// against the engine").
type PressureManager interface {
	PressureDetected() bool
	HandlePressure(ctxHandle domain.ContextHandle) error
}

// Worker drives a single background loop that dequeues tasks and
// synchronously invokes the orchestrator for each (§4.F Worker).
type Worker struct {
	queue *Queue
	orch  Orchestrator
	metrics *Metrics

	pressure PressureManager
	ctxFn    func() domain.ContextHandle

	stop chan struct{}
	done chan struct{}
}

// NewWorker constructs a Worker bound to queue and orch.
func NewWorker(queue *Queue, orch Orchestrator, metrics *Metrics) *Worker {
	return &Worker{queue: queue, orch: orch, metrics: metrics, stop: make(chan struct{}), done: make(chan struct{})}
}

// SetPressureManager attaches the Memory Manager and a live-context
// accessor the worker checks after every completed task. Nil is valid and
// disables pressure handling.
func (w *Worker) SetPressureManager(pressure PressureManager, ctxFn func() domain.ContextHandle) {
	w.pressure = pressure
	w.ctxFn = ctxFn
}

// Run drives the dequeue loop until the queue shuts down or ctx is
// cancelled. It is meant to run in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Dequeue()
		if err != nil {
			return
		}
		w.queue.inFlight.Add(1)
		result, runErr := w.orch.Run(ctx, task)
		w.queue.inFlight.Add(-1)
		state := domain.TaskCompleted
		task.Finish(state, result, runErr)
		if w.metrics != nil {
			w.metrics.Completed.Inc()
			w.metrics.Latency.Observe(time.Since(task.CreatedAt).Seconds())
		}
		if w.pressure != nil && w.pressure.PressureDetected() {
			_ = w.pressure.HandlePressure(w.ctxFn())
		}
	}
}

// Join blocks until the worker's Run loop has returned.
func (w *Worker) Join() {
	<-w.done
}
