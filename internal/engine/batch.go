package engine

import (
	"context"
	"time"

	"github.com/joeycumines/go-utilpkg/microbatch"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// decodeJob is one Decode call coalesced into a shared microbatch window.
type decodeJob struct {
	ctxHandle domain.ContextHandle
	batch     domain.Batch
	err       error
}

// BatchDecoder wraps a domain.Engine, coalescing concurrent Decode calls
// against the same context into fewer underlying engine invocations
// (performance.batch_processing_enabled/batch_size, §6). Every other
// Engine method passes straight through to the wrapped engine.
//
// Decode calls against different ContextHandles are never merged into the
// same underlying call: the processor partitions a batch window by
// ctxHandle before invoking the engine once per distinct handle.
type BatchDecoder struct {
	domain.Engine
	batcher *microbatch.Batcher[*decodeJob]
}

// NewBatchDecoder constructs a BatchDecoder over engine, flushing a batch
// window after maxSize queued Decode calls or flushInterval elapses,
// whichever comes first (§6 batch_size/batch_timeout_ms).
func NewBatchDecoder(engine domain.Engine, maxSize int, flushInterval time.Duration) *BatchDecoder {
	d := &BatchDecoder{Engine: engine}
	d.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       maxSize,
		FlushInterval: flushInterval,
	}, d.process)
	return d
}

func (d *BatchDecoder) process(ctx context.Context, jobs []*decodeJob) error {
	byCtx := make(map[domain.ContextHandle][]*decodeJob)
	for _, j := range jobs {
		byCtx[j.ctxHandle] = append(byCtx[j.ctxHandle], j)
	}
	for ctxHandle, group := range byCtx {
		merged := domain.Batch{}
		for _, j := range group {
			merged.Items = append(merged.Items, j.batch.Items...)
		}
		err := d.Engine.Decode(ctx, ctxHandle, merged)
		for _, j := range group {
			j.err = err
		}
	}
	return nil
}

// Decode submits batch to the shared microbatch window and blocks until
// the coalesced underlying Decode call (covering this and any concurrent
// caller's batches against the same context) completes.
func (d *BatchDecoder) Decode(ctx context.Context, ctxHandle domain.ContextHandle, batch domain.Batch) error {
	job := &decodeJob{ctxHandle: ctxHandle, batch: batch}
	result, err := d.batcher.Submit(ctx, job)
	if err != nil {
		return err
	}
	if err := result.Wait(ctx); err != nil {
		return err
	}
	return result.Job.err
}

// Close stops accepting new Decode calls and waits for in-flight batches
// to finish processing.
func (d *BatchDecoder) Close() error {
	return d.batcher.Close()
}
