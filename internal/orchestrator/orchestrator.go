// Package orchestrator implements the Inference Orchestrator (spec §4.G):
// the end-to-end single-request flow from chat-history update through
// prefill, decode loop, and response assembly.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/memory"
	"github.com/fairyhunter13/inference-gateway/internal/sampler"
)

var tracer = otel.Tracer("gateway/orchestrator")

// Store is the subset of the Session Store the orchestrator needs.
type Store interface {
	Get(execCtx domain.ExecCtx) (domain.Session, bool)
	Touch(execCtx domain.ExecCtx) error
	Mutate(execCtx domain.ExecCtx, fn func(*domain.Session)) error
}

// ModelState exposes the handles needed to drive one request; owned by
// the gateway and swapped out atomically by the Model Swap Controller.
type ModelState struct {
	Model   domain.ModelHandle
	Ctx     domain.ContextHandle
	Vocab   domain.VocabHandle
	Tmpl    domain.TemplateHandle
	CtxSize int
}

// Orchestrator drives one (exec_ctx, prompt, RuntimeParams?) request to
// completion against the current model state.
type Orchestrator struct {
	engine  domain.Engine
	store   Store
	mem     *memory.Manager
	factory *sampler.Factory

	stateFn func() ModelState

	samplers     map[domain.ExecCtx]domain.SamplerHandle
	samplerModel domain.ModelHandle
}

// New constructs an Orchestrator. stateFn is consulted at the start of
// every request so a model swap mid-flight is picked up by the next
// request rather than cached indefinitely.
func New(engine domain.Engine, store Store, mem *memory.Manager, factory *sampler.Factory, stateFn func() ModelState) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		store:    store,
		mem:      mem,
		factory:  factory,
		stateFn:  stateFn,
		samplers: make(map[domain.ExecCtx]domain.SamplerHandle),
	}
}

// stopReason records why the decode loop exited, for logs and traces.
type stopReason string

const (
	stopEOS          stopReason = "eos"
	stopSequence     stopReason = "stop_sequence"
	stopContextFull  stopReason = "context_full"
	stopTimeout      stopReason = "timeout"
	stopMaxTokens    stopReason = "max_tokens"
)

// Run executes task.Prompt against task.ExecCtx's session and returns the
// assistant's response text (§4.G steps 1-10).
func (o *Orchestrator) Run(ctx context.Context, task *domain.Task) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.Int64("exec_ctx", int64(task.ExecCtx)),
		attribute.String("priority", task.Priority.String()),
	))
	defer span.End()

	sess, ok := o.store.Get(task.ExecCtx)
	if !ok {
		return "", fmt.Errorf("op=orchestrator.Run: %w", domain.ErrNotFound)
	}
	if err := o.store.Touch(task.ExecCtx); err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}

	state := o.stateFn()
	if state.Model != o.samplerModel {
		for _, h := range o.samplers {
			o.engine.SamplerFree(h)
		}
		o.samplers = make(map[domain.ExecCtx]domain.SamplerHandle)
		o.samplerModel = state.Model
	}

	samplerHandle := o.samplers[task.ExecCtx]
	var effective domain.SamplingParams
	if samplerHandle == 0 || task.Prompt.Runtime != nil {
		h, merged, err := o.factory.Rebuild(ctx, samplerHandle, state.Model, state.CtxSize, sess.Sampling, task.Prompt.Runtime)
		if err != nil {
			return "", fmt.Errorf("op=orchestrator.Run: %w", err)
		}
		samplerHandle = h
		effective = merged
		o.samplers[task.ExecCtx] = h
	} else {
		effective = sampler.Merge(sess.Sampling, task.Prompt.Runtime)
		sampler.ResolvePenaltyLastN(&effective, state.CtxSize)
	}
	if effective.Temperature < 0 {
		effective.Temperature = 0
	}

	if err := o.store.Mutate(task.ExecCtx, func(s *domain.Session) {
		s.ChatHistory = append(s.ChatHistory, domain.ChatMessage{Role: domain.RoleUser, Content: task.Prompt.Text})
	}); err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}
	sess, _ = o.store.Get(task.ExecCtx)

	prompt, err := o.engine.ApplyChatTemplate(state.Tmpl, sess.ChatHistory, true)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}

	if err := o.mem.Clear(state.Ctx, task.ExecCtx); err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}

	tokens, err := o.engine.Tokenize(state.Vocab, prompt, true, true)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}
	if len(tokens) > state.CtxSize {
		if err := o.mem.Shift(state.Ctx, task.ExecCtx, state.CtxSize); err != nil {
			return "", fmt.Errorf("op=orchestrator.Run: %w", err)
		}
		if len(tokens) > state.CtxSize {
			return "", fmt.Errorf("op=orchestrator.Run: %w", domain.ErrPromptTooLarge)
		}
	}

	batch := domain.Batch{Items: make([]domain.BatchItem, len(tokens))}
	for i, tok := range tokens {
		batch.Items[i] = domain.BatchItem{Token: tok, Position: int32(i), SeqID: task.ExecCtx, Logits: i == len(tokens)-1}
	}
	if err := o.engine.Decode(ctx, state.Ctx, batch); err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}
	o.mem.TrackDecode(task.ExecCtx, len(tokens))
	if err := o.mem.Optimize(state.Ctx, task.ExecCtx); err != nil {
		return "", fmt.Errorf("op=orchestrator.Run: %w", err)
	}

	maxTokens := effective.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	var resp strings.Builder
	reason := stopMaxTokens
	for i := 0; i < maxTokens; i++ {
		if !task.TimeoutAt.IsZero() && !time.Now().Before(task.TimeoutAt) {
			reason = stopTimeout
			break
		}
		if err := ctx.Err(); err != nil {
			reason = stopTimeout
			break
		}

		tok, err := o.engine.SamplerSample(ctx, samplerHandle, state.Ctx)
		if err != nil {
			return resp.String(), fmt.Errorf("op=orchestrator.Run: %w", err)
		}

		if o.engine.IsEndOfGeneration(state.Vocab, tok) && !effective.IgnoreEOS {
			reason = stopEOS
			break
		}

		piece, err := o.engine.TokenToPiece(state.Vocab, tok)
		if err != nil {
			return resp.String(), fmt.Errorf("op=orchestrator.Run: %w", err)
		}
		resp.Write(piece)

		if stopped, truncated := matchStopSequence(resp.String(), effective.StopSequences); stopped {
			resp.Reset()
			resp.WriteString(truncated)
			reason = stopSequence
			break
		}

		if o.engine.CtxUsed(state.Ctx)+1 > state.CtxSize {
			if err := o.mem.Shift(state.Ctx, task.ExecCtx, state.CtxSize); err != nil {
				return resp.String(), fmt.Errorf("op=orchestrator.Run: %w", err)
			}
			if o.engine.CtxUsed(state.Ctx)+1 > state.CtxSize {
				reason = stopContextFull
				break
			}
		}

		next := domain.Batch{Items: []domain.BatchItem{{Token: tok, Position: int32(o.engine.CtxUsed(state.Ctx)), SeqID: task.ExecCtx, Logits: true}}}
		if err := o.engine.Decode(ctx, state.Ctx, next); err != nil {
			return resp.String(), fmt.Errorf("op=orchestrator.Run: %w", err)
		}
		o.mem.TrackDecode(task.ExecCtx, 1)
		if err := o.mem.Optimize(state.Ctx, task.ExecCtx); err != nil {
			return resp.String(), fmt.Errorf("op=orchestrator.Run: %w", err)
		}
	}
	span.SetAttributes(attribute.String("stop_reason", string(reason)))

	final := resp.String()
	if err := o.store.Mutate(task.ExecCtx, func(s *domain.Session) {
		s.ChatHistory = append(s.ChatHistory, domain.ChatMessage{Role: domain.RoleAssistant, Content: final})
	}); err != nil {
		return final, fmt.Errorf("op=orchestrator.Run: %w", err)
	}

	return final, nil
}

// matchStopSequence reports whether resp ends with any of seqs (exact
// byte match, not regex), and if so the truncated response (§4.G step 8d).
func matchStopSequence(resp string, seqs []string) (bool, string) {
	for _, s := range seqs {
		if s == "" {
			continue
		}
		if strings.HasSuffix(resp, s) {
			return true, strings.TrimSuffix(resp, s)
		}
	}
	return false, resp
}
