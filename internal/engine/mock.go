// Package engine provides Engine Adapter implementations (spec §4.B): a
// deterministic mock usable in tests and in demo/offline mode, behind the
// same domain.Engine seam a real llama.cpp-backed adapter would occupy.
package engine

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// MockEngine implements domain.Engine deterministically: Tokenize maps each
// whitespace-separated word to a hash of its text, TokenToPiece renders a
// placeholder carrying the token id, Decode fails only once a context's
// capacity would be exceeded, and sampling returns a hash-derived token
// per call until MaxTokens tokens have been emitted, then EOS.
// It exists so every other component (session store, memory manager,
// queue, orchestrator, swap controller) can be built and tested without a
// real model file.
type MockEngine struct {
	mu sync.Mutex

	nextModel   uint64
	nextCtx     uint64
	nextSampler uint64

	models   map[domain.ModelHandle]*mockModel
	contexts map[domain.ContextHandle]*mockContext
	samplers map[domain.SamplerHandle]*mockSampler
}

type mockModel struct {
	info   domain.ModelInfo
	params domain.ModelParams
}

type mockContext struct {
	model    domain.ModelHandle
	capacity int
	used     int
	kv       map[domain.ExecCtx]int
}

type mockSampler struct {
	model    domain.ModelHandle
	params   domain.SamplingParams
	emitted  int64
	eosAfter int
}

// NewMockEngine constructs an empty mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		models:   make(map[domain.ModelHandle]*mockModel),
		contexts: make(map[domain.ContextHandle]*mockContext),
		samplers: make(map[domain.SamplerHandle]*mockSampler),
	}
}

const mockEOSToken domain.TokenID = -1

// LoadModel synthesizes model metadata from its path so tests can assert
// on stable, input-derived values without shipping a real model file.
func (e *MockEngine) LoadModel(_ context.Context, params domain.ModelParams) (domain.ModelHandle, error) {
	if params.ModelPath == "" {
		return 0, fmt.Errorf("op=engine.LoadModel: %w: empty model path", domain.ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextModel++
	h := domain.ModelHandle(e.nextModel)
	e.models[h] = &mockModel{
		info: domain.ModelInfo{
			Name:             baseName(params.ModelPath),
			Architecture:     "mock",
			VocabSize:        32000,
			TrainedCtxLength: params.CtxSize,
			Version:          fmt.Sprintf("mock-%08x", hashToUint32(params.ModelPath)),
		},
		params: params,
	}
	return h, nil
}

// FreeModel releases a model handle; unknown handles are a silent no-op,
// matching llama.cpp's own free semantics.
func (e *MockEngine) FreeModel(handle domain.ModelHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.models, handle)
}

func (e *MockEngine) Describe(handle domain.ModelHandle) domain.ModelInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models[handle]; ok {
		return m.info
	}
	return domain.ModelInfo{}
}

func (e *MockEngine) CreateContext(_ context.Context, model domain.ModelHandle, params domain.ModelParams) (domain.ContextHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.models[model]; !ok {
		return 0, fmt.Errorf("op=engine.CreateContext: %w: unknown model handle", domain.ErrInvalidArgument)
	}
	e.nextCtx++
	h := domain.ContextHandle(e.nextCtx)
	e.contexts[h] = &mockContext{
		model:    model,
		capacity: params.CtxSize,
		kv:       make(map[domain.ExecCtx]int),
	}
	return h, nil
}

func (e *MockEngine) FreeContext(handle domain.ContextHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, handle)
}

// Vocab and ChatTemplate return the model handle reinterpreted as the
// corresponding opaque handle type; the mock never distinguishes them
// internally.
func (e *MockEngine) Vocab(model domain.ModelHandle) domain.VocabHandle {
	return domain.VocabHandle(model)
}

func (e *MockEngine) ChatTemplate(model domain.ModelHandle) domain.TemplateHandle {
	return domain.TemplateHandle(model)
}

// ApplyChatTemplate renders a minimal, stable role-prefixed transcript.
func (e *MockEngine) ApplyChatTemplate(_ domain.TemplateHandle, messages []domain.ChatMessage, addGenerationPrompt bool) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "<|%s|>%s\n", m.Role, m.Content)
	}
	if addGenerationPrompt {
		sb.WriteString("<|assistant|>")
	}
	return sb.String(), nil
}

// Tokenize splits on whitespace and maps each piece to the low 31 bits of
// its sha1, so the same text always tokenizes to the same ids.
func (e *MockEngine) Tokenize(_ domain.VocabHandle, text string, addBOS, _ bool) ([]domain.TokenID, error) {
	fields := strings.Fields(text)
	out := make([]domain.TokenID, 0, len(fields)+1)
	if addBOS {
		out = append(out, 1)
	}
	for _, f := range fields {
		out = append(out, domain.TokenID(hashToUint32(f)&0x7fffffff))
	}
	return out, nil
}

// TokenToPiece has no inverse vocabulary to consult, so it renders a
// stable placeholder carrying the token id; good enough for tests that
// only assert on byte-length and determinism, not English text.
func (e *MockEngine) TokenToPiece(_ domain.VocabHandle, token domain.TokenID) ([]byte, error) {
	if token == mockEOSToken {
		return nil, nil
	}
	return []byte(fmt.Sprintf(" tok%d", token)), nil
}

func (e *MockEngine) IsEndOfGeneration(_ domain.VocabHandle, token domain.TokenID) bool {
	return token == mockEOSToken
}

func (e *MockEngine) CtxCapacity(ctx domain.ContextHandle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contexts[ctx]; ok {
		return c.capacity
	}
	return 0
}

func (e *MockEngine) CtxUsed(ctx domain.ContextHandle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contexts[ctx]; ok {
		return c.used
	}
	return 0
}

// Decode advances each sequence's used-token count by the items addressed
// to it, failing with ErrContextFull once capacity would be exceeded --
// mirroring llama.cpp's own decode-time context-full error.
func (e *MockEngine) Decode(ctx context.Context, ctxHandle domain.ContextHandle, batch domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("op=engine.Decode: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctxHandle]
	if !ok {
		return fmt.Errorf("op=engine.Decode: %w: unknown context handle", domain.ErrInvalidArgument)
	}
	add := len(batch.Items)
	if c.used+add > c.capacity {
		return fmt.Errorf("op=engine.Decode: %w", domain.ErrContextFull)
	}
	c.used += add
	for _, it := range batch.Items {
		c.kv[it.SeqID]++
	}
	return nil
}

func (e *MockEngine) KVClear(ctxHandle domain.ContextHandle, all bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctxHandle]
	if !ok {
		return fmt.Errorf("op=engine.KVClear: %w: unknown context handle", domain.ErrInvalidArgument)
	}
	if all {
		c.used = 0
		c.kv = make(map[domain.ExecCtx]int)
	}
	return nil
}

func (e *MockEngine) KVSeqRemove(ctxHandle domain.ContextHandle, seq domain.ExecCtx, from, to int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctxHandle]
	if !ok {
		return fmt.Errorf("op=engine.KVSeqRemove: %w: unknown context handle", domain.ErrInvalidArgument)
	}
	removed := to - from
	if to < 0 {
		removed = c.kv[seq]
	}
	if removed < 0 {
		removed = 0
	}
	if removed > c.kv[seq] {
		removed = c.kv[seq]
	}
	c.kv[seq] -= removed
	c.used -= removed
	if c.used < 0 {
		c.used = 0
	}
	return nil
}

func (e *MockEngine) KVSeqShift(ctxHandle domain.ContextHandle, seq domain.ExecCtx, from, to int, delta int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[ctxHandle]; !ok {
		return fmt.Errorf("op=engine.KVSeqShift: %w: unknown context handle", domain.ErrInvalidArgument)
	}
	return nil
}

func (e *MockEngine) AttachThreadpool(ctxHandle domain.ContextHandle, main, batch int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[ctxHandle]; !ok {
		return fmt.Errorf("op=engine.AttachThreadpool: %w: unknown context handle", domain.ErrInvalidArgument)
	}
	return nil
}

// SamplerBuild records the effective sampling parameters; the mock emits
// a deterministic token stream and terminates after MaxTokens, so there
// is nothing to actually build beyond bookkeeping the params.
func (e *MockEngine) SamplerBuild(model domain.ModelHandle, params domain.SamplingParams) (domain.SamplerHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.models[model]; !ok {
		return 0, fmt.Errorf("op=engine.SamplerBuild: %w: unknown model handle", domain.ErrInvalidArgument)
	}
	e.nextSampler++
	h := domain.SamplerHandle(e.nextSampler)
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	e.samplers[h] = &mockSampler{model: model, params: params, eosAfter: maxTokens}
	return h, nil
}

func (e *MockEngine) SamplerFree(handle domain.SamplerHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.samplers, handle)
}

// SamplerSample deterministically advances a counter per sampler and
// returns mockEOSToken once it exceeds the sampler's MaxTokens, so
// run_inference loops using this engine are guaranteed to terminate.
func (e *MockEngine) SamplerSample(ctx context.Context, handle domain.SamplerHandle, _ domain.ContextHandle) (domain.TokenID, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("op=engine.SamplerSample: %w", err)
	}
	e.mu.Lock()
	s, ok := e.samplers[handle]
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("op=engine.SamplerSample: %w: unknown sampler handle", domain.ErrInvalidArgument)
	}
	n := atomic.AddInt64(&s.emitted, 1)
	if int(n) > s.eosAfter {
		return mockEOSToken, nil
	}
	return domain.TokenID(hashToUint32(fmt.Sprintf("%d:%d", handle, n)) & 0x7fffffff), nil
}

func hashToUint32(s string) uint32 {
	h := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}

func baseName(path string) string {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return path
	}
	return parts[len(parts)-1]
}

var _ domain.Engine = (*MockEngine)(nil)
