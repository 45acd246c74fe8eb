package domain

import "context"

// TokenID is a single vocabulary token identifier produced by the engine's
// tokenizer.
type TokenID int32

// ModelHandle, ContextHandle, VocabHandle, TemplateHandle and
// SamplerHandle are opaque identifiers owned by the Engine Adapter. The
// gateway never inspects their contents; it only ever passes them back to
// the Engine.
type (
	ModelHandle   uint64
	ContextHandle uint64
	VocabHandle   uint64
	TemplateHandle uint64
	SamplerHandle uint64
)

// BatchItem is one token placed into a decode batch, at a given position
// within its sequence, optionally requesting logits back.
type BatchItem struct {
	Token    TokenID
	Position int32
	SeqID    ExecCtx
	Logits   bool
}

// Batch is a single call to Engine.Decode (§4.B "decode a batch").
type Batch struct {
	Items []BatchItem
}

// ModelInfo is the model metadata recorded by the Model Swap Controller
// after a successful load (§4.H step 6).
type ModelInfo struct {
	Name             string
	Architecture     string
	VocabSize        int
	TrainedCtxLength int
	Version          string
}

// Engine is the capability interface the gateway consumes from the
// underlying inference engine (§4.B). The gateway never talks to the
// engine outside this interface; this is the seam a mock implementation
// plugs into for unit testing every other component.
type Engine interface {
	LoadModel(ctx context.Context, params ModelParams) (ModelHandle, error)
	FreeModel(handle ModelHandle)
	Describe(handle ModelHandle) ModelInfo

	CreateContext(ctx context.Context, model ModelHandle, params ModelParams) (ContextHandle, error)
	FreeContext(handle ContextHandle)

	Vocab(model ModelHandle) VocabHandle
	ChatTemplate(model ModelHandle) TemplateHandle
	ApplyChatTemplate(tmpl TemplateHandle, messages []ChatMessage, addGenerationPrompt bool) (string, error)

	Tokenize(vocab VocabHandle, text string, addBOS, special bool) ([]TokenID, error)
	TokenToPiece(vocab VocabHandle, token TokenID) ([]byte, error)
	IsEndOfGeneration(vocab VocabHandle, token TokenID) bool

	CtxCapacity(ctx ContextHandle) int
	CtxUsed(ctx ContextHandle) int
	Decode(ctx context.Context, ctxHandle ContextHandle, batch Batch) error

	KVClear(ctxHandle ContextHandle, all bool) error
	KVSeqRemove(ctxHandle ContextHandle, seq ExecCtx, from, to int) error
	KVSeqShift(ctxHandle ContextHandle, seq ExecCtx, from, to int, delta int) error

	AttachThreadpool(ctxHandle ContextHandle, main, batch int) error

	SamplerBuild(model ModelHandle, params SamplingParams) (SamplerHandle, error)
	SamplerFree(handle SamplerHandle)
	SamplerSample(ctx context.Context, handle SamplerHandle, ctxHandle ContextHandle) (TokenID, error)
}
