package domain

import "time"

// CacheStrategy enumerates partial KV-cache eviction strategies.
type CacheStrategy string

// Supported cache strategies (§3, §6).
const (
	CacheStrategyLRU   CacheStrategy = "lru"
	CacheStrategyFIFO  CacheStrategy = "fifo"
	CacheStrategySmart CacheStrategy = "smart"
)

// NUMAStrategy enumerates NUMA allocation strategies for the model.
type NUMAStrategy string

// Supported NUMA strategies (§3).
const (
	NUMADisabled   NUMAStrategy = "disabled"
	NUMADistribute NUMAStrategy = "distribute"
	NUMAIsolate    NUMAStrategy = "isolate"
	NUMANumactl    NUMAStrategy = "numactl"
)

// SessionConfig holds session-cap policy (§3 BackendConfig).
type SessionConfig struct {
	MaxSessions   int           `json:"max_sessions" validate:"gte=1,lte=10000"`
	IdleTimeout   time.Duration `json:"idle_timeout_ms" validate:"gte=1000"`
	AutoCleanup   bool          `json:"auto_cleanup"`
	MaxConcurrent int           `json:"max_concurrent" validate:"gte=1,lte=256"`
}

// QueueConfig holds task-queue cap and admission policy (§3 BackendConfig).
type QueueConfig struct {
	QueueSize               int           `json:"queue_size" validate:"gte=1,lte=10000"`
	DefaultTaskTimeout       time.Duration `json:"default_task_timeout_ms" validate:"gte=1000"`
	PrioritySchedulingEnabled bool         `json:"priority_scheduling_enabled"`
	FairSchedulingEnabled     bool         `json:"fair_scheduling_enabled"`
	AutoQueueCleanup          bool         `json:"auto_queue_cleanup"`
	WarningThreshold          int          `json:"queue_warning_threshold"`
	RejectThreshold           int          `json:"queue_reject_threshold"`
}

// MemoryConfig holds memory-pressure and KV-cache management policy
// (§3 BackendConfig, §4.E).
type MemoryConfig struct {
	ContextShifting            bool          `json:"context_shifting"`
	CacheStrategy              CacheStrategy `json:"cache_strategy" validate:"oneof=lru fifo smart"`
	MaxCacheTokens             int           `json:"max_cache_tokens" validate:"gte=1024,lte=1000000"`
	NKeepTokens                int           `json:"n_keep_tokens" validate:"gte=64,lte=2048"`
	NDiscardTokens             int           `json:"n_discard_tokens" validate:"gte=128,lte=1024"`
	MemoryPressureThreshold    float64       `json:"memory_pressure_threshold" validate:"gte=0.5,lte=0.95"`
	EnablePartialCacheDeletion bool          `json:"enable_partial_cache_deletion"`
	EnableTokenCacheReuse      bool          `json:"enable_token_cache_reuse"`
	CacheDeletionStrategy      CacheStrategy `json:"cache_deletion_strategy" validate:"oneof=lru fifo smart"`
	MaxMemoryMB                int           `json:"max_memory_mb" validate:"gte=0,lte=32768"`
}

// LoggingConfig holds the gateway's logging posture (§3 BackendConfig).
type LoggingConfig struct {
	Level      string `json:"level" validate:"oneof=debug info warn error fatal"`
	Timestamps bool   `json:"timestamps"`
	Colors     bool   `json:"colors"`
	File       string `json:"file"`
	Debug      bool   `json:"debug"`
}

// PerformanceConfig holds batching policy (§3 BackendConfig).
type PerformanceConfig struct {
	BatchProcessingEnabled bool          `json:"batch_processing"`
	BatchSize              int           `json:"batch_size" validate:"gte=1,lte=2048"`
	BatchTimeout           time.Duration `json:"batch_timeout_ms" validate:"gte=10,lte=1000"`
}

// BackendConfig is the static, process-scoped configuration produced by
// the Configuration Loader (§4.A). Immutable from init until deinit.
type BackendConfig struct {
	Session     SessionConfig
	Queue       QueueConfig
	Memory      MemoryConfig
	Logging     LoggingConfig
	Performance PerformanceConfig
}

// ModelParams is the static model-load configuration (§3).
type ModelParams struct {
	CtxSize      int          `json:"n_ctx" validate:"gte=128,lte=32768"`
	BatchSize    int          `json:"n_batch" validate:"gte=1,lte=2048"`
	UBatchSize   int          `json:"n_ubatch"`
	NGPULayers   int          `json:"n_gpu_layers" validate:"gte=0,lte=999"`
	Threads      int          `json:"threads" validate:"gte=1,lte=64"`
	ThreadsBatch int          `json:"threads_batch"`
	UseMMap      bool         `json:"use_mmap"`
	UseMLock     bool         `json:"use_mlock"`
	NUMAStrategy NUMAStrategy `json:"numa" validate:"oneof=disabled distribute isolate numactl"`

	// ModelPath is the filesystem path of the currently (or to-be) loaded
	// model. Not part of the JSON schema; set by the caller of load_model.
	ModelPath string `json:"-"`
}

// DRYParams configures the DRY repetition-suppression sampling layer.
type DRYParams struct {
	Multiplier        float64  `json:"multiplier"`
	Base              float64  `json:"base"`
	AllowedLength     int      `json:"allowed_length"`
	PenaltyLastN      int      `json:"penalty_last_n"`
	SequenceBreakers  []string `json:"sequence_breakers"`
}

// DynaTempParams configures dynamic-temperature sampling.
type DynaTempParams struct {
	Range    float64 `json:"range"`
	Exponent float64 `json:"exponent"`
}

// MirostatParams configures entropy-targeted Mirostat sampling.
type MirostatParams struct {
	Version int     `json:"version" validate:"gte=0,lte=2"`
	Tau     float64 `json:"tau"`
	Eta     float64 `json:"eta"`
}

// LogitBias biases a single token's logit during sampling.
type LogitBias struct {
	TokenID int32   `json:"token_id"`
	Bias    float32 `json:"bias"`
}

// SamplingParams is the static default sampling configuration (§3), also
// used as the base that RuntimeParams layers on top of (§4.C).
type SamplingParams struct {
	Temperature      float64        `json:"temperature" validate:"gte=0,lte=2"`
	TopP             float64        `json:"top_p" validate:"gte=0,lte=1"`
	TopK             int            `json:"top_k" validate:"gte=-1,lte=200"`
	MinP             float64        `json:"min_p"`
	TypicalP         float64        `json:"typical_p"`
	RepeatPenalty    float64        `json:"repeat_penalty"`
	PresencePenalty  float64        `json:"presence_penalty" validate:"gte=-2,lte=2"`
	FrequencyPenalty float64        `json:"frequency_penalty" validate:"gte=-2,lte=2"`
	PenaltyLastN     int            `json:"penalty_last_n" validate:"gte=-1,lte=2048"`
	DRY              DRYParams      `json:"dry"`
	DynaTemp         DynaTempParams `json:"dynatemp"`
	Mirostat         MirostatParams `json:"mirostat"`
	Seed             int64          `json:"seed"`
	NProbs           int            `json:"n_probs"`
	MinKeep          int            `json:"min_keep"`
	IgnoreEOS        bool           `json:"ignore_eos"`
	Grammar          string         `json:"grammar"`
	GrammarLazy      bool           `json:"grammar_lazy"`
	LogitBias        []LogitBias    `json:"logit_bias"`

	// MaxTokens and StopSequences originate from the `stopping` schema
	// section; they ride alongside SamplingParams as the static defaults
	// that RuntimeParams.MaxTokens/StopSequences override.
	MaxTokens     int      `json:"n_predict" validate:"gte=1,lte=4096"`
	StopSequences []string `json:"stop"`
}

// RuntimeParams is the per-request parameter document (§3). Every field is
// a pointer so "unset" is representable distinctly from "zero"; only
// fields explicitly set by the caller are applied by the orchestrator and
// sampler factory.
type RuntimeParams struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MinP             *float64
	TypicalP         *float64
	RepeatPenalty    *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	PenaltyLastN     *int
	DRY              *DRYParams
	DynaTemp         *DynaTempParams
	Mirostat         *MirostatParams
	Seed             *int64
	NProbs           *int
	MinKeep          *int
	IgnoreEOS        *bool
	Grammar          *string
	GrammarLazy      *bool
	LogitBias        []LogitBias

	MaxTokens     *int
	StopSequences []string
}

// DefaultBackendConfig returns the documented defaults from PARAMETER_REFERENCE
// (§6), used whenever a field is absent or out of range.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Session: SessionConfig{
			MaxSessions:   100,
			IdleTimeout:   300_000 * time.Millisecond,
			AutoCleanup:   true,
			MaxConcurrent: 10,
		},
		Queue: QueueConfig{
			QueueSize:                 500,
			DefaultTaskTimeout:        30_000 * time.Millisecond,
			PrioritySchedulingEnabled: true,
			FairSchedulingEnabled:     true,
			AutoQueueCleanup:          true,
			WarningThreshold:          400,
			RejectThreshold:           500,
		},
		Memory: MemoryConfig{
			ContextShifting:            true,
			CacheStrategy:              CacheStrategyLRU,
			MaxCacheTokens:             8192,
			NKeepTokens:                128,
			NDiscardTokens:             256,
			MemoryPressureThreshold:    0.8,
			EnablePartialCacheDeletion: true,
			EnableTokenCacheReuse:      true,
			CacheDeletionStrategy:      CacheStrategyLRU,
			MaxMemoryMB:                0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Timestamps: true,
			Colors:     false,
			File:       "",
			Debug:      false,
		},
		Performance: PerformanceConfig{
			BatchProcessingEnabled: true,
			BatchSize:              512,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

// DefaultModelParams returns the documented model defaults (§6).
func DefaultModelParams() ModelParams {
	return ModelParams{
		CtxSize:      2048,
		BatchSize:    512,
		UBatchSize:   512,
		NGPULayers:   0,
		Threads:      4,
		ThreadsBatch: 4,
		UseMMap:      true,
		UseMLock:     false,
		NUMAStrategy: NUMADisabled,
	}
}

// DefaultSamplingParams returns the documented sampling defaults (§6).
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:      0.7,
		TopP:             0.9,
		TopK:             40,
		MinP:             0.05,
		TypicalP:         1.0,
		RepeatPenalty:    1.1,
		PresencePenalty:  0,
		FrequencyPenalty: 0,
		PenaltyLastN:     64,
		DRY: DRYParams{
			Multiplier:       0,
			Base:             1.75,
			AllowedLength:    2,
			PenaltyLastN:     -1,
			SequenceBreakers: []string{"\n", ":", "\"", "*"},
		},
		DynaTemp: DynaTempParams{Range: 0, Exponent: 1.0},
		Mirostat: MirostatParams{Version: 0, Tau: 5.0, Eta: 0.1},
		Seed:     -1,
		NProbs:   0,
		MinKeep:  1,
		IgnoreEOS: false,
		MaxTokens: 512,
	}
}
