package config

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// loadBuilder assembles one Result from a lookup, logging a warning for
// every field it reverts to default.
type loadBuilder struct {
	lookup *lookup
	logger *slog.Logger
}

func (b *loadBuilder) warn(field string, value any, def any) {
	if b.logger == nil {
		return
	}
	b.logger.Warn("config field out of range, reverting to default",
		slog.String("field", field),
		slog.Any("value", value),
		slog.Any("default", def),
	)
}

// rangeInt resolves an int field, reverting to def and warning if the
// supplied value lies outside [lo, hi].
func (b *loadBuilder) rangeInt(section, field string, def, lo, hi int, keys ...string) int {
	v, ok := b.lookup.int(section, append([]string{field}, keys...)...)
	if !ok {
		return def
	}
	if v < lo || v > hi {
		b.warn(field, v, def)
		return def
	}
	return v
}

func (b *loadBuilder) rangeFloat(section, field string, def, lo, hi float64, keys ...string) float64 {
	v, ok := b.lookup.float(section, append([]string{field}, keys...)...)
	if !ok {
		return def
	}
	if v < lo || v > hi {
		b.warn(field, v, def)
		return def
	}
	return v
}

func (b *loadBuilder) boolField(section string, def bool, keys ...string) bool {
	v, ok := b.lookup.bool(section, keys...)
	if !ok {
		return def
	}
	return v
}

func (b *loadBuilder) stringField(section string, def string, keys ...string) string {
	v, ok := b.lookup.str(section, keys...)
	if !ok {
		return def
	}
	return v
}

func (b *loadBuilder) durationMSField(section, field string, def time.Duration, lo, hi int64, keys ...string) time.Duration {
	v, ok := b.lookup.int64(section, append([]string{field}, keys...)...)
	if !ok {
		return def
	}
	if v < lo || v > hi {
		b.warn(field, v, def)
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func (b *loadBuilder) buildBackend(def domain.BackendConfig) domain.BackendConfig {
	out := def

	out.Session.MaxSessions = b.rangeInt("backend", "max_sessions", def.Session.MaxSessions, 1, 10000)
	out.Session.IdleTimeout = b.durationMSField("backend", "idle_timeout_ms", def.Session.IdleTimeout, 1000, 86_400_000)
	out.Session.AutoCleanup = b.boolField("backend", def.Session.AutoCleanup, "auto_cleanup")
	out.Session.MaxConcurrent = b.rangeInt("backend", "max_concurrent", def.Session.MaxConcurrent, 1, 256)

	out.Queue.QueueSize = b.rangeInt("backend", "queue_size", def.Queue.QueueSize, 1, 10000)
	out.Queue.DefaultTaskTimeout = b.durationMSField("backend", "default_task_timeout_ms", def.Queue.DefaultTaskTimeout, 1000, 600_000)
	out.Queue.PrioritySchedulingEnabled = b.boolField("backend", def.Queue.PrioritySchedulingEnabled, "priority_scheduling_enabled")
	out.Queue.FairSchedulingEnabled = b.boolField("backend", def.Queue.FairSchedulingEnabled, "fair_scheduling_enabled")
	out.Queue.AutoQueueCleanup = b.boolField("backend", def.Queue.AutoQueueCleanup, "auto_queue_cleanup")
	out.Queue.WarningThreshold = b.rangeInt("backend", "queue_warning_threshold", def.Queue.WarningThreshold, 0, out.Queue.QueueSize)
	out.Queue.RejectThreshold = b.rangeInt("backend", "queue_reject_threshold", def.Queue.RejectThreshold, 0, out.Queue.QueueSize)

	out.Memory.ContextShifting = b.boolField("memory", def.Memory.ContextShifting, "context_shifting")
	out.Memory.CacheStrategy = domain.CacheStrategy(b.stringField("memory", string(def.Memory.CacheStrategy), "cache_strategy"))
	out.Memory.MaxCacheTokens = b.rangeInt("memory", "max_cache_tokens", def.Memory.MaxCacheTokens, 1024, 1_000_000)
	out.Memory.NKeepTokens = b.rangeInt("memory", "n_keep_tokens", def.Memory.NKeepTokens, 64, 2048)
	out.Memory.NDiscardTokens = b.rangeInt("memory", "n_discard_tokens", def.Memory.NDiscardTokens, 128, 1024)
	out.Memory.MemoryPressureThreshold = b.rangeFloat("memory", "memory_pressure_threshold", def.Memory.MemoryPressureThreshold, 0.5, 0.95)
	out.Memory.EnablePartialCacheDeletion = b.boolField("memory", def.Memory.EnablePartialCacheDeletion, "enable_partial_cache_deletion")
	out.Memory.EnableTokenCacheReuse = b.boolField("memory", def.Memory.EnableTokenCacheReuse, "enable_token_cache_reuse")
	out.Memory.CacheDeletionStrategy = domain.CacheStrategy(b.stringField("memory", string(def.Memory.CacheDeletionStrategy), "cache_deletion_strategy"))
	out.Memory.MaxMemoryMB = b.rangeInt("memory", "max_memory_mb", def.Memory.MaxMemoryMB, 0, 32768)

	out.Logging.Level = b.stringField("logging", def.Logging.Level, "level")
	out.Logging.Timestamps = b.boolField("logging", def.Logging.Timestamps, "timestamps")
	out.Logging.Colors = b.boolField("logging", def.Logging.Colors, "colors")
	out.Logging.File = b.stringField("logging", def.Logging.File, "file")
	out.Logging.Debug = b.boolField("logging", def.Logging.Debug, "enable_debug")

	out.Performance.BatchProcessingEnabled = b.boolField("performance", def.Performance.BatchProcessingEnabled, "batch_processing")
	out.Performance.BatchSize = b.rangeInt("performance", "batch_size", def.Performance.BatchSize, 1, 2048)
	out.Performance.BatchTimeout = b.durationMSField("performance", "batch_timeout_ms", def.Performance.BatchTimeout, 10, 1000)

	return out
}

func (b *loadBuilder) buildModel(def domain.ModelParams) domain.ModelParams {
	out := def
	out.CtxSize = b.rangeInt("model", "n_ctx", def.CtxSize, 128, 32768, "ctx_size")
	out.BatchSize = b.rangeInt("model", "n_batch", def.BatchSize, 1, 2048, "batch_size")
	if v, ok := b.lookup.int("model", "n_ubatch"); ok {
		out.UBatchSize = v
	}
	out.NGPULayers = b.rangeInt("model", "n_gpu_layers", def.NGPULayers, 0, 999)
	out.Threads = b.rangeInt("model", "threads", def.Threads, 1, 64)
	if v, ok := b.lookup.int("model", "threads_batch"); ok {
		out.ThreadsBatch = v
	}
	out.UseMMap = b.boolField("model", def.UseMMap, "use_mmap")
	out.UseMLock = b.boolField("model", def.UseMLock, "use_mlock")
	out.NUMAStrategy = domain.NUMAStrategy(b.stringField("model", string(def.NUMAStrategy), "numa"))
	return out
}

func (b *loadBuilder) buildSampling(def domain.SamplingParams) domain.SamplingParams {
	out := def
	out.Temperature = b.rangeFloat("sampling", "temperature", def.Temperature, 0.0, 2.0, "temp")
	out.TopP = b.rangeFloat("sampling", "top_p", def.TopP, 0.0, 1.0)
	out.TopK = b.rangeInt("sampling", "top_k", def.TopK, -1, 200)
	if v, ok := b.lookup.float("sampling", "min_p"); ok {
		out.MinP = v
	}
	if v, ok := b.lookup.float("sampling", "typical_p"); ok {
		out.TypicalP = v
	}
	if v, ok := b.lookup.float("sampling", "repeat_penalty"); ok {
		out.RepeatPenalty = v
	}
	out.PresencePenalty = b.rangeFloat("sampling", "presence_penalty", def.PresencePenalty, -2.0, 2.0)
	out.FrequencyPenalty = b.rangeFloat("sampling", "frequency_penalty", def.FrequencyPenalty, -2.0, 2.0)
	out.PenaltyLastN = b.rangeInt("sampling", "penalty_last_n", def.PenaltyLastN, -1, 2048, "repeat_last_n")
	if v, ok := b.lookup.int64("sampling", "seed"); ok {
		out.Seed = v
	}
	if v, ok := b.lookup.int("sampling", "n_probs", "logprobs"); ok {
		out.NProbs = v
	}
	if v, ok := b.lookup.int("sampling", "min_keep"); ok {
		out.MinKeep = v
	}
	out.IgnoreEOS = b.boolField("sampling", def.IgnoreEOS, "ignore_eos")
	out.Grammar = b.stringField("sampling", def.Grammar, "grammar")
	out.GrammarLazy = b.boolField("sampling", def.GrammarLazy, "grammar_lazy")

	if sec, ok := b.lookup.section("sampling"); ok {
		if dry, ok := sec["dry"].(map[string]any); ok {
			out.DRY = mergeDRY(def.DRY, parseDRY(newLookup(dry)))
		}
		if dt, ok := sec["dynatemp"].(map[string]any); ok {
			out.DynaTemp = parseDynaTemp(newLookup(dt))
		}
		if ms, ok := sec["mirostat"].(map[string]any); ok {
			out.Mirostat = mergeMirostat(def.Mirostat, parseMirostat(newLookup(ms)))
		}
	}
	if lb, ok := b.lookup.rawTop("logit_bias"); ok {
		out.LogitBias = parseLogitBias(lb)
	}

	out.MaxTokens = b.rangeInt("stopping", "n_predict", def.MaxTokens, 1, 4096, "max_tokens")
	if v, ok := b.lookup.strSlice("stopping", "stop"); ok {
		out.StopSequences = v
	}
	if v, ok := b.lookup.bool("stopping", "ignore_eos"); ok {
		out.IgnoreEOS = v
	}
	return out
}

// validateEnums runs struct-tag validation over the enum-constrained
// fields, reverting any that fail to their documented default.
// buildBackend/buildModel/buildSampling copy cache_strategy/numa/mirostat
// values through unchecked, so this is the only check those fields get.
func (b *loadBuilder) validateEnums(res *Result) {
	if err := validate.Struct(res.Backend.Memory); err != nil {
		def := domain.DefaultBackendConfig().Memory
		b.warn("memory", err.Error(), def)
		res.Backend.Memory.CacheStrategy = def.CacheStrategy
		res.Backend.Memory.CacheDeletionStrategy = def.CacheDeletionStrategy
	}
	if err := validate.Struct(res.Model); err != nil {
		def := domain.DefaultModelParams()
		b.warn("model.numa", err.Error(), def.NUMAStrategy)
		res.Model.NUMAStrategy = def.NUMAStrategy
	}
	if err := validate.Struct(res.Sampling.Mirostat); err != nil {
		def := domain.DefaultSamplingParams().Mirostat
		b.warn("sampling.mirostat.version", err.Error(), def.Version)
		res.Sampling.Mirostat.Version = def.Version
	}
}

func parseDRY(l *lookup) domain.DRYParams {
	out := domain.DRYParams{}
	if v, ok := l.float("", "multiplier"); ok {
		out.Multiplier = v
	}
	out.Base = 1.75
	if v, ok := l.float("", "base"); ok {
		out.Base = v
	}
	if v, ok := l.int("", "allowed_length"); ok {
		out.AllowedLength = v
	}
	out.PenaltyLastN = -1
	if v, ok := l.int("", "penalty_last_n"); ok {
		out.PenaltyLastN = v
	}
	out.SequenceBreakers = []string{"\n", ":", "\"", "*"}
	if v, ok := l.strSlice("", "sequence_breakers"); ok {
		out.SequenceBreakers = v
	}
	return out
}

// mergeDRY keeps def's fields for anything the document left unset.
func mergeDRY(def domain.DRYParams, parsed domain.DRYParams) domain.DRYParams {
	out := def
	out.Multiplier = parsed.Multiplier
	if parsed.Base != 0 {
		out.Base = parsed.Base
	}
	if parsed.AllowedLength != 0 {
		out.AllowedLength = parsed.AllowedLength
	}
	out.PenaltyLastN = parsed.PenaltyLastN
	if len(parsed.SequenceBreakers) > 0 {
		out.SequenceBreakers = parsed.SequenceBreakers
	}
	return out
}

func parseDynaTemp(l *lookup) domain.DynaTempParams {
	out := domain.DynaTempParams{}
	if v, ok := l.float("", "range"); ok {
		out.Range = v
	}
	if v, ok := l.float("", "exponent"); ok {
		out.Exponent = v
	}
	return out
}

func parseMirostat(l *lookup) domain.MirostatParams {
	out := domain.MirostatParams{}
	if v, ok := l.int("", "version"); ok {
		out.Version = v
	}
	if v, ok := l.float("", "tau"); ok {
		out.Tau = v
	}
	if v, ok := l.float("", "eta"); ok {
		out.Eta = v
	}
	return out
}

func mergeMirostat(def domain.MirostatParams, parsed domain.MirostatParams) domain.MirostatParams {
	out := parsed
	if out.Tau == 0 {
		out.Tau = def.Tau
	}
	if out.Eta == 0 {
		out.Eta = def.Eta
	}
	return out
}

func parseLogitBias(raw any) []domain.LogitBias {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.LogitBias, 0, len(arr))
	for _, item := range arr {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		id, ok1 := pair[0].(float64)
		bias, ok2 := pair[1].(float64)
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, domain.LogitBias{TokenID: int32(id), Bias: float32(bias)})
	}
	return out
}
