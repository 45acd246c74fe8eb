package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

func TestLoadEmptyDocumentReturnsDefaults(t *testing.T) {
	res, err := Load(nil, nil)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultBackendConfig(), res.Backend)
	require.Equal(t, domain.DefaultModelParams(), res.Model)
	require.Equal(t, domain.DefaultSamplingParams(), res.Sampling)
}

func TestLoadInvalidJSONReturnsConfigurationError(t *testing.T) {
	res, err := Load([]byte(`{not json`), nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.Equal(t, domain.DefaultBackendConfig(), res.Backend)
}

func TestLoadAppliesLegacyAliases(t *testing.T) {
	doc := []byte(`{
		"sampling": {"temp": 0.3},
		"model": {"ctx_size": 4096}
	}`)
	res, err := Load(doc, nil)
	require.NoError(t, err)
	require.Equal(t, 0.3, res.Sampling.Temperature)
	require.Equal(t, 4096, res.Model.CtxSize)
}

func TestLoadResolvesPenaltyLastNFromCtxSize(t *testing.T) {
	doc := []byte(`{
		"model": {"n_ctx": 8192},
		"sampling": {"penalty_last_n": -1}
	}`)
	res, err := Load(doc, nil)
	require.NoError(t, err)
	require.Equal(t, 8192, res.Sampling.PenaltyLastN)
	require.Equal(t, 8192, res.Sampling.DRY.PenaltyLastN)
}

func TestLoadCorrectsOutOfRangeWithDefault(t *testing.T) {
	doc := []byte(`{"sampling": {"temperature": 99}}`)
	res, err := Load(doc, nil)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultSamplingParams().Temperature, res.Sampling.Temperature)
}

func TestLoadClampsWarningThresholdToQueueSize(t *testing.T) {
	doc := []byte(`{"backend": {"queue_size": 10, "queue_warning_threshold": 500, "queue_reject_threshold": 500}}`)
	res, err := Load(doc, nil)
	require.NoError(t, err)
	require.Equal(t, 10, res.Backend.Queue.QueueSize)
	require.LessOrEqual(t, res.Backend.Queue.WarningThreshold, res.Backend.Queue.QueueSize)
	require.LessOrEqual(t, res.Backend.Queue.RejectThreshold, res.Backend.Queue.QueueSize)
}

func TestParseRuntimeParamsLeavesUnsetFieldsNil(t *testing.T) {
	rp, err := ParseRuntimeParams([]byte(`{"sampling": {"temperature": 0.1}}`))
	require.NoError(t, err)
	require.NotNil(t, rp.Temperature)
	require.Equal(t, 0.1, *rp.Temperature)
	require.Nil(t, rp.TopP)
	require.Nil(t, rp.MaxTokens)
}

func TestParseRuntimeParamsEmptyDocumentIsAllNil(t *testing.T) {
	rp, err := ParseRuntimeParams(nil)
	require.NoError(t, err)
	require.Nil(t, rp.Temperature)
	require.Nil(t, rp.StopSequences)
}

func TestParseRuntimeParamsStoppingSection(t *testing.T) {
	rp, err := ParseRuntimeParams([]byte(`{"stopping": {"max_tokens": 64, "stop": ["\n\n"]}}`))
	require.NoError(t, err)
	require.NotNil(t, rp.MaxTokens)
	require.Equal(t, 64, *rp.MaxTokens)
	require.Equal(t, []string{"\n\n"}, rp.StopSequences)
}

func TestParseRuntimeParamsInvalidJSON(t *testing.T) {
	_, err := ParseRuntimeParams([]byte(`{bad`))
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
