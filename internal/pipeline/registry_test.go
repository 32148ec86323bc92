package pipeline_test

import (
	"context"
	"testing"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopRunner(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
	return pipeline.Succeeded(nil), nil
}

func Test_Registry_RejectsMalformedDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary string
		def     pipeline.StepDefinition
	}{
		{summary: "empty ID", def: pipeline.StepDefinition{Runner: noopRunner}},
		{summary: "nil runner", def: pipeline.StepDefinition{ID: "probe"}},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			registry := pipeline.NewRegistry()
			assert.Error(t, registry.Register(test.def))
			assert.Zero(t, registry.Len())
		})
	}
}

func Test_Registry_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(pipeline.StepDefinition{ID: "probe", Runner: noopRunner}))

	err := registry.Register(pipeline.StepDefinition{ID: "probe", Runner: noopRunner})
	assert.ErrorContains(t, err, "already registered")
	assert.Equal(t, 1, registry.Len())
}

func Test_Registry_StepsPreserveRegistrationOrder(t *testing.T) {
	t.Parallel()

	registry := pipeline.NewRegistry()
	for _, id := range []string{"metadata", "cloud-upload", "thumbnail"} {
		registry.MustRegister(pipeline.StepDefinition{ID: id, Runner: noopRunner})
	}

	ids := make([]string, 0, registry.Len())
	for _, def := range registry.Steps() {
		ids = append(ids, def.ID)
	}

	assert.Equal(t, []string{"metadata", "cloud-upload", "thumbnail"}, ids)
}

func Test_Registry_UnknownStepLookup(t *testing.T) {
	t.Parallel()

	registry := pipeline.NewRegistry()
	registry.MustRegister(pipeline.StepDefinition{ID: "probe", Runner: noopRunner})

	def, err := registry.Step("probe")
	require.NoError(t, err)
	assert.Equal(t, "probe", def.ID)

	_, err = registry.Step("nonsense")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStep)
}

func Test_StepDefinition_Supports(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary   string
		supported []asset.Type
		assetType asset.Type
		expected  bool
	}{
		{summary: "nil supported types applies to everything", supported: nil, assetType: asset.TypeOther, expected: true},
		{summary: "matching type", supported: []asset.Type{asset.TypeVideo, asset.TypeAudio}, assetType: asset.TypeAudio, expected: true},
		{summary: "non-matching type", supported: []asset.Type{asset.TypeVideo}, assetType: asset.TypeImage, expected: false},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			def := pipeline.StepDefinition{ID: "probe", SupportedTypes: test.supported, Runner: noopRunner}
			assert.Equal(t, test.expected, def.Supports(test.assetType))
		})
	}
}
