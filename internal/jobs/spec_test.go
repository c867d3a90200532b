package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecRegistryWeightsMustSumToOne(t *testing.T) {
	_, err := NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "prepare", Weight: 0.5},
			{Name: "train", Weight: 0.4},
		},
	})
	assert.Error(t, err)

	_, err = NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "prepare", Weight: 0.5},
			{Name: "train", Weight: 0.5},
		},
	})
	assert.NoError(t, err)
}

func TestSpecRegistryRejectsDuplicateTasks(t *testing.T) {
	_, err := NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "train", Weight: 0.5},
			{Name: "train", Weight: 0.5},
		},
	})
	assert.Error(t, err)
}

func TestSpecRegistryRejectsEmptyJob(t *testing.T) {
	_, err := NewSpecRegistry(map[string][]TaskSpec{"train": {}})
	assert.Error(t, err)
}

func TestSpecRegistryFind(t *testing.T) {
	registry, err := NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "prepare", Weight: 0.1},
			{Name: "train", Weight: 0.7},
			{Name: "evaluate", Weight: 0.2},
		},
	})
	require.NoError(t, err)

	task, base, err := registry.find("train", "evaluate")
	require.NoError(t, err)
	assert.Equal(t, "evaluate", task.Name)
	assert.InDelta(t, 0.8, base, 1e-9)

	_, _, err = registry.find("train", "upload")
	assert.Error(t, err)

	_, _, err = registry.find("unknown", "train")
	assert.Error(t, err)
}
