package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/util"
)

type sample struct {
	Skipped *int `wire:"-"`
	Values  map[string]int
	Name    string
}

func TestIsStructInitialized(t *testing.T) {
	err := util.IsStructInitialized(&sample{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Values")

	require.NoError(t, util.IsStructInitialized(&sample{Values: map[string]int{}}))
	require.Error(t, util.IsStructInitialized((*sample)(nil)))
	require.Error(t, util.IsStructInitialized(42))
}
