package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inner struct {
	Count int `persistence:"count"`
}

type state struct {
	Label  string             `persistence:"label"`
	Prices map[string]float64 `persistence:"prices,omitempty"`
	Skip   string
	Nested inner
}

func TestStoreRoundTrip(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("report", "session 1", "latency")

	var missing map[string]int
	assert.ErrorIs(t, store.Load(&missing), ErrNotExists)

	require.NoError(t, store.Save(map[string]int{"samples": 3}))
	var got map[string]int
	require.NoError(t, store.Load(&got))
	assert.Equal(t, 3, got["samples"])
}

func TestSaveAndLoadFields(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	src := state{Label: "desk", Prices: map[string]float64{"BTC-PERPETUAL": 42000}, Skip: "x", Nested: inner{Count: 7}}
	require.NoError(t, SaveFields(&src, "trader", svc))

	var dst state
	require.NoError(t, LoadFields(&dst, "trader", svc))
	assert.Equal(t, "desk", dst.Label)
	assert.Equal(t, 42000.0, dst.Prices["BTC-PERPETUAL"])
	assert.Equal(t, 7, dst.Nested.Count)
	assert.Empty(t, dst.Skip)
}

func TestLoadFieldsMissingIsNoop(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	dst := state{Label: "keep"}
	require.NoError(t, LoadFields(&dst, "nobody", svc))
	assert.Equal(t, "keep", dst.Label)

	assert.Error(t, SaveFields(42, "x", svc))
}
