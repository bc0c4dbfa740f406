package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromAny_RejectsExcessiveDepth(t *testing.T) {
	nested := map[string]any{}
	leaf := nested
	for i := 0; i < MaxValueDepth+2; i++ {
		inner := map[string]any{}
		leaf["k"] = inner
		leaf = inner
	}
	_, err := FromAny(nested)
	require.Error(t, err)
}

func TestValue_RoundTripPreservesShape(t *testing.T) {
	raw := map[string]any{
		"name":  "tentackl",
		"count": float64(3),
		"tags":  []any{"a", "b"},
		"flag":  true,
		"none":  nil,
	}
	v, err := FromAny(raw)
	require.NoError(t, err)
	require.Equal(t, raw, v.ToAny())

	data, err := json.Marshal(v)
	require.NoError(t, err)
	var back Value
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, raw, back.ToAny())
}

func TestValue_CloneIsIndependent(t *testing.T) {
	original := Object(map[string]Value{
		"list": Array([]Value{String("x")}),
	})
	clone := original.Clone()

	obj, _ := clone.AsObject()
	arr, _ := obj["list"].AsArray()
	arr[0] = String("mutated")

	origList, _ := original.Field("list")
	origArr, _ := origList.AsArray()
	s, _ := origArr[0].AsString()
	require.Equal(t, "x", s)
}

func TestValue_FieldAndIndexAccessors(t *testing.T) {
	v := Object(map[string]Value{
		"items": Array([]Value{Number(1), Number(2)}),
	})

	items, ok := v.Field("items")
	require.True(t, ok)
	second, ok := items.Index(1)
	require.True(t, ok)
	n, _ := second.AsNumber()
	require.Equal(t, 2.0, n)

	_, ok = v.Field("missing")
	require.False(t, ok)
	_, ok = items.Index(5)
	require.False(t, ok)
}
