package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttlens/message"
)

func fill(h *History, n int) {
	for i := 0; i < n; i++ {
		h.Add(message.Publish("t", i, 0, false, nil, time.Time{}))
	}
}

func ids(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestHistory_Addressing(t *testing.T) {
	h := New(5)
	fill(h, 10)

	_, ok := h.Get(3)
	assert.False(t, ok, "id 3 should be evicted")

	e, ok := h.Get(7)
	require.True(t, ok)
	assert.Equal(t, uint64(7), e.ID)
	assert.Equal(t, 6, e.Message.Body())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(10), latest.ID)

	assert.Equal(t, []uint64{8, 9, 10}, ids(h.Last(3)))
	assert.Equal(t, []uint64{6, 7, 8, 9, 10}, ids(h.Last(50)))

	third, ok := h.FromLast(3)
	require.True(t, ok)
	assert.Equal(t, uint64(8), third.ID)

	_, ok = h.Get(11)
	assert.False(t, ok)
	_, ok = h.FromLast(6)
	assert.False(t, ok)
	_, ok = h.FromLast(0)
	assert.False(t, ok)
}

func TestHistory_Resolve(t *testing.T) {
	h := New(5)
	fill(h, 10)

	e, ok, err := h.Resolve("9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), e.ID)

	e, ok, err = h.Resolve("-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(8), e.ID)

	_, ok, err = h.Resolve("2")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"", "abc", "-0", "-x", "1.5"} {
		_, _, err = h.Resolve(bad)
		assert.ErrorIs(t, err, ErrBadReference, bad)
	}
}

func TestHistory_ClearKeepsIDs(t *testing.T) {
	h := New(3)
	fill(h, 4)
	h.Clear()

	assert.Equal(t, 0, h.Len())
	_, ok := h.Latest()
	assert.False(t, ok)
	assert.Empty(t, h.Last(3))

	id := h.Add(message.Event(message.TypeData, "x", nil, time.Time{}))
	assert.Equal(t, uint64(5), id)
	assert.Equal(t, uint64(6), h.NextID())
	e, ok := h.Get(5)
	require.True(t, ok)
	assert.Equal(t, message.TypeData, e.Message.Type)
}

func TestHistory_Capacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	h := New(2)
	fill(h, 1)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 2, h.Cap())
}
