package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDrainPreservesFIFOOrder(t *testing.T) {
	c := NewClient(NewID())
	c.Enqueue(Item{Name: "a"})
	c.Enqueue(Item{Name: "b"})
	c.Enqueue(Item{Name: "c"})

	items := c.Drain()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{items[0].Name, items[1].Name, items[2].Name})
	assert.Equal(t, 0, c.Pending())
}

func TestMultiplexerAddRemoveGet(t *testing.T) {
	mux := NewMultiplexer()
	c := NewClient(NewID())
	mux.Add(c)

	got, ok := mux.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, c, got)
	assert.Equal(t, 1, mux.Len())

	mux.Remove(c.ID)
	_, ok = mux.Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, mux.Len())
}

func TestIDDistinctAcrossCalls(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
}
