package dedup

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndContains(t *testing.T) {
	c := New(10, time.Minute, nil)
	id := uuid.New()

	assert.False(t, c.Contains("k1"))
	added := c.Add("k1", id)
	assert.True(t, added)
	assert.True(t, c.Contains("k1"))

	got, ok := c.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestAddDuplicateReturnsFalse(t *testing.T) {
	c := New(10, time.Minute, nil)
	id := uuid.New()

	require.True(t, c.Add("k1", id))
	assert.False(t, c.Add("k1", uuid.New()))
	assert.Equal(t, 1, c.Len())
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c := New(2, time.Minute, nil)
	c.Add("a", uuid.New())
	c.Add("b", uuid.New())
	c.Add("c", uuid.New()) // evicts "a"

	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 2, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond, nil)
	c.Add("k1", uuid.New())
	assert.True(t, c.Contains("k1"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, c.Contains("k1"))
}

func TestOnEvictCalledForSizeEviction(t *testing.T) {
	var evicted []string
	c := New(2, time.Minute, func(key string, _ uuid.UUID) {
		evicted = append(evicted, key)
	})
	c.Add("a", uuid.New())
	c.Add("b", uuid.New())
	c.Add("c", uuid.New()) // evicts "a"

	assert.Equal(t, []string{"a"}, evicted)
}
