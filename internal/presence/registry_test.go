package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/courier/internal/event"
)

func TestRegistry_Register_CreatesEntry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	assert.False(t, r.IsOnline("u1"))
	assert.True(t, r.Register("u1", "c1"))
	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, []string{"c1"}, r.Connections("u1"))
}

func TestRegistry_Register_Idempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	assert.True(t, r.Register("u1", "c1"))
	assert.False(t, r.Register("u1", "c1"))
	assert.Equal(t, []string{"c1"}, r.Connections("u1"))
}

func TestRegistry_MultipleConnections(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("u1", "c1")
	assert.False(t, r.Register("u1", "c2"), "second device must not report came online")

	offline, err := r.Deregister("u1", "c1")
	require.NoError(t, err)
	assert.False(t, offline)
	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, []string{"c2"}, r.Connections("u1"))

	offline, err = r.Deregister("u1", "c2")
	require.NoError(t, err)
	assert.True(t, offline)
	assert.False(t, r.IsOnline("u1"))
	assert.Empty(t, r.Connections("u1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Deregister_UnknownIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("u1", "c1")

	offline, err := r.Deregister("u2", "c1")
	require.NoError(t, err)
	assert.False(t, offline)

	offline, err = r.Deregister("u1", "c-other")
	require.NoError(t, err)
	assert.False(t, offline)
	assert.True(t, r.IsOnline("u1"))
}

func TestRegistry_Deregister_EmptyEntryIsInconsistent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.entries["u1"] = map[string]struct{}{}

	_, err := r.Deregister("u1", "c1")
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestRegistry_Online_Sorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("u3", "c3")
	r.Register("u1", "c1")
	r.Register("u2", "c2")

	assert.Equal(t, []event.UserID{"u1", "u2", "u3"}, r.Online())
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			r.Register("u1", conn)
			_ = r.IsOnline("u1")
			_, err := r.Deregister("u1", conn)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, r.IsOnline("u1"))
	assert.Equal(t, 0, r.Len())
}
