package mailbox

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	m := New[int]()
	for i := 0; i < 5; i++ {
		require.True(t, m.Put(i))
	}
	<-m.Ready()
	for i := 0; i < 5; i++ {
		v, ok := m.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := m.Pop()
	assert.False(t, ok)
}

func TestCloseRejectsPut(t *testing.T) {
	m := New[string]()
	m.Put("a")
	m.Close()
	assert.False(t, m.Put("b"))
	v, ok := m.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestConcurrentPutsAllArrive(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Put(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, m.Len())
}
